package ike

import "sync"

// SaTable owns every live IkeSa and ChildSa and implements the three
// lookup primitives the dispatcher needs (spec.md §4.4). It is owned by
// the single-threaded event loop; the mutex exists only to protect against
// the worker pool's cross-goroutine completion callbacks racing a lookup,
// not to allow concurrent mutation of an SA itself (spec.md §5).
type SaTable struct {
	mu sync.Mutex

	byInitiatorSpi map[string]*IkeSa // keyed by raw SpiI bytes, for IKE_SA_INIT in both directions
	bySpiPair      map[SpiPair]*IkeSa
	bySerial       map[uint64]*IkeSa

	childBySerial map[uint64]*ChildSa
}

func NewSaTable() *SaTable {
	return &SaTable{
		byInitiatorSpi: make(map[string]*IkeSa),
		bySpiPair:      make(map[SpiPair]*IkeSa),
		bySerial:       make(map[uint64]*IkeSa),
		childBySerial:  make(map[uint64]*ChildSa),
	}
}

func (t *SaTable) Insert(sa *IkeSa) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byInitiatorSpi[string(sa.SpiI)] = sa
	t.bySerial[sa.Serial] = sa
	if len(sa.SpiR) > 0 {
		t.bySpiPair[sa.SpiPair()] = sa
	}
}

// BindResponderSpi records the responder SPI once it's chosen, so
// find_ike (post-init lookups) starts working (spec.md §4.4).
func (t *SaTable) BindResponderSpi(sa *IkeSa) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bySpiPair[sa.SpiPair()] = sa
}

// FindByInitiatorSpi is find_by_initiator_spi: used for IKE_SA_INIT in
// both directions, since the responder SPI is unknown at that moment.
func (t *SaTable) FindByInitiatorSpi(spiI []byte) *IkeSa {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byInitiatorSpi[string(spiI)]
}

// FindIke is find_ike: used for post-init inbound traffic.
func (t *SaTable) FindIke(spiI, spiR []byte) *IkeSa {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bySpiPair[SpiPair{I: string(spiI), R: string(spiR)}]
}

// FindBySerial re-resolves an SA handle by serial number; worker-pool
// completions must call this before touching a suspended SA, since the SA
// may have been deleted while the work was in flight (spec.md §5).
func (t *SaTable) FindBySerial(serial uint64) *IkeSa {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bySerial[serial]
}

// FindChild is find_child: for responses to CREATE_CHILD_SA or AUTH, the
// message ID identifies which child SA initiated the request.
func (t *SaTable) FindChild(parent *IkeSa, msgId uint32) *ChildSa {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.childBySerial {
		if c.ParentSerial == parent.Serial && c.MsgId == msgId {
			return c
		}
	}
	return nil
}

func (t *SaTable) FindChildBySerial(serial uint64) *ChildSa {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.childBySerial[serial]
}

func (t *SaTable) InsertChild(c *ChildSa) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.childBySerial[c.Serial] = c
}

// Children returns every child currently attached to parentSerial, found
// by scanning the table rather than a maintained back-pointer list, so a
// deleted parent never leaves stale child references behind (spec.md §9
// "cyclic references").
func (t *SaTable) Children(parentSerial uint64) []*ChildSa {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*ChildSa
	for _, c := range t.childBySerial {
		if c.ParentSerial == parentSerial {
			out = append(out, c)
		}
	}
	return out
}

// Delete removes sa and every child attached to it.
func (t *SaTable) Delete(sa *IkeSa) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byInitiatorSpi, string(sa.SpiI))
	delete(t.bySpiPair, sa.SpiPair())
	delete(t.bySerial, sa.Serial)
	for serial, c := range t.childBySerial {
		if c.ParentSerial == sa.Serial {
			delete(t.childBySerial, serial)
		}
	}
}

func (t *SaTable) DeleteChild(c *ChildSa) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.childBySerial, c.Serial)
}

// HalfOpenCount reports how many IKE SAs have not yet completed
// IKE_SA_INIT, for the stateless-cookie flood-control gate (spec.md §5).
func (t *SaTable) HalfOpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, sa := range t.bySerial {
		if len(sa.SpiR) == 0 {
			n++
		}
	}
	return n
}
