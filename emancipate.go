package ike

import "github.com/quietkey/ikev2/state"

// Emancipate promotes a successfully-completed IKE-rekey child into a new
// top-level IkeSa: it inherits the negotiated SPIs, every child still
// attached to the old parent migrates to it, and its message-ID counters
// reset to a fresh sequence (spec.md §4.9 "on a successful IKE-rekey
// completion... the child is emancipated").
func Emancipate(t *SaTable, oldParent *IkeSa, child *ChildSa, newSpiI, newSpiR []byte) *IkeSa {
	establishedState := state.PARENT_R1
	if child.IsInitiator {
		establishedState = state.PARENT_I2
	}
	successor := NewIkeSa(child.IsInitiator, establishedState)
	successor.SpiI = newSpiI
	successor.SpiR = newSpiR
	successor.FragmentationAllowed = oldParent.FragmentationAllowed
	successor.PeerFragments = oldParent.PeerFragments
	successor.ConnectionName = oldParent.ConnectionName
	successor.Opportunistic = oldParent.Opportunistic
	successor.SkeyseedComputed = true

	t.Insert(successor)
	t.BindResponderSpi(successor)

	for _, c := range t.Children(oldParent.Serial) {
		if c.Serial == child.Serial {
			continue // the rekey child itself becomes the parent, not one of its children
		}
		c.ParentSerial = successor.Serial
	}

	t.DeleteChild(child)
	t.Delete(oldParent)

	return successor
}
