package ike

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"sync"
	"time"
)

// cookieSecretLifetime bounds how long one rotating secret is used before
// being replaced; RFC 7296 §2.6 only requires that it change periodically
// so a captured cookie can't be replayed indefinitely.
const cookieSecretLifetime = 5 * time.Minute

// CookieGate implements the stateless-cookie flood-control gate
// (spec.md §5, RFC 7296 §2.6, scenario S2). HMAC is out-of-scope-crypto
// adjacent but deliberately stays on crypto/hmac+sha256 rather than the
// negotiated PRF: the cookie must be verifiable before any SA, let alone a
// negotiated transform, exists.
type CookieGate struct {
	mu        sync.Mutex
	secret    []byte
	rotatedAt time.Time

	// HalfOpenThreshold is the half-open-IKE-SA count above which the gate
	// starts demanding a cookie.
	HalfOpenThreshold int
}

func NewCookieGate(threshold int) *CookieGate {
	g := &CookieGate{HalfOpenThreshold: threshold}
	g.rotate()
	return g
}

func (g *CookieGate) rotate() {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(err) // crypto/rand failing means the platform RNG is broken; nothing downstream can recover
	}
	g.secret = secret
	g.rotatedAt = time.Now()
}

func (g *CookieGate) maybeRotate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if time.Since(g.rotatedAt) > cookieSecretLifetime {
		g.rotate()
	}
}

// Required reports whether the gate demands a cookie right now, given the
// current half-open SA count.
func (g *CookieGate) Required(halfOpenCount int) bool {
	return halfOpenCount > g.HalfOpenThreshold
}

// Compute derives the cookie value for (spiI, ni): HMAC-SHA256(secret,
// spiI || ni), per RFC 7296 §2.6.
func (g *CookieGate) Compute(spiI, ni []byte) []byte {
	g.maybeRotate()
	g.mu.Lock()
	secret := g.secret
	g.mu.Unlock()

	mac := hmac.New(sha256.New, secret)
	mac.Write(spiI)
	mac.Write(ni)
	return mac.Sum(nil)
}

// Verify reports whether cookie matches Compute(spiI, ni) under the
// current secret only; a cookie computed before the most recent rotation
// no longer verifies.
func (g *CookieGate) Verify(spiI, ni, cookie []byte) bool {
	return hmac.Equal(g.Compute(spiI, ni), cookie)
}
