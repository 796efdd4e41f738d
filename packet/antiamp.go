package packet

import "sync/atomic"

// AntiAmplification enforces spec §4.3's pre-validation send budget: at
// most 3x bytes_received minus bytes_sent may be sent to an address that
// hasn't yet proven it owns its source address.
type AntiAmplification struct {
	validated    atomic.Bool
	bytesRecv    atomic.Uint64
	bytesSent    atomic.Uint64
	multiplier   uint64
}

// NewAntiAmplification builds a tracker with the spec-mandated 3x
// multiplier.
func NewAntiAmplification() *AntiAmplification {
	return &AntiAmplification{multiplier: 3}
}

// Validate marks the peer address as having demonstrated ownership (e.g.
// after the handshake completes), lifting the budget entirely.
func (a *AntiAmplification) Validate() { a.validated.Store(true) }

// Validated reports whether the peer has been validated.
func (a *AntiAmplification) Validated() bool { return a.validated.Load() }

// OnBytesReceived records inbound bytes from the unvalidated peer.
func (a *AntiAmplification) OnBytesReceived(n int) {
	a.bytesRecv.Add(uint64(n))
}

// Budget returns how many more bytes may be sent before the budget is
// exhausted. Always returns a very large number once validated.
func (a *AntiAmplification) Budget() uint64 {
	if a.validated.Load() {
		return 1 << 60
	}
	allowed := a.multiplier * a.bytesRecv.Load()
	sent := a.bytesSent.Load()
	if sent >= allowed {
		return 0
	}
	return allowed - sent
}

// Reserve attempts to account for n outbound bytes against the budget. It
// returns false (without mutating state) if n exceeds the remaining
// budget, in which case the caller must block until more is received or
// the peer is validated (spec §4.3).
func (a *AntiAmplification) Reserve(n int) bool {
	if a.validated.Load() {
		a.bytesSent.Add(uint64(n))
		return true
	}
	if uint64(n) > a.Budget() {
		return false
	}
	a.bytesSent.Add(uint64(n))
	return true
}
