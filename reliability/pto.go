package reliability

import "time"

// PTOBackoffCap bounds the exponential backoff applied to consecutive PTO
// expirations (spec §4.4: "exponential backoff, capped").
const PTOBackoffCap = 6

// PTOTimer tracks the probe-timeout deadline and its exponential backoff
// across consecutive expirations without an intervening ack.
type PTOTimer struct {
	consecutive int
	deadline    time.Time
	armed       bool
}

// Arm schedules the timer base*2^consecutive in the future, capped at
// 2^PTOBackoffCap.
func (t *PTOTimer) Arm(now time.Time, base time.Duration) {
	shift := t.consecutive
	if shift > PTOBackoffCap {
		shift = PTOBackoffCap
	}
	t.deadline = now.Add(base * time.Duration(uint64(1)<<uint(shift)))
	t.armed = true
}

// Disarm cancels the timer, e.g. once no ack-eliciting packets remain
// outstanding.
func (t *PTOTimer) Disarm() {
	t.armed = false
	t.consecutive = 0
}

// Expired reports whether the timer is armed and now has passed the
// deadline. It does not itself advance the backoff counter; callers must
// call OnExpired once they act on the expiry.
func (t *PTOTimer) Expired(now time.Time) bool {
	return t.armed && !now.Before(t.deadline)
}

// OnExpired advances the backoff counter after the caller has reacted to
// an expiry (typically by retransmitting the oldest outstanding packet as
// a probe).
func (t *PTOTimer) OnExpired() {
	t.consecutive++
}

// Deadline returns the current scheduled deadline and whether the timer
// is armed.
func (t *PTOTimer) Deadline() (time.Time, bool) { return t.deadline, t.armed }
