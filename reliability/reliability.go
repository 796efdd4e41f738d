package reliability

import (
	"time"

	"github.com/yafatek/mxp-protocol/internal/metrics"
)

// Recovery is the per-connection facade spec §9 calls a single capability
// set: {on_ack, on_loss, on_send, cwnd, pacing_rate}. It wires the RTT
// estimator, selective-ACK tracker, loss detector, PTO timer, and
// congestion controller together the way the teacher's lossRecovery field
// ties equivalent QUIC pieces into one struct on Conn.
type Recovery struct {
	RTT  *RTTEstimator
	Acks *AckTracker
	Loss *LossDetector
	CC   *Controller
	PTO  PTOTimer

	MaxAckDelay time.Duration

	// Metrics, if set, receives the spec §6 observability exports this
	// package can feed directly (rtt, ack-eliciting lost).
	Metrics *metrics.Registry
}

// NewRecovery builds a Recovery with default estimators and a 25ms max ack
// delay, matching spec §6's config default.
func NewRecovery() *Recovery {
	return &Recovery{
		RTT:         NewRTTEstimator(),
		Acks:        NewAckTracker(),
		Loss:        NewLossDetector(),
		CC:          NewController(),
		MaxAckDelay: 25 * time.Millisecond,
	}
}

// OnSend records an outbound ack-eliciting packet for loss tracking and
// congestion accounting, and (re)arms the PTO timer.
func (r *Recovery) OnSend(p *SentPacket, now time.Time) {
	p.InFlight = true
	if p.AckEliciting {
		r.Loss.OnSent(p)
		r.CC.OnSend(p.Size)
		r.PTO.Arm(now, r.RTT.PTO(r.MaxAckDelay))
	}
}

// OnDatagramSent accounts for an unreliable datagram's pacing cost without
// adding it to bytes_in_flight or tracking it for retransmission, per spec
// §4.5 ("datagrams are paced using the same pacer as stream data but are
// never retransmitted and never counted toward bytes_in_flight").
func (r *Recovery) OnDatagramSent(n int) {
	_ = n // congestion window is untouched; caller paces via r.CC.PacingRate()
}

// OnAck processes a received ACK frame: merges the acknowledged ranges,
// samples RTT from the newly-acked packet with the largest packet number,
// runs loss detection, and feeds both newly-acked and newly-lost bytes
// into the congestion controller. Returns the packets newly acknowledged
// and newly declared lost.
func (r *Recovery) OnAck(ranges []AckRange, ackDelay time.Duration, now time.Time) (acked, lost []*SentPacket) {
	var largestAcked uint64
	haveLargest := false
	for _, rg := range ranges {
		for pn := rg.Start; pn <= rg.End; pn++ {
			if !haveLargest || pn > largestAcked {
				largestAcked = pn
				haveLargest = true
			}
			if p := r.Loss.Acked(pn); p != nil {
				acked = append(acked, p)
			}
		}
	}
	if !haveLargest {
		return nil, nil
	}

	for _, p := range acked {
		// spec §4.4: only samples whose ack_delay < smoothed_rtt are used,
		// and only from the packet carrying the largest acknowledged number
		// (so a cumulative ACK doesn't sample every newly-acked packet).
		if p.PacketNumber == largestAcked && ackDelay < r.RTT.Smoothed() {
			sample := now.Sub(p.SentAt) - ackDelay
			if sample < 0 {
				sample = now.Sub(p.SentAt)
			}
			r.RTT.Sample(sample)
			if r.Metrics != nil {
				r.Metrics.RTT.Observe(sample.Seconds())
			}
		}
		r.CC.OnAck(p.Size, r.RTT.Smoothed(), now)
	}

	lost = r.Loss.DetectLost(largestAcked, r.RTT, now)
	for _, p := range lost {
		r.CC.OnLoss(p.Size, now)
	}
	if r.Metrics != nil && len(lost) > 0 {
		r.Metrics.AckElicitingLost.Add(float64(len(lost)))
	}

	if r.Loss.Outstanding() == 0 {
		r.PTO.Disarm()
	} else {
		r.PTO.consecutive = 0
		r.PTO.Arm(now, r.RTT.PTO(r.MaxAckDelay))
	}
	return acked, lost
}

// CheckPTO reports whether the probe timeout has expired and, if so,
// advances its backoff. Callers that get true back must send a probe
// (typically a retransmission of the oldest outstanding ack-eliciting
// packet) per spec §4.4.
func (r *Recovery) CheckPTO(now time.Time) bool {
	if !r.PTO.Expired(now) {
		return false
	}
	r.PTO.OnExpired()
	r.PTO.Arm(now, r.RTT.PTO(r.MaxAckDelay))
	return true
}

// CanSend reports whether n more bytes may be sent without exceeding the
// congestion window.
func (r *Recovery) CanSend(n int) bool { return r.CC.CanSend(n) }

// PacingRate returns the current pacing rate in bytes/sec.
func (r *Recovery) PacingRate() float64 { return r.CC.PacingRate() }
