package reliability

import "time"

// PacketReorderingThreshold is the number of packets a sent-but-unacked
// packet may be passed by before it is declared lost (spec §4.4).
const PacketReorderingThreshold = 3

// TimeReorderingFraction scales the current RTT to obtain the
// time-threshold loss window (spec §4.4: K=1.125).
const TimeReorderingFraction = 1.125

// MinLossTimeout is the floor under the time-threshold loss window (spec
// §4.4: "min_timeout=1 ms"), preventing a near-zero RTT estimate from
// declaring packets lost almost immediately after they're sent.
const MinLossTimeout = 1 * time.Millisecond

// SentPacket is the bookkeeping record kept for every ack-eliciting packet
// until it is acknowledged or declared lost.
type SentPacket struct {
	PacketNumber uint64
	SentAt       time.Time
	Size         int
	AckEliciting bool
	InFlight     bool
}

// LossDetector tracks outstanding packets and applies the reordering- and
// time-threshold rules of spec §4.4 to classify them as lost.
type LossDetector struct {
	sent map[uint64]*SentPacket
}

// NewLossDetector builds an empty detector.
func NewLossDetector() *LossDetector {
	return &LossDetector{sent: make(map[uint64]*SentPacket)}
}

// OnSent records a newly sent packet.
func (d *LossDetector) OnSent(p *SentPacket) {
	d.sent[p.PacketNumber] = p
}

// BytesInFlight sums the size of all currently tracked in-flight packets.
func (d *LossDetector) BytesInFlight() int {
	total := 0
	for _, p := range d.sent {
		if p.InFlight {
			total += p.Size
		}
	}
	return total
}

// Acked removes and returns the sent-packet record for an acknowledged
// packet number, or nil if it was not being tracked (already acked, lost,
// or never ack-eliciting).
func (d *LossDetector) Acked(pn uint64) *SentPacket {
	p, ok := d.sent[pn]
	if !ok {
		return nil
	}
	delete(d.sent, pn)
	return p
}

// DetectLost classifies currently-tracked packets as lost against the
// largest acknowledged packet number and the current RTT estimate, per
// spec §4.4's combined reordering/time threshold. It removes lost packets
// from tracking; the returned order is not guaranteed.
func (d *LossDetector) DetectLost(largestAcked uint64, rtt *RTTEstimator, now time.Time) []*SentPacket {
	// spec §4.4: max(K·smoothed_rtt, K·latest_rtt, min_timeout).
	bySmoothed := time.Duration(float64(rtt.Smoothed()) * TimeReorderingFraction)
	byLatest := time.Duration(float64(rtt.latest) * TimeReorderingFraction)
	lossDelay := maxDuration(maxDuration(bySmoothed, byLatest), MinLossTimeout)
	var lost []*SentPacket
	for pn, p := range d.sent {
		if pn > largestAcked {
			continue
		}
		reordered := largestAcked-pn >= PacketReorderingThreshold
		timedOut := !p.SentAt.IsZero() && now.Sub(p.SentAt) >= lossDelay
		if reordered || timedOut {
			lost = append(lost, p)
			delete(d.sent, pn)
		}
	}
	return lost
}

// Outstanding reports how many ack-eliciting packets remain unacknowledged.
func (d *LossDetector) Outstanding() int { return len(d.sent) }

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
