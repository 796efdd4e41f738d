package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRTTEstimatorSmoothingConverges(t *testing.T) {
	r := NewRTTEstimator()
	for i := 0; i < 50; i++ {
		r.Sample(40 * time.Millisecond)
	}
	require.InDelta(t, 40*time.Millisecond, r.Smoothed(), float64(2*time.Millisecond))
	require.Equal(t, 40*time.Millisecond, r.Min())
}

func TestAckTrackerMergesAdjacentAndOutOfOrderRanges(t *testing.T) {
	tr := NewAckTracker()
	for _, pn := range []uint64{5, 6, 7, 1, 2, 10} {
		tr.Add(pn)
	}
	ranges := tr.Ranges()
	require.True(t, tr.Contains(6))
	require.False(t, tr.Contains(8))
	require.False(t, tr.Contains(3))
	largest, ok := tr.Largest()
	require.True(t, ok)
	require.Equal(t, uint64(10), largest)

	var total int
	for _, r := range ranges {
		total += int(r.End-r.Start) + 1
	}
	require.Equal(t, 6, total)
}

func TestAckTrackerCapsRangeCount(t *testing.T) {
	tr := NewAckTracker()
	for i := uint64(0); i < 200; i += 2 {
		tr.Add(i)
	}
	require.LessOrEqual(t, len(tr.Ranges()), MaxAckRanges)
}

func TestLossDetectorReorderingThreshold(t *testing.T) {
	d := NewLossDetector()
	now := time.Now()
	for pn := uint64(0); pn < 5; pn++ {
		d.OnSent(&SentPacket{PacketNumber: pn, SentAt: now, Size: 100, AckEliciting: true, InFlight: true})
	}
	rtt := NewRTTEstimator()
	lost := d.DetectLost(4, rtt, now)
	// pn 0 is 4 behind the largest acked (>= PacketReorderingThreshold==3).
	require.Len(t, lost, 2) // pn 0 and pn 1 both clear the threshold
	require.Equal(t, 3, d.Outstanding())
}

func TestLossDetectorTimeThreshold(t *testing.T) {
	d := NewLossDetector()
	now := time.Now()
	d.OnSent(&SentPacket{PacketNumber: 1, SentAt: now.Add(-time.Second), Size: 100, AckEliciting: true, InFlight: true})
	d.OnSent(&SentPacket{PacketNumber: 2, SentAt: now, Size: 100, AckEliciting: true, InFlight: true})
	rtt := NewRTTEstimator()
	rtt.Sample(10 * time.Millisecond)
	lost := d.DetectLost(2, rtt, now)
	require.Len(t, lost, 1)
	require.Equal(t, uint64(1), lost[0].PacketNumber)
}

func TestCongestionControllerGrowsInStartupThenCapsAtBDP(t *testing.T) {
	c := NewController()
	now := time.Now()
	initial := c.CWND()
	c.OnAck(1350, 20*time.Millisecond, now)
	require.Greater(t, c.CWND(), initial) // startup grows by the acked bytes
	for i := 1; i < 20; i++ {
		now = now.Add(20 * time.Millisecond)
		c.OnAck(1350, 20*time.Millisecond, now)
	}
	// One 1350-byte ack per 20ms RTT gives a BDP of 1350 bytes, below the
	// minimum window, so after startup the window settles at that floor.
	require.Equal(t, minCongestionWindow, c.CWND())
}

func TestCongestionControllerFallsBackToCubicOnSustainedLoss(t *testing.T) {
	c := NewController()
	now := time.Now()
	for i := 0; i < 20; i++ {
		// 20% loss rate, above the 5% sustained-loss threshold; the loss at
		// i=19 is the 20th sample and closes the measurement window.
		if i%5 == 4 {
			c.OnLoss(1350, now)
		} else {
			c.OnAck(1350, 20*time.Millisecond, now)
		}
		now = now.Add(10 * time.Millisecond)
	}
	require.True(t, c.InCubicFallback())
}

func TestRecoveryEndToEndLossAndAck(t *testing.T) {
	r := NewRecovery()
	now := time.Now()

	for pn := uint64(0); pn < 10; pn++ {
		r.OnSend(&SentPacket{PacketNumber: pn, SentAt: now, Size: 200, AckEliciting: true}, now)
	}
	now = now.Add(50 * time.Millisecond)

	// Simulate packet 3 lost: ack everything except it, with the ack
	// arriving after packet 9 (largest), well past the reordering
	// threshold for packet 3.
	acked, lost := r.OnAck([]AckRange{{Start: 4, End: 9}, {Start: 0, End: 2}}, 2*time.Millisecond, now)
	require.NotEmpty(t, acked)
	require.Len(t, lost, 1)
	require.Equal(t, uint64(3), lost[0].PacketNumber)
	require.Greater(t, r.RTT.Smoothed(), time.Duration(0))
}

func TestPTOTimerExponentialBackoff(t *testing.T) {
	var timer PTOTimer
	now := time.Now()
	timer.Arm(now, 100*time.Millisecond)
	d1, _ := timer.Deadline()
	timer.OnExpired()
	timer.Arm(now, 100*time.Millisecond)
	d2, _ := timer.Deadline()
	require.Greater(t, d2.Sub(now), d1.Sub(now))
}
