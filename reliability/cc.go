package reliability

import (
	"math"
	"time"
)

// CongestionPhase enumerates the BBR-inspired controller's state machine
// (spec §4.4: "BBR-inspired: startup, drain, probe-bw, probe-rtt").
type CongestionPhase uint8

const (
	PhaseStartup CongestionPhase = iota
	PhaseDrain
	PhaseProbeBW
	PhaseProbeRTT
)

func (p CongestionPhase) String() string {
	switch p {
	case PhaseStartup:
		return "startup"
	case PhaseDrain:
		return "drain"
	case PhaseProbeBW:
		return "probe-bw"
	case PhaseProbeRTT:
		return "probe-rtt"
	default:
		return "unknown"
	}
}

const (
	// minCongestionWindow is the floor below which the controller never
	// shrinks cwnd, expressed in bytes (spec §4.4 default MTU 1350 * 2).
	minCongestionWindow = 2 * 1350

	// startupGrowth is BBR's startup-phase pacing gain (~2/ln2 in real BBR;
	// spec asks only for an aggressive multiplicative growth phase).
	startupGrowth = 2.0

	// sustainedLossThreshold switches the controller from BBR-inspired
	// probing to a CUBIC-style backoff once loss over a measurement window
	// exceeds this fraction (spec §4.4: "sustained loss (>5%)").
	sustainedLossThreshold = 0.05

	// cubicBeta is CUBIC's multiplicative window-reduction factor on loss.
	cubicBeta = 0.7
	// cubicC is CUBIC's window-growth scaling constant.
	cubicC = 0.4
)

// probeRTTInterval/probeRTTDuration govern how often and how long the
// controller parks at a small window to resample the minimum RTT (spec
// §4.4's probe-rtt phase).
const (
	probeRTTInterval = 10 * time.Second
	probeRTTDuration  = 200 * time.Millisecond
)

// Controller implements the capability-set congestion controller of
// spec §9: on_ack, on_loss, on_send, cwnd, pacing_rate.
type Controller struct {
	phase CongestionPhase

	cwnd       float64 // bytes
	bytesInFlight int

	bottleneckBW float64 // bytes/sec, best observed delivery rate
	minRTT       time.Duration

	lastProbeRTT time.Time

	deliveredBytes   uint64
	deliveredAt      time.Time
	ackedSinceWindow int
	lostSinceWindow  int

	cubicActive  bool
	cubicWMax    float64
	cubicEpoch   time.Time
	cubicOrigin  float64
}

// NewController builds a congestion controller starting in BBR-style
// startup with a conservative initial window (10 * MTU, per common QUIC
// practice and spec §4.4's "generous initial window").
func NewController() *Controller {
	return &Controller{
		phase:       PhaseStartup,
		cwnd:        10 * 1350,
		lastProbeRTT: time.Time{},
	}
}

// OnSend records bytes pushed onto the wire for in-flight accounting.
func (c *Controller) OnSend(n int) {
	c.bytesInFlight += n
}

// OnAck updates delivery-rate and RTT samples and advances the BBR-style
// phase machine, or the CUBIC window if sustained loss has switched the
// controller into backoff mode.
func (c *Controller) OnAck(ackedBytes int, rtt time.Duration, now time.Time) {
	c.bytesInFlight -= ackedBytes
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
	c.ackedSinceWindow++

	if rtt > 0 && (c.minRTT == 0 || rtt < c.minRTT) {
		c.minRTT = rtt
	}
	if rtt > 0 {
		rate := float64(ackedBytes) / rtt.Seconds()
		if rate > c.bottleneckBW {
			c.bottleneckBW = rate
		}
	}

	if c.cubicActive {
		c.cubicGrow(now)
		return
	}

	switch c.phase {
	case PhaseStartup:
		c.cwnd += float64(ackedBytes) * (startupGrowth - 1)
		if c.bottleneckBWPlateaued() {
			c.phase = PhaseDrain
		}
	case PhaseDrain:
		target := c.bdp()
		if c.cwnd > target {
			c.cwnd = target
		}
		c.phase = PhaseProbeBW
	case PhaseProbeBW:
		target := c.bdp()
		// Gentle additive probing around the bandwidth-delay product.
		c.cwnd = target + float64(ackedBytes)*0.25
		c.maybeEnterProbeRTT(now)
	case PhaseProbeRTT:
		if now.Sub(c.lastProbeRTT) >= probeRTTDuration {
			c.phase = PhaseProbeBW
		}
	}
	if c.cwnd < minCongestionWindow {
		c.cwnd = minCongestionWindow
	}
}

// bdp estimates the bandwidth-delay product: best observed bandwidth times
// minimum observed RTT, BBR's steady-state window target.
func (c *Controller) bdp() float64 {
	if c.minRTT <= 0 || c.bottleneckBW <= 0 {
		return c.cwnd
	}
	return c.bottleneckBW * c.minRTT.Seconds()
}

func (c *Controller) bottleneckBWPlateaued() bool {
	// Startup exits once the window has grown well past any plausible
	// single-probe bandwidth-delay product, mirroring BBR's "three
	// non-improving rounds" heuristic with a single-shot threshold
	// suitable for this controller's coarser sampling.
	return c.bdp() > 0 && c.cwnd >= c.bdp()*startupGrowth
}

func (c *Controller) maybeEnterProbeRTT(now time.Time) {
	if c.lastProbeRTT.IsZero() {
		c.lastProbeRTT = now
		return
	}
	if now.Sub(c.lastProbeRTT) >= probeRTTInterval {
		c.phase = PhaseProbeRTT
		c.lastProbeRTT = now
		c.cwnd = minCongestionWindow
	}
}

// OnLoss records a lost packet and evaluates the sustained-loss switch to
// CUBIC, per spec §4.4.
func (c *Controller) OnLoss(lostBytes int, now time.Time) {
	c.bytesInFlight -= lostBytes
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
	c.lostSinceWindow++

	total := c.ackedSinceWindow + c.lostSinceWindow
	if total >= 20 {
		lossRate := float64(c.lostSinceWindow) / float64(total)
		if lossRate > sustainedLossThreshold && !c.cubicActive {
			c.enterCubic(now)
		} else if lossRate <= sustainedLossThreshold && c.cubicActive {
			c.cubicActive = false
			c.phase = PhaseProbeBW
		}
		c.ackedSinceWindow = 0
		c.lostSinceWindow = 0
	}

	if c.cubicActive {
		c.cwnd *= cubicBeta
		c.cubicWMax = c.cwnd / cubicBeta
		c.cubicEpoch = now
		c.cubicOrigin = c.cwnd
		if c.cwnd < minCongestionWindow {
			c.cwnd = minCongestionWindow
		}
	}
}

func (c *Controller) enterCubic(now time.Time) {
	c.cubicActive = true
	c.cubicWMax = c.cwnd
	c.cubicEpoch = now
	c.cubicOrigin = c.cwnd
}

// cubicGrow applies CUBIC's concave/convex growth function relative to the
// epoch start (spec §4.4: "CUBIC fallback (β=0.7) on sustained loss").
func (c *Controller) cubicGrow(now time.Time) {
	t := now.Sub(c.cubicEpoch).Seconds()
	k := math.Cbrt(c.cubicWMax * (1 - cubicBeta) / cubicC)
	w := cubicC*math.Pow(t-k, 3) + c.cubicWMax
	if w > c.cwnd {
		c.cwnd = w
	} else {
		c.cwnd += 64 // slow additive nudge while below the cubic curve
	}
}

// CWND returns the current congestion window in bytes.
func (c *Controller) CWND() int { return int(c.cwnd) }

// Phase reports the current BBR-style phase (meaningless while in CUBIC
// fallback; callers should check InCubicFallback first).
func (c *Controller) Phase() CongestionPhase { return c.phase }

// InCubicFallback reports whether sustained loss has switched the
// controller out of BBR-style probing.
func (c *Controller) InCubicFallback() bool { return c.cubicActive }

// PacingRate returns bytes/sec the sender should pace output at: cwnd
// divided by RTT, per spec §4.4/§9's pacing_rate capability.
func (c *Controller) PacingRate() float64 {
	if c.minRTT <= 0 {
		return c.cwnd / InitialRTT.Seconds()
	}
	return c.cwnd / c.minRTT.Seconds()
}

// BytesInFlight returns the controller's view of outstanding bytes.
func (c *Controller) BytesInFlight() int { return c.bytesInFlight }

// CanSend reports whether n more bytes may be sent without exceeding cwnd.
func (c *Controller) CanSend(n int) bool {
	return c.bytesInFlight+n <= int(c.cwnd)
}
