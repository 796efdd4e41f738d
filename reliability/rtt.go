// Package reliability implements spec §4.4: selective ACK tracking, loss
// detection, RTT estimation, PTO scheduling, and congestion control.
package reliability

import "time"

// InitialRTT is the RTT assumed before the first sample arrives (spec §4.4).
const InitialRTT = 250 * time.Millisecond

// rttAlpha/rttBeta are the RFC 6298-style smoothing factors spec §4.4 calls
// for ("smoothed RTT updated with a standard 7/8 exponential filter").
const (
	rttAlpha = 0.125
	rttBeta  = 0.25
)

// RTTEstimator tracks smoothed RTT, RTT variance, and the minimum observed
// RTT for one connection.
type RTTEstimator struct {
	latest   time.Duration
	smoothed time.Duration
	variance time.Duration
	min      time.Duration
	haveSample bool
}

// NewRTTEstimator builds an estimator seeded with InitialRTT per spec §4.4.
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{smoothed: InitialRTT, variance: InitialRTT / 2}
}

// Sample feeds one RTT observation (send-to-ack latency minus the peer's
// reported ack delay, already subtracted by the caller).
func (r *RTTEstimator) Sample(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	r.latest = rtt
	if !r.haveSample {
		r.haveSample = true
		r.smoothed = rtt
		r.variance = rtt / 2
		r.min = rtt
		return
	}
	if rtt < r.min || r.min == 0 {
		r.min = rtt
	}
	delta := r.smoothed - rtt
	if delta < 0 {
		delta = -delta
	}
	r.variance = time.Duration(float64(r.variance)*(1-rttBeta) + float64(delta)*rttBeta)
	r.smoothed = time.Duration(float64(r.smoothed)*(1-rttAlpha) + float64(rtt)*rttAlpha)
}

// Smoothed returns the current smoothed RTT estimate.
func (r *RTTEstimator) Smoothed() time.Duration { return r.smoothed }

// Variance returns the current RTT variance estimate.
func (r *RTTEstimator) Variance() time.Duration { return r.variance }

// Min returns the lowest RTT sample observed, used as the congestion
// controller's bandwidth-delay-product anchor.
func (r *RTTEstimator) Min() time.Duration { return r.min }

// PTO computes the probe-timeout duration: smoothed + 4*variance + max_ack_delay,
// per spec §4.4's PTO definition, doubled by the caller on each consecutive
// expiry (exponential backoff).
func (r *RTTEstimator) PTO(maxAckDelay time.Duration) time.Duration {
	pto := r.smoothed + 4*r.variance + maxAckDelay
	if pto <= 0 {
		pto = InitialRTT
	}
	return pto
}
