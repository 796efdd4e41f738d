// Package metrics exports the Prometheus collectors named in spec §6's
// Observability table, process-wide and sharded-counter-friendly per §5's
// "buffer pools and metrics counters are the only cross-thread shared
// state" requirement.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "mxp"

// Registry bundles every collector a transport.Server/Client registers
// once at startup and updates from any connection's worker goroutine.
type Registry struct {
	Connections prometheus.Gauge
	Streams     prometheus.Gauge

	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter

	AckElicitingLost prometheus.Counter
	Retransmits      prometheus.Counter

	RTT               prometheus.Histogram
	HandshakeDuration prometheus.Histogram

	FlowControlStalls prometheus.Counter
	DatagramDropped   prometheus.Counter
	KeyRotations      prometheus.Counter

	SchedulerEnqueued *prometheus.CounterVec
	SchedulerDequeued *prometheus.CounterVec
}

// NewRegistry builds and registers every collector against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	f := promFactory{reg}
	m := &Registry{
		Connections: f.gauge("connections", "Open connections."),
		Streams:     f.gauge("streams", "Open streams across all connections."),

		PacketsSent:     f.counter("packets_sent_total", "Packets sent."),
		PacketsReceived: f.counter("packets_received_total", "Packets received."),
		BytesSent:       f.counter("bytes_sent_total", "Bytes sent."),
		BytesReceived:   f.counter("bytes_received_total", "Bytes received."),

		AckElicitingLost: f.counter("ack_eliciting_lost_total", "Ack-eliciting packets declared lost."),
		Retransmits:      f.counter("retransmits_total", "Stream data and handshake flight retransmissions."),

		RTT: f.histogram("rtt_seconds", "Round-trip time samples.",
			[]float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}),
		HandshakeDuration: f.histogram("handshake_duration_seconds", "Time from first flight to established.",
			[]float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}),

		FlowControlStalls: f.counter("flow_control_stalls_total", "Writes blocked on flow-control credit."),
		DatagramDropped:   f.counter("datagrams_dropped_total", "Datagrams dropped by the send-side queue."),
		KeyRotations:      f.counter("key_rotations_total", "Application key rotations performed."),

		SchedulerEnqueued: f.counterVec("scheduler_enqueued_total", "Frames enqueued per priority class.", "class"),
		SchedulerDequeued: f.counterVec("scheduler_dequeued_total", "Frames dequeued per priority class.", "class"),
	}
	return m
}

type promFactory struct {
	reg prometheus.Registerer
}

func (f promFactory) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	f.reg.MustRegister(g)
	return g
}

func (f promFactory) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	f.reg.MustRegister(c)
	return c
}

func (f promFactory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	f.reg.MustRegister(c)
	return c
}

func (f promFactory) histogram(name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets})
	f.reg.MustRegister(h)
	return h
}
