package stream

import (
	"sync"

	"github.com/yafatek/mxp-protocol/internal/metrics"
	"github.com/yafatek/mxp-protocol/internal/xerrors"
)

// DefaultInitialStreamMaxData/DefaultInitialConnectionMaxData are the
// credit windows a connection starts with absent explicit configuration
// (spec §6).
const (
	DefaultInitialStreamMaxData     = 256 * 1024
	DefaultInitialConnectionMaxData = 1024 * 1024
)

// Multiplexer owns every stream on one connection plus the shared
// connection-level flow-control window, datagram queue, and scheduler,
// mirroring the teacher's Conn-owned streamMap+flowControl pairing but
// generalized to MXP's priority classes and datagrams (spec §4.5).
type Multiplexer struct {
	mu      sync.Mutex
	streams map[ID]*Stream

	connSendFlow *FlowController
	connRecvFlow *FlowController

	scheduler *Scheduler
	datagrams *DatagramQueue

	nextLocalID  ID
	isClient     bool

	metrics *metrics.Registry
}

// SetMetrics wires the spec §6 observability exports this package can feed
// (scheduler enqueue/dequeue counts and flow-control stalls; the dropped
// datagram count is polled separately through Datagrams().Dropped).
// Optional; a nil registry (the default) disables reporting.
func (m *Multiplexer) SetMetrics(reg *metrics.Registry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = reg
}

// NewMultiplexer builds a Multiplexer with the given connection-level
// flow-control windows. isClient determines the parity of locally
// initiated stream IDs (even for client, odd for server, per spec §3).
func NewMultiplexer(isClient bool, connSendMax, connRecvMax uint64) *Multiplexer {
	m := &Multiplexer{
		streams:      make(map[ID]*Stream),
		connSendFlow: NewFlowController(connSendMax),
		connRecvFlow: NewFlowController(connRecvMax),
		scheduler:    NewScheduler(),
		datagrams:    NewDatagramQueue(DefaultDatagramByteBudget, 0),
	}
	if !isClient {
		m.nextLocalID = 1
	}
	m.isClient = isClient
	return m
}

// OpenStream allocates a new locally-initiated stream at the given
// priority with the default per-stream flow-control windows.
func (m *Multiplexer) OpenStream(priority Priority) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextLocalID
	m.nextLocalID += 2
	s := NewStream(id, priority, DefaultInitialStreamMaxData, DefaultInitialStreamMaxData)
	m.streams[id] = s
	return s
}

// getOrCreateStream looks up a stream by ID, creating it (as a
// peer-initiated stream defaulting to Streaming priority) if absent.
func (m *Multiplexer) getOrCreateStream(id ID) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[id]; ok {
		return s
	}
	s := NewStream(id, PriorityStreaming, DefaultInitialStreamMaxData, DefaultInitialStreamMaxData)
	m.streams[id] = s
	return s
}

// Stream returns a previously created stream, or nil.
func (m *Multiplexer) Stream(id ID) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[id]
}

// Write queues data for transmission on (creating, if needed) stream id,
// enforcing per-stream and connection-level flow control before
// admitting it to the scheduler (spec §4.5).
func (m *Multiplexer) Write(id ID, data []byte, fin bool) error {
	s := m.getOrCreateStream(id)
	if !s.SendFlow().Consume(uint64(len(data))) {
		m.stallMetric()
		return xerrors.Flowf("stream %d: send flow control exhausted", id)
	}
	if !m.connSendFlow.Consume(uint64(len(data))) {
		m.stallMetric()
		return xerrors.Flowf("connection send flow control exhausted")
	}
	if err := s.Write(data, fin); err != nil {
		return err
	}
	m.enqueue(id, s.Priority)
	return nil
}

func (m *Multiplexer) stallMetric() {
	m.mu.Lock()
	reg := m.metrics
	m.mu.Unlock()
	if reg != nil {
		reg.FlowControlStalls.Inc()
	}
}

// enqueue schedules id and reports the enqueue to the scheduler metrics.
func (m *Multiplexer) enqueue(id ID, p Priority) {
	m.mu.Lock()
	m.scheduler.Enqueue(id, p)
	reg := m.metrics
	m.mu.Unlock()
	if reg != nil {
		reg.SchedulerEnqueued.WithLabelValues(p.String()).Inc()
	}
}

// OnStreamData handles an inbound STREAM message, enforcing connection
// flow control before the per-stream check (spec §4.5: "a receiver
// maintains a cumulative sum of bytes received on all streams").
func (m *Multiplexer) OnStreamData(id ID, data []byte, offset uint64, fin bool) error {
	if !m.connRecvFlow.Consume(uint64(len(data))) {
		return xerrors.Flowf("connection recv flow control exhausted")
	}
	s := m.getOrCreateStream(id)
	if !s.RecvFlow().Consume(uint64(len(data))) {
		return xerrors.Flowf("stream %d: recv flow control exhausted", id)
	}
	return s.PushRecv(data, offset, fin)
}

// PopFrame asks the scheduler for the next stream ready to send and pops
// up to maxLen bytes from it, re-enqueueing the stream if it still has
// data pending after the pop.
func (m *Multiplexer) PopFrame(maxLen int) (id ID, data []byte, offset uint64, fin bool, ok bool) {
	m.mu.Lock()
	sid, hasNext := m.scheduler.Next()
	reg := m.metrics
	m.mu.Unlock()
	if !hasNext {
		return 0, nil, 0, false, false
	}
	s := m.Stream(sid)
	if s == nil {
		return 0, nil, 0, false, false
	}
	if reg != nil {
		reg.SchedulerDequeued.WithLabelValues(s.Priority.String()).Inc()
	}
	data, offset, fin = s.PopSend(maxLen)
	if s.HasPending() {
		m.enqueue(sid, s.Priority)
	}
	return sid, data, offset, fin, true
}

// RequeueStreamFrame re-enqueues a lost StreamFrame's bytes for
// retransmission at their original offset (spec §4.4 loss recovery), and
// re-admits the stream to the scheduler if it had fully drained.
func (m *Multiplexer) RequeueStreamFrame(id ID, offset uint64, data []byte, fin bool) {
	s := m.Stream(id)
	if s == nil {
		return
	}
	s.Requeue(offset, data, fin)
	m.enqueue(id, s.Priority)
}

// HasPending reports whether any stream has data scheduled.
func (m *Multiplexer) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduler.Pending()
}

// SendDatagram enqueues an unreliable datagram for pacing and eventual
// transmission (spec §4.5). Drops (oversize or budget-evicted) accumulate
// in the queue's own counter; see Datagrams().Dropped, which
// transport/shard.go polls into the datagrams_dropped_total export.
func (m *Multiplexer) SendDatagram(data []byte) error {
	return m.datagrams.Push(data)
}

// PopDatagram dequeues the next datagram ready to send, if the pacer
// allows it.
func (m *Multiplexer) PopDatagram() ([]byte, bool) {
	return m.datagrams.Pop()
}

// ConnSendFlow exposes the connection-level send flow controller.
func (m *Multiplexer) ConnSendFlow() *FlowController { return m.connSendFlow }

// ConnRecvFlow exposes the connection-level receive flow controller.
func (m *Multiplexer) ConnRecvFlow() *FlowController { return m.connRecvFlow }

// Datagrams exposes the datagram queue (for metrics, e.g. Dropped()).
func (m *Multiplexer) Datagrams() *DatagramQueue { return m.datagrams }
