package stream

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yafatek/mxp-protocol/internal/xerrors"
)

// DefaultDatagramByteBudget is the soft cap on buffered-but-unsent
// datagram bytes before new datagrams are dropped (spec §4.5: "soft byte
// budget, default 256KiB").
const DefaultDatagramByteBudget = 256 * 1024

// DatagramQueue holds unreliable, unordered datagrams awaiting
// transmission. Datagrams are never retransmitted. They share packets with
// other frames, so a packet carrying datagrams is counted toward congestion
// bytes_in_flight, and grows the window when acknowledged, like any other
// ack-eliciting packet. The optional pacer is grounded on
// `nishisan-dev-n-backup`'s `golang.org/x/time/rate` pacer usage for its
// transfer throttling.
type DatagramQueue struct {
	mu     sync.Mutex
	queue  *list.List
	bytes  int
	budget int
	pacer  *rate.Limiter
	dropped uint64
}

// NewDatagramQueue builds a queue with the given soft byte budget and
// pacing rate (bytes/sec); a zero rate disables pacing.
func NewDatagramQueue(budget int, pacingBytesPerSec float64) *DatagramQueue {
	q := &DatagramQueue{queue: list.New(), budget: budget}
	if pacingBytesPerSec > 0 {
		q.pacer = rate.NewLimiter(rate.Limit(pacingBytesPerSec), budget)
	}
	return q
}

// Push enqueues a datagram, dropping the oldest queued datagram(s) to make
// room if the byte budget would be exceeded (spec §4.5: soft budget, not a
// hard error — datagrams are best-effort by definition).
func (q *DatagramQueue) Push(data []byte) error {
	if len(data) == 0 {
		return xerrors.Streamf(xerrors.ProtocolViolation, "empty datagram")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.bytes+len(data) > q.budget && q.queue.Len() > 0 {
		front := q.queue.Front()
		q.bytes -= len(front.Value.([]byte))
		q.queue.Remove(front)
		q.dropped++
	}
	if len(data) > q.budget {
		q.dropped++
		return xerrors.Streamf(xerrors.ProtocolViolation, "datagram exceeds queue budget")
	}
	q.queue.PushBack(data)
	q.bytes += len(data)
	return nil
}

// Pop dequeues the oldest datagram ready for transmission, consulting the
// pacer if one is configured. ok is false if the queue is empty.
func (q *DatagramQueue) Pop() (data []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.queue.Front()
	if front == nil {
		return nil, false
	}
	d := front.Value.([]byte)
	if q.pacer != nil && !q.pacer.AllowN(time.Now(), len(d)) {
		return nil, false
	}
	q.queue.Remove(front)
	q.bytes -= len(d)
	return d, true
}

// Dropped returns the cumulative count of datagrams dropped for budget
// exhaustion or oversize, feeding spec §6's datagrams_dropped_total.
func (q *DatagramQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len returns the number of datagrams currently queued.
func (q *DatagramQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}
