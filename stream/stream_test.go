package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReassemblerOutOfOrderDelivery(t *testing.T) {
	r := NewReassembler()
	r.Push([]byte("world"), 5, true)
	require.Nil(t, r.Read()) // gap before offset 0

	r.Push([]byte("hello"), 0, false)
	// Adjacent segments merge, so one Read drains the whole contiguous prefix.
	require.Equal(t, []byte("helloworld"), r.Read())
	require.Nil(t, r.Read())
	require.True(t, r.Complete())
}

func TestReassemblerOverlappingSegmentsMerge(t *testing.T) {
	r := NewReassembler()
	r.Push([]byte("CDEF"), 2, false)
	r.Push([]byte("ABCD"), 0, false)
	require.Equal(t, []byte("ABCDEF"), r.Read())
}

func TestReassemblerRejectsStaleRetransmit(t *testing.T) {
	r := NewReassembler()
	r.Push([]byte("hello"), 0, false)
	require.Equal(t, []byte("hello"), r.Read())
	r.Push([]byte("hello"), 0, false) // stale, already delivered
	require.Nil(t, r.Read())
}

func TestStreamWriteAndPopSendDrainsInOrder(t *testing.T) {
	s := NewStream(0, PriorityStreaming, 1<<20, 1<<20)
	require.NoError(t, s.Write([]byte("abcdef"), true))

	data, offset, fin := s.PopSend(3)
	require.Equal(t, []byte("abc"), data)
	require.Equal(t, uint64(0), offset)
	require.False(t, fin)

	data, offset, fin = s.PopSend(10)
	require.Equal(t, []byte("def"), data)
	require.Equal(t, uint64(3), offset)
	require.True(t, fin)

	require.Equal(t, SendDataSent, s.SendState())
	s.OnAcked(6)
	require.Equal(t, SendDataRecvd, s.SendState())
}

func TestStreamPushRecvRejectsDataBeyondFinalSize(t *testing.T) {
	s := NewStream(1, PriorityStreaming, 1<<20, 1<<20)
	require.NoError(t, s.PushRecv([]byte("hello"), 0, true))
	err := s.PushRecv([]byte("extra"), 10, false)
	require.Error(t, err)
}

func TestStreamResetTransitionsSendState(t *testing.T) {
	s := NewStream(2, PriorityStreaming, 1<<20, 1<<20)
	require.NoError(t, s.Write([]byte("partial"), false))
	s.ResetSend(42)
	require.Equal(t, SendResetSent, s.SendState())
	require.Error(t, s.Write([]byte("more"), false))
}

func TestFlowControllerEnforcesWindowAndGrows(t *testing.T) {
	f := NewFlowController(10)
	require.True(t, f.Consume(6))
	require.False(t, f.Consume(5)) // would exceed window
	require.True(t, f.Stalled() == false)
	f.SetMax(20)
	require.True(t, f.Consume(5))
	require.Equal(t, uint64(11), f.Consumed())
}

func TestFlowControllerNeverShrinks(t *testing.T) {
	f := NewFlowController(100)
	f.SetMax(50)
	require.Equal(t, uint64(100), f.Max())
}

func TestMultiplexerEnforcesConnectionLevelFlowControl(t *testing.T) {
	m := NewMultiplexer(true, 10, 1<<20)
	require.NoError(t, m.Write(0, make([]byte, 10), false))
	err := m.Write(2, make([]byte, 1), false)
	require.Error(t, err)
}

// TestSchedulerWeightedFairnessWithinFivePercent keeps every class
// backlogged (so none starves the sample window) and checks that the
// share of a bounded number of dequeues matches each class's weight
// within 5%, per spec §8's scheduling-fairness scenario.
func TestSchedulerWeightedFairnessWithinFivePercent(t *testing.T) {
	sched := NewScheduler()
	const backlogPerClass = 200000
	const sampleDraws = 20000
	for i := 0; i < backlogPerClass; i++ {
		sched.Enqueue(ID(PriorityCritical)*1000000+ID(i), PriorityCritical)
		sched.Enqueue(ID(PriorityControl)*1000000+ID(i), PriorityControl)
		sched.Enqueue(ID(PriorityStreaming)*1000000+ID(i), PriorityStreaming)
		sched.Enqueue(ID(PriorityBackground)*1000000+ID(i), PriorityBackground)
	}
	serviced := map[Priority]int{}
	for i := 0; i < sampleDraws; i++ {
		id, ok := sched.Next()
		require.True(t, ok)
		class := Priority(id / 1000000)
		serviced[class]++
	}
	totalWeight := PriorityCritical.Weight() + PriorityControl.Weight() + PriorityStreaming.Weight() + PriorityBackground.Weight()
	for _, p := range []Priority{PriorityCritical, PriorityControl, PriorityStreaming, PriorityBackground} {
		expected := float64(sampleDraws) * float64(p.Weight()) / float64(totalWeight)
		got := float64(serviced[p])
		tolerance := expected*0.05 + 1
		require.InDelta(t, expected, got, tolerance)
	}
}

func TestDatagramQueueDropsOldestOnBudgetExhaustion(t *testing.T) {
	q := NewDatagramQueue(10, 0)
	require.NoError(t, q.Push([]byte("12345")))
	require.NoError(t, q.Push([]byte("67890")))
	require.NoError(t, q.Push([]byte("abcde"))) // forces the first to be dropped
	require.Equal(t, uint64(1), q.Dropped())

	d, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, []byte("67890"), d)
}
