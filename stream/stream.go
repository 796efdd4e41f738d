package stream

import (
	"sync"

	"github.com/yafatek/mxp-protocol/internal/xerrors"
)

// ID is an MXP stream identifier (spec §3).
type ID uint64

// Stream is one multiplexed stream: independent send/recv state machines,
// an outbound send buffer, an inbound Reassembler, and per-stream flow
// control, matching the `pushRecv`/`popSend` calling convention of the
// teacher's streamMap-owned stream type.
type Stream struct {
	ID       ID
	Priority Priority

	mu sync.Mutex

	sendState SendState
	recvState RecvState

	sendBuf    []byte
	sendOffset uint64 // bytes already popped for transmission
	sendFinSet bool
	sendFinOff uint64

	// retransmit holds previously-sent segments a loss detector declared
	// lost, queued ahead of new sendBuf data so lost bytes go out again at
	// their original offset (spec.md's Reliability invariant: "either its
	// acknowledgment is eventually received... or the connection is lost").
	retransmit []pendingSegment

	recv *Reassembler

	sendFlow *FlowController
	recvFlow *FlowController

	resetErr uint64
	haveReset bool
}

// NewStream constructs a stream with the given per-stream flow-control
// windows (spec §4.5's StreamMaxData credit).
func NewStream(id ID, priority Priority, initialSendMax, initialRecvMax uint64) *Stream {
	return &Stream{
		ID:       id,
		Priority: priority,
		recv:     NewReassembler(),
		sendFlow: NewFlowController(initialSendMax),
		recvFlow: NewFlowController(initialRecvMax),
	}
}

// Write appends application data to the send buffer, transitioning Ready
// to Send on first use.
func (s *Stream) Write(data []byte, fin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendState == SendResetSent || s.sendState == SendResetRecvd {
		return xerrors.Streamf(xerrors.ApplicationReset, "stream %d reset, cannot write", s.ID)
	}
	if s.sendState == SendDataSent || s.sendState == SendDataRecvd {
		return xerrors.Streamf(xerrors.ProtocolViolation, "stream %d already closed for writing", s.ID)
	}
	if s.sendState == SendReady {
		s.sendState = SendSend
	}
	s.sendBuf = append(s.sendBuf, data...)
	if fin {
		s.sendFinSet = true
		s.sendFinOff = s.sendOffset + uint64(len(s.sendBuf))
		s.sendState = SendDataSent
	}
	return nil
}

// pendingSegment is a previously-sent chunk re-queued for retransmission
// after its packet was declared lost.
type pendingSegment struct {
	offset uint64
	data   []byte
	fin    bool
}

// PopSend removes up to maxLen unsent bytes ready for framing, returning
// the data, its stream offset, and whether this chunk reaches the fin
// offset. Retransmission-queued segments are served first, in the order
// they were lost, ahead of new data (spec §4.4 loss recovery). Flow-control
// credit must be separately reserved by the caller via SendFlow().Consume
// before popping, matching the Multiplexer's scheduling/flow-control split
// (spec §4.5).
func (s *Stream) PopSend(maxLen int) (data []byte, offset uint64, fin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.retransmit) > 0 {
		seg := s.retransmit[0]
		if len(seg.data) <= maxLen {
			s.retransmit = s.retransmit[1:]
			return seg.data, seg.offset, seg.fin
		}
		out := seg.data[:maxLen]
		s.retransmit[0] = pendingSegment{offset: seg.offset + uint64(maxLen), data: seg.data[maxLen:], fin: seg.fin}
		return out, seg.offset, false
	}
	if len(s.sendBuf) == 0 {
		if s.sendFinSet && s.sendOffset == s.sendFinOff && s.sendState == SendDataSent {
			return nil, s.sendOffset, true
		}
		return nil, s.sendOffset, false
	}
	n := maxLen
	if n > len(s.sendBuf) {
		n = len(s.sendBuf)
	}
	out := s.sendBuf[:n]
	s.sendBuf = s.sendBuf[n:]
	offset = s.sendOffset
	s.sendOffset += uint64(n)
	fin = s.sendFinSet && len(s.sendBuf) == 0 && s.sendOffset == s.sendFinOff
	return out, offset, fin
}

// HasPending reports whether unsent or retransmission-queued application
// data remains.
func (s *Stream) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retransmit) > 0 || len(s.sendBuf) > 0
}

// Requeue re-enqueues a previously-sent segment for retransmission after
// its packet was declared lost. A stream whose send side has already been
// reset has nothing left to resend.
func (s *Stream) Requeue(offset uint64, data []byte, fin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendState == SendResetSent || s.sendState == SendResetRecvd {
		return
	}
	cp := append([]byte(nil), data...)
	s.retransmit = append(s.retransmit, pendingSegment{offset: offset, data: cp, fin: fin})
}

// OnAcked advances the send state once the peer has acknowledged every
// byte up to the fin offset.
func (s *Stream) OnAcked(ackedUpTo uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendFinSet && ackedUpTo >= s.sendFinOff && s.sendState == SendDataSent {
		s.sendState = SendDataRecvd
	}
}

// PushRecv records inbound data for reassembly, enforcing that no byte
// arrives after a previously-declared final size (spec §4.5 edge case).
func (s *Stream) PushRecv(data []byte, offset uint64, fin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if final, ok := s.recv.FinalSize(); ok && !fin {
		if offset+uint64(len(data)) > final {
			return xerrors.Streamf(xerrors.ProtocolViolation, "stream %d: data beyond declared final size", s.ID)
		}
	}
	s.recv.Push(data, offset, fin)
	if s.recvState == RecvRecv && fin {
		s.recvState = RecvSizeKnown
	}
	if s.recv.Complete() {
		s.recvState = RecvDataRecvd
	}
	return nil
}

// Read drains the next contiguous chunk of received data, or nil if a gap
// remains before it.
func (s *Stream) Read() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.recv.Read()
	if s.recv.Complete() && s.recvState == RecvDataRecvd {
		s.recvState = RecvDataRead
	}
	return out
}

// ResetSend transitions the send side to ResetSent, carrying an
// application error code for the peer (spec §4.5).
func (s *Stream) ResetSend(code uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetErr = code
	s.haveReset = true
	s.sendState = SendResetSent
	s.sendBuf = nil
}

// OnResetRecvd marks the receive side reset by the peer.
func (s *Stream) OnResetRecvd(code uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetErr = code
	s.haveReset = true
	s.recvState = RecvResetRecvd
}

// SendFlow exposes the per-stream send-direction flow controller.
func (s *Stream) SendFlow() *FlowController { return s.sendFlow }

// RecvFlow exposes the per-stream receive-direction flow controller.
func (s *Stream) RecvFlow() *FlowController { return s.recvFlow }

// SendState returns the current send-side state.
func (s *Stream) SendState() SendState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendState
}

// RecvState returns the current receive-side state.
func (s *Stream) RecvState() RecvState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvState
}
