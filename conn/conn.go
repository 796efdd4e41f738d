// Package conn wires four MXP core subsystems — the Noise-IK-style
// handshake, the PacketEngine, Reliability, and the stream Multiplexer —
// into one Conn per peer, adapted from the teacher's transport.Conn (spec
// §3/§4). The message codec is not used at this layer: stream and datagram
// payloads travel as opaque bytes.
package conn

import (
	"crypto/sha256"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/yafatek/mxp-protocol/aead"
	"github.com/yafatek/mxp-protocol/internal/metrics"
	"github.com/yafatek/mxp-protocol/internal/xerrors"
	"github.com/yafatek/mxp-protocol/noise"
	"github.com/yafatek/mxp-protocol/packet"
	"github.com/yafatek/mxp-protocol/reliability"
	"github.com/yafatek/mxp-protocol/stream"
)

// connectionState mirrors the teacher's connectionState enum, minus the
// version-negotiation/retry states: MXP has no version negotiation.
type connectionState uint8

const (
	stateInitial connectionState = iota
	stateHandshaking
	stateActive
	stateDraining
	stateClosed
)

func (s connectionState) String() string {
	switch s {
	case stateInitial:
		return "initial"
	case stateHandshaking:
		return "handshaking"
	case stateActive:
		return "active"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config carries the handful of connection-scoped parameters spec §6's
// Configuration table names. The outer config package's operator-facing
// Config converts into one of these per accepted/dialed connection.
type Config struct {
	Mtu                  int
	InitialStreamMaxData uint64
	InitialConnMaxData   uint64
	IdleTimeout          time.Duration
	HandshakeTimeout     time.Duration
	KeyRotationPackets   uint64
	KeyRotationInterval  time.Duration
	PacingBytesPerSec    float64

	// Metrics, if set, wires this connection's Recovery and Multiplexer
	// into the spec §6 observability exports (rtt, retransmits,
	// flow-control stalls, scheduler enqueue/dequeue, key rotations).
	Metrics *metrics.Registry
}

// DefaultConfig returns the spec §6 defaults.
func DefaultConfig() *Config {
	return &Config{
		Mtu:                  packet.Mtu,
		InitialStreamMaxData: stream.DefaultInitialStreamMaxData,
		InitialConnMaxData:   stream.DefaultInitialConnectionMaxData,
		IdleTimeout:          30 * time.Second,
		HandshakeTimeout:     5 * time.Second,
		KeyRotationPackets:   1 << 32,
		KeyRotationInterval:  60 * time.Second,
	}
}

// EventKind enumerates what an application-visible Event reports.
type EventKind uint8

const (
	EventHandshakeComplete EventKind = iota
	EventStreamReadable
	EventDatagramReceived
	EventClosed
)

// Event is one occurrence the application loop should react to, drained via
// Conn.Events, mirroring the teacher's transport.Event accumulation.
type Event struct {
	Kind     EventKind
	StreamID stream.ID
	Data     []byte
	Err      error
}

// Conn is one MXP connection between two peers.
type Conn struct {
	connID   packet.ConnID
	isClient bool
	cfg      *Config

	hs     *noise.HandshakeState
	engine *packet.Engine
	rec    *reliability.Recovery
	mux    *stream.Multiplexer

	state connectionState

	sendPN uint64

	pendingHandshakeOut interface{} // *noise.Message1/2/3 awaiting transmission
	pendingAck          bool
	handshakeDoneToSend bool
	pendingPing         bool

	// lastHandshakeFrameData/lastHandshakeFramePN/haveLastHandshakeFrame
	// track the most recently sent, not-yet-acked HandshakeFrame so a PTO
	// or selective-ACK loss can trigger resending the exact same bytes:
	// noise.HandshakeState.WriteMessageN mints fresh ephemeral keys on
	// every call, so a lost flight must go out again verbatim, never be
	// regenerated. retransmitHandshakeRaw holds bytes queued for resend.
	lastHandshakeFrameData []byte
	lastHandshakeFramePN   uint64
	haveLastHandshakeFrame bool
	retransmitHandshakeRaw []byte

	// sentStreamFrames maps an outstanding packet number to the stream
	// bytes it carried, so an AckFrame reporting that number lost or
	// acknowledged can requeue or retire them (spec.md's Reliability
	// invariant: a frame's bytes are either eventually acknowledged or the
	// connection is declared lost).
	sentStreamFrames map[uint64][]sentStreamFrame

	handshakeStart time.Time

	remoteStatic    [32]byte
	haveRemoteStatic bool

	curSendKeys, curRecvKeys noise.DirectionKeys

	packetsSinceRekey int
	lastRekeyAt       time.Time

	idleDeadline      time.Time
	handshakeDeadline time.Time
	drainingDeadline  time.Time

	closeFrame *CloseFrame

	events []Event

	logEventFn func(LogEvent)
}

// sentStreamFrame is the bookkeeping record kept per outstanding packet
// number for each StreamFrame it carried, letting a loss or ack notify the
// originating stream without re-deriving the frame from the wire.
type sentStreamFrame struct {
	streamID stream.ID
	offset   uint64
	data     []byte
	fin      bool
}

// Connect creates a client connection that will dial a responder whose
// static public key is already known (spec §4.2: obtained out-of-band).
func Connect(connID packet.ConnID, staticPriv, staticPub, remoteStaticPub [32]byte, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c, err := newConn(connID, true, cfg)
	if err != nil {
		return nil, err
	}
	// The initiator picked the responder's address itself, so only the
	// responder is held to the anti-amplification budget.
	c.engine.AntiAmplification().Validate()
	c.hs = noise.NewInitiator(staticPriv, staticPub, remoteStaticPub, cfg.HandshakeTimeout)
	c.remoteStatic = remoteStaticPub
	c.haveRemoteStatic = true
	return c, nil
}

// Accept creates a server-side connection awaiting the initiator's first
// flight.
func Accept(connID packet.ConnID, staticPriv, staticPub [32]byte, cfg *Config) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c, err := newConn(connID, false, cfg)
	if err != nil {
		return nil, err
	}
	c.hs = noise.NewResponder(staticPriv, staticPub, cfg.HandshakeTimeout)
	return c, nil
}

func newConn(connID packet.ConnID, isClient bool, cfg *Config) (*Conn, error) {
	sendKeys, recvKeys, err := deriveInitialKeys(connID, isClient)
	if err != nil {
		return nil, err
	}
	engine := packet.NewEngine(connID, sendKeys, recvKeys, cfg.PacingBytesPerSec)
	now := time.Now()
	rec := reliability.NewRecovery()
	rec.Metrics = cfg.Metrics
	mux := stream.NewMultiplexer(isClient, cfg.InitialConnMaxData, cfg.InitialConnMaxData)
	mux.SetMetrics(cfg.Metrics)
	c := &Conn{
		connID:            connID,
		isClient:          isClient,
		cfg:               cfg,
		engine:            engine,
		rec:               rec,
		mux:               mux,
		state:             stateInitial,
		lastRekeyAt:       now,
		idleDeadline:      now.Add(cfg.IdleTimeout),
		handshakeDeadline: now.Add(cfg.HandshakeTimeout),
		handshakeStart:    now,
		sentStreamFrames:  make(map[uint64][]sentStreamFrame),
	}
	return c, nil
}

// OnLogEvent registers a callback invoked for every qlog-style structured
// trace event the connection emits.
func (c *Conn) OnLogEvent(fn func(LogEvent)) { c.logEventFn = fn }

func (c *Conn) emitLog(e LogEvent) {
	if c.logEventFn != nil {
		c.logEventFn(e)
	}
}

func (c *Conn) addEvent(ev Event) { c.events = append(c.events, ev) }

// Events drains and returns every event accumulated since the last call.
func (c *Conn) Events() []Event {
	ev := c.events
	c.events = nil
	return ev
}

// IsEstablished reports whether the handshake has completed and the
// connection is exchanging application data.
func (c *Conn) IsEstablished() bool { return c.state == stateActive }

// IsClosed reports whether the connection has finished draining.
func (c *Conn) IsClosed() bool { return c.state == stateClosed }

// ReplaySnapshotForStore exposes the receive-direction replay window for
// store.Store to persist across restarts.
func (c *Conn) ReplaySnapshotForStore() (bits []uint64, highest uint64, seeded bool) {
	return c.engine.ReplaySnapshot()
}

// RestoreReplay reinstates a previously persisted replay window, used
// when a transport reattaches state to a connection id it already knew
// about before a restart.
func (c *Conn) RestoreReplay(bits []uint64, highest uint64, seeded bool) {
	c.engine.RestoreReplay(bits, highest, seeded)
}

// Stream returns a stream handle, creating a peer-initiated one if needed.
func (c *Conn) Stream(id stream.ID) *stream.Stream { return c.mux.Stream(id) }

// OpenStream allocates a new locally-initiated stream.
func (c *Conn) OpenStream(priority stream.Priority) *stream.Stream {
	return c.mux.OpenStream(priority)
}

// WriteStream queues data for transmission on a stream (spec §4.5).
func (c *Conn) WriteStream(id stream.ID, data []byte, fin bool) error {
	return c.mux.Write(id, data, fin)
}

// SendDatagram queues an unreliable datagram (spec §4.5).
func (c *Conn) SendDatagram(data []byte) error { return c.mux.SendDatagram(data) }

// DatagramsDropped reports the cumulative count of datagrams dropped for
// budget exhaustion or oversize (spec §6's datagrams_dropped_total export),
// meant to be polled by the caller (transport/shard.go) on each tick.
func (c *Conn) DatagramsDropped() uint64 { return c.mux.Datagrams().Dropped() }

// Close begins a graceful shutdown: the connection stops accepting new
// application writes, sends one CLOSE frame, and enters the draining state
// until the peer's last packets are presumed delivered or lost (spec §7).
func (c *Conn) Close(errorCode uint64, reason string) {
	if c.state == stateDraining || c.state == stateClosed {
		return
	}
	c.closeFrame = &CloseFrame{ErrorCode: errorCode, Reason: reason}
	c.setDraining()
}

func (c *Conn) setDraining() {
	c.state = stateDraining
	pto := c.rec.RTT.PTO(c.rec.MaxAckDelay)
	c.drainingDeadline = time.Now().Add(pto * 3)
}

// Timeout returns the duration until the next timer (draining, loss
// detection/PTO, or idle) fires, or -1 if the connection is already closed
// and has no pending timer, mirroring the teacher's Conn.Timeout.
func (c *Conn) Timeout() time.Duration {
	if c.state == stateClosed {
		return -1
	}
	now := time.Now()
	deadline := c.idleDeadline
	if c.state == stateDraining && c.drainingDeadline.Before(deadline) {
		deadline = c.drainingDeadline
	}
	if c.state != stateActive && c.state != stateDraining && c.handshakeDeadline.Before(deadline) {
		deadline = c.handshakeDeadline
	}
	if d, armed := c.rec.PTO.Deadline(); armed && d.Before(deadline) {
		deadline = d
	}
	if deadline.Before(now) {
		return 0
	}
	return deadline.Sub(now)
}

// CheckTimeout applies the effects of whichever timer has fired.
func (c *Conn) CheckTimeout() {
	now := time.Now()
	if c.state == stateDraining && !c.drainingDeadline.IsZero() && !now.Before(c.drainingDeadline) {
		c.state = stateClosed
		c.addEvent(Event{Kind: EventClosed, Err: c.closeErr()})
		return
	}
	if c.state != stateActive && c.state != stateClosed && c.state != stateDraining &&
		!c.handshakeDeadline.IsZero() && !now.Before(c.handshakeDeadline) {
		c.closeFrame = &CloseFrame{ErrorCode: uint64(xerrors.HandshakeFailed), Reason: "handshake timeout"}
		c.state = stateClosed
		c.addEvent(Event{Kind: EventClosed, Err: c.closeErr()})
		return
	}
	if !c.idleDeadline.IsZero() && !now.Before(c.idleDeadline) {
		c.closeFrame = &CloseFrame{ErrorCode: uint64(xerrors.IdleTimeout), Reason: "idle timeout"}
		c.state = stateClosed
		c.addEvent(Event{Kind: EventClosed, Err: c.closeErr()})
		return
	}
	if c.rec.CheckPTO(now) {
		// A lost handshake flight is resent verbatim; otherwise the next
		// NextDatagram call is nudged to emit at least a bare PingFrame so
		// the peer has something ack-eliciting to respond to (spec §4.4:
		// PTO expiry requires a probe).
		if c.haveLastHandshakeFrame && c.lastHandshakeFrameData != nil {
			c.retransmitHandshakeRaw = append([]byte(nil), c.lastHandshakeFrameData...)
		}
		c.pendingPing = true
		c.emitLog(newLogEvent("pto_expired"))
	}
}

func (c *Conn) closeErr() error {
	if c.closeFrame == nil {
		return nil
	}
	return xerrors.New(xerrors.KindStream, xerrors.Code(c.closeFrame.ErrorCode), c.closeFrame.Reason)
}

// touchIdle resets the idle timer; called on every packet successfully sent
// or received, per spec §6's Heartbeat-driven idle timeout.
func (c *Conn) touchIdle() {
	c.idleDeadline = time.Now().Add(c.cfg.IdleTimeout)
}

// HandleDatagram processes one inbound UDP datagram as a single MXP packet.
// A decode/AEAD/replay failure is logged and dropped per spec §4.1/§4.3; it
// only tears the connection down once the engine's consecutive-failure
// threshold is crossed.
func (c *Conn) HandleDatagram(b []byte) error {
	plaintext, flags, pn, err := c.engine.Open(b)
	if err != nil {
		c.emitLog(newLogEventDropped(err.Error()))
		if c.engine.FatalThresholdExceeded() {
			c.closeFrame = &CloseFrame{ErrorCode: uint64(xerrors.AeadFailed), Reason: "too many packet failures"}
			c.state = stateClosed
			c.addEvent(Event{Kind: EventClosed, Err: c.closeErr()})
			return err
		}
		return nil
	}
	c.touchIdle()
	c.emitLog(newLogEventPacket(logEventPacketReceived, c.connID, pn, flags, len(plaintext)))

	frames, err := DecodeFrames(plaintext)
	if err != nil {
		c.emitLog(newLogEventDropped(err.Error()))
		return nil
	}
	ackEliciting := false
	for _, f := range frames {
		fe := newLogEvent(logEventFramesProcessed)
		logFrame(&fe, f)
		c.emitLog(fe)
		if _, isAck := f.(AckFrame); !isAck {
			ackEliciting = true
		}
		c.handleFrame(f)
	}
	if ackEliciting {
		c.rec.Acks.Add(pn)
		c.pendingAck = true
	}
	return nil
}

func (c *Conn) handleFrame(f Frame) {
	switch fr := f.(type) {
	case PingFrame:
	case HandshakeFrame:
		c.handleHandshakeFrame(fr.Data)
	case AckFrame:
		var ranges []reliability.AckRange
		for i := range fr.RangeStarts {
			ranges = append(ranges, reliability.AckRange{Start: fr.RangeStarts[i], End: fr.RangeEnds[i]})
		}
		ackDelay := time.Duration(fr.AckDelayMicros) * time.Microsecond
		acked, lost := c.rec.OnAck(ranges, ackDelay, time.Now())
		c.engine.OnAck(largestOf(ranges))
		c.onPacketsAcked(acked)
		c.onPacketsLost(lost)
	case StreamFrame:
		if err := c.mux.OnStreamData(fr.StreamID, fr.Data, fr.Offset, fr.Fin); err != nil {
			c.emitLog(newLogEventDropped(err.Error()))
			return
		}
		c.addEvent(Event{Kind: EventStreamReadable, StreamID: fr.StreamID})
	case ResetStreamFrame:
		if s := c.mux.Stream(fr.StreamID); s != nil {
			s.OnResetRecvd(fr.ErrorCode)
			c.addEvent(Event{Kind: EventStreamReadable, StreamID: fr.StreamID})
		}
	case MaxDataFrame:
		c.mux.ConnSendFlow().SetMax(fr.MaximumData)
	case MaxStreamDataFrame:
		if s := c.mux.Stream(fr.StreamID); s != nil {
			s.SendFlow().SetMax(fr.MaximumData)
		}
	case DatagramFrame:
		c.addEvent(Event{Kind: EventDatagramReceived, Data: fr.Data})
	case HandshakeDoneFrame:
		if c.state == stateHandshaking {
			c.state = stateActive
			c.reportHandshakeDone()
			c.addEvent(Event{Kind: EventHandshakeComplete})
		}
	case CloseFrame:
		c.closeFrame = &fr
		c.setDraining()
	}
}

// onPacketsAcked retires the per-stream bookkeeping kept for packets the
// peer has now confirmed delivered, advancing each stream's send state.
func (c *Conn) onPacketsAcked(acked []*reliability.SentPacket) {
	for _, p := range acked {
		if p.PacketNumber == c.lastHandshakeFramePN {
			c.haveLastHandshakeFrame = false
		}
		frames, ok := c.sentStreamFrames[p.PacketNumber]
		if !ok {
			continue
		}
		delete(c.sentStreamFrames, p.PacketNumber)
		for _, sf := range frames {
			if s := c.mux.Stream(sf.streamID); s != nil {
				s.OnAcked(sf.offset + uint64(len(sf.data)))
			}
		}
	}
}

// onPacketsLost re-queues every StreamFrame and the outstanding
// HandshakeFrame (if any) carried by a packet the loss detector declared
// lost, so the bytes go out again rather than being silently dropped
// (spec.md's Reliability invariant: "either its acknowledgment is
// eventually received... or the connection is declared lost", the same
// resend-on-loss shape as the teacher's processLostPackets).
func (c *Conn) onPacketsLost(lost []*reliability.SentPacket) {
	for _, p := range lost {
		if p.PacketNumber == c.lastHandshakeFramePN && c.haveLastHandshakeFrame {
			c.retransmitHandshakeRaw = append([]byte(nil), c.lastHandshakeFrameData...)
			c.haveLastHandshakeFrame = false
			c.reportRetransmit()
		}
		frames, ok := c.sentStreamFrames[p.PacketNumber]
		if !ok {
			continue
		}
		delete(c.sentStreamFrames, p.PacketNumber)
		for _, sf := range frames {
			c.mux.RequeueStreamFrame(sf.streamID, sf.offset, sf.data, sf.fin)
			c.reportRetransmit()
		}
	}
}

func (c *Conn) reportRetransmit() {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Retransmits.Inc()
	}
}

func largestOf(ranges []reliability.AckRange) uint64 {
	var largest uint64
	for _, r := range ranges {
		if r.End > largest {
			largest = r.End
		}
	}
	return largest
}

func (c *Conn) handleHandshakeFrame(data []byte) {
	switch {
	case !c.isClient && c.hs.Status() == noise.StatusInitial:
		var m noise.Message1
		if err := cbor.Unmarshal(data, &m); err != nil {
			c.emitLog(newLogEventDropped("bad handshake message 1"))
			return
		}
		remoteStatic, err := c.hs.ReadMessage1(&m)
		if err != nil {
			c.closeFrame = &CloseFrame{ErrorCode: uint64(xerrors.HandshakeFailed), Reason: err.Error()}
			c.setDraining()
			return
		}
		c.remoteStatic = remoteStatic
		c.haveRemoteStatic = true
		c.state = stateHandshaking
		m2, err := c.hs.WriteMessage2()
		if err != nil {
			c.closeFrame = &CloseFrame{ErrorCode: uint64(xerrors.HandshakeFailed), Reason: err.Error()}
			c.setDraining()
			return
		}
		c.pendingHandshakeOut = m2
	case c.isClient && c.hs.Status() == noise.StatusHandshaking:
		var m noise.Message2
		if err := cbor.Unmarshal(data, &m); err != nil {
			c.emitLog(newLogEventDropped("bad handshake message 2"))
			return
		}
		if err := c.hs.ReadMessage2(&m); err != nil {
			c.closeFrame = &CloseFrame{ErrorCode: uint64(xerrors.HandshakeFailed), Reason: err.Error()}
			c.setDraining()
			return
		}
		m3, err := c.hs.WriteMessage3()
		if err != nil {
			c.closeFrame = &CloseFrame{ErrorCode: uint64(xerrors.HandshakeFailed), Reason: err.Error()}
			c.setDraining()
			return
		}
		c.rekeyToApplication()
		c.pendingHandshakeOut = m3
	case !c.isClient && c.hs.Status() == noise.StatusHandshaking:
		var m noise.Message3
		if err := cbor.Unmarshal(data, &m); err != nil {
			c.emitLog(newLogEventDropped("bad handshake message 3"))
			return
		}
		if err := c.hs.ReadMessage3(&m); err != nil {
			c.closeFrame = &CloseFrame{ErrorCode: uint64(xerrors.HandshakeFailed), Reason: err.Error()}
			c.setDraining()
			return
		}
		c.rekeyToApplication()
		c.engine.AntiAmplification().Validate()
		c.state = stateActive
		c.handshakeDoneToSend = true
		c.reportHandshakeDone()
		c.addEvent(Event{Kind: EventHandshakeComplete})
	}
}

func (c *Conn) reportHandshakeDone() {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.HandshakeDuration.Observe(time.Since(c.handshakeStart).Seconds())
	}
}

// rekeyToApplication swaps the PacketEngine from the public initial keys to
// the Noise-derived application keys once the handshake completes.
func (c *Conn) rekeyToApplication() {
	keys := c.hs.Keys()
	var sendKeys, recvKeys noise.DirectionKeys
	if c.isClient {
		sendKeys, recvKeys = keys.Initiator, keys.Responder
	} else {
		sendKeys, recvKeys = keys.Responder, keys.Initiator
	}
	send, err := packet.NewDirectionAEAD(aead.SuiteChaCha20Poly1305, sendKeys.AppKey[:], sendKeys.IV[:], sendKeys.HPKey[:])
	if err != nil {
		panic(err) // key material is internally generated and always well-formed
	}
	recv, err := packet.NewDirectionAEAD(aead.SuiteChaCha20Poly1305, recvKeys.AppKey[:], recvKeys.IV[:], recvKeys.HPKey[:])
	if err != nil {
		panic(err)
	}
	c.engine.Rekey(send, recv)
	c.curSendKeys, c.curRecvKeys = sendKeys, recvKeys
	c.packetsSinceRekey = 0
	c.lastRekeyAt = time.Now()
}

// rotateKeysIfDue ratchets the application keys forward once the
// configured packet or time budget is spent (spec §4.2/§6: "60s or 2^32
// packets"), deriving the next generation via HKDF over the current key the
// same way deriveInitialKeys derives the first generation from the CID.
func (c *Conn) rotateKeysIfDue() {
	if c.state != stateActive {
		return
	}
	due := c.packetsSinceRekey >= int(c.cfg.KeyRotationPackets) ||
		time.Since(c.lastRekeyAt) >= c.cfg.KeyRotationInterval
	if !due {
		return
	}
	nextSend := ratchet(c.curSendKeys)
	nextRecv := ratchet(c.curRecvKeys)
	send, err := packet.NewDirectionAEAD(aead.SuiteChaCha20Poly1305, nextSend.AppKey[:], nextSend.IV[:], nextSend.HPKey[:])
	if err != nil {
		panic(err)
	}
	recv, err := packet.NewDirectionAEAD(aead.SuiteChaCha20Poly1305, nextRecv.AppKey[:], nextRecv.IV[:], nextRecv.HPKey[:])
	if err != nil {
		panic(err)
	}
	c.engine.Rekey(send, recv)
	c.curSendKeys, c.curRecvKeys = nextSend, nextRecv
	c.packetsSinceRekey = 0
	c.lastRekeyAt = time.Now()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.KeyRotations.Inc()
	}
	c.emitLog(newLogEvent(logEventKeyRotation))
}

func ratchet(keys noise.DirectionKeys) noise.DirectionKeys {
	prk := hkdf.Extract(sha256.New, keys.AppKey[:], []byte("mxp key update"))
	out := make([]byte, 96)
	expander := hkdf.Expand(sha256.New, prk, nil)
	if _, err := expander.Read(out); err != nil {
		panic(err)
	}
	var next noise.DirectionKeys
	copy(next.AppKey[:], out[0:32])
	copy(next.IV[:], out[32:32+aead.NonceSize])
	copy(next.HPKey[:], out[64:96])
	return next
}

// NextDatagram builds one outbound wire packet packing every frame
// currently due (handshake flight, pending ack, stream/datagram data),
// sealing it through the PacketEngine. ok is false if there is nothing to
// send.
func (c *Conn) NextDatagram(buf []byte) (out []byte, ok bool) {
	if c.isClient && c.state == stateInitial {
		m1, err := c.hs.WriteMessage1()
		if err != nil {
			c.closeFrame = &CloseFrame{ErrorCode: uint64(xerrors.HandshakeFailed), Reason: err.Error()}
			c.state = stateClosed
			return nil, false
		}
		c.pendingHandshakeOut = m1
		c.state = stateHandshaking
	}

	budget := c.cfg.Mtu - packet.HeaderFixedLen() - 16
	var plaintext []byte
	ackEliciting := false
	handshakeFrameQueued := false

	switch {
	case c.retransmitHandshakeRaw != nil:
		plaintext = EncodeFrame(plaintext, HandshakeFrame{Data: c.retransmitHandshakeRaw})
		ackEliciting = true
		handshakeFrameQueued = true
		c.retransmitHandshakeRaw = nil
	case c.pendingHandshakeOut != nil:
		data, err := cbor.Marshal(c.pendingHandshakeOut)
		if err == nil {
			plaintext = EncodeFrame(plaintext, HandshakeFrame{Data: data})
			ackEliciting = true
			c.lastHandshakeFrameData = data
			handshakeFrameQueued = true
		}
		c.pendingHandshakeOut = nil
	}
	if c.handshakeDoneToSend {
		plaintext = EncodeFrame(plaintext, HandshakeDoneFrame{})
		c.handshakeDoneToSend = false
		ackEliciting = true
	}
	if c.closeFrame != nil && c.state == stateDraining {
		plaintext = EncodeFrame(plaintext, *c.closeFrame)
	}
	if c.pendingAck {
		af := AckFrame{}
		for _, r := range c.rec.Acks.Ranges() {
			af.RangeStarts = append(af.RangeStarts, r.Start)
			af.RangeEnds = append(af.RangeEnds, r.End)
		}
		plaintext = EncodeFrame(plaintext, af)
		c.pendingAck = false
	}
	var streamFramesThisPacket []sentStreamFrame
	if c.state == stateActive {
		for len(plaintext) < budget {
			id, data, offset, fin, has := c.mux.PopFrame(budget - len(plaintext) - 24)
			if !has {
				break
			}
			plaintext = EncodeFrame(plaintext, StreamFrame{StreamID: id, Offset: offset, Data: data, Fin: fin})
			ackEliciting = true
			streamFramesThisPacket = append(streamFramesThisPacket, sentStreamFrame{
				streamID: id, offset: offset, data: append([]byte(nil), data...), fin: fin,
			})
		}
		for len(plaintext) < budget {
			d, has := c.mux.PopDatagram()
			if !has {
				break
			}
			plaintext = EncodeFrame(plaintext, DatagramFrame{Data: d})
			ackEliciting = true
		}
		if credit := c.mux.ConnRecvFlow(); credit.Credit() < credit.Max()/2 {
			newMax := credit.Max() * 2
			credit.SetMax(newMax)
			plaintext = EncodeFrame(plaintext, MaxDataFrame{MaximumData: newMax})
		}
	}
	if c.pendingPing {
		if !ackEliciting {
			plaintext = EncodeFrame(plaintext, PingFrame{})
			ackEliciting = true
		}
		c.pendingPing = false
	}
	if len(plaintext) == 0 {
		return nil, false
	}

	var flags packet.Flags
	if c.state == stateInitial || c.state == stateHandshaking {
		flags |= packet.FlagHandshake
	}
	if ackEliciting {
		flags |= packet.FlagAckEliciting
	}
	pn := c.sendPN
	c.sendPN++

	wire, err := c.engine.Seal(buf, plaintext, pn, flags)
	if err != nil {
		c.emitLog(newLogEventDropped(err.Error()))
		return nil, false
	}
	c.touchIdle()
	c.packetsSinceRekey++
	c.rotateKeysIfDue()

	if handshakeFrameQueued {
		c.lastHandshakeFramePN = pn
		c.haveLastHandshakeFrame = true
	}
	if len(streamFramesThisPacket) > 0 {
		c.sentStreamFrames[pn] = streamFramesThisPacket
	}

	sent := &reliability.SentPacket{PacketNumber: pn, SentAt: time.Now(), Size: len(wire), AckEliciting: ackEliciting}
	c.rec.OnSend(sent, time.Now())

	c.emitLog(newLogEventPacket(logEventPacketSent, c.connID, pn, flags, len(plaintext)))
	return wire, true
}
