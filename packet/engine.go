package packet

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/yafatek/mxp-protocol/aead"
	"github.com/yafatek/mxp-protocol/internal/xerrors"
)

// Mtu is the default maximum transmission unit, per spec §6.
const Mtu = 1350

// MaxPacketFailures is the number of consecutive inbound packet failures
// (header decode, AEAD or replay) at which a connection is torn down (spec
// §7: "default 32 consecutive").
const MaxPacketFailures = 32

// DirectionAEAD bundles an AEAD suite instance with its header-protection
// key for one direction, built from a noise.DirectionKeys.
type DirectionAEAD struct {
	AEAD *aead.AEAD
	HP   *aead.HeaderProtector
}

// NewDirectionAEAD wraps raw key material (app key, IV, HP key) into an
// AEAD+HeaderProtector pair.
func NewDirectionAEAD(suite aead.Suite, appKey, iv, hpKey []byte) (*DirectionAEAD, error) {
	a, err := aead.New(suite, appKey, iv)
	if err != nil {
		return nil, err
	}
	hp, err := aead.NewHeaderProtector(hpKey)
	if err != nil {
		return nil, err
	}
	return &DirectionAEAD{AEAD: a, HP: hp}, nil
}

// Engine is the per-connection PacketEngine: it seals outbound frames
// into AEAD-protected, header-protected packets and authenticates/decrypts
// inbound ones, enforcing the replay window and anti-amplification budget
// of spec §4.3.
type Engine struct {
	ConnID ConnID

	send *DirectionAEAD
	recv *DirectionAEAD

	replay  *ReplayWindow
	antiAmp *AntiAmplification
	pacer   *rate.Limiter

	largestAcked     uint64
	haveAcked        bool
	largestReceived  uint64
	haveReceived     bool
	consecutiveFails int
}

// NewEngine constructs a PacketEngine for one connection direction pair.
// pacingBytesPerSec of 0 disables pacing (unlimited).
func NewEngine(connID ConnID, send, recv *DirectionAEAD, pacingBytesPerSec float64) *Engine {
	e := &Engine{
		ConnID:  connID,
		send:    send,
		recv:    recv,
		replay:  NewReplayWindow(),
		antiAmp: NewAntiAmplification(),
	}
	if pacingBytesPerSec > 0 {
		e.pacer = rate.NewLimiter(rate.Limit(pacingBytesPerSec), Mtu*4)
	}
	return e
}

// AntiAmplification exposes the tracker so Conn can validate the peer once
// the handshake completes.
func (e *Engine) AntiAmplification() *AntiAmplification { return e.antiAmp }

// Rekey replaces both directions' key material in place, used for the
// initial-keys-to-application-keys transition once the handshake completes
// and for periodic key rotation thereafter (spec §4.2/§6: "60s or 2^32
// packets"). Packet-number and replay-window state carries across the
// rotation; the key material is replaced and the consecutive-failure count
// is reset.
func (e *Engine) Rekey(send, recv *DirectionAEAD) {
	e.send = send
	e.recv = recv
	e.consecutiveFails = 0
}

// canonicalHeader builds the AAD/on-wire-equivalent header bytes used on
// both the seal and open paths (the AEAD authenticates the unmasked
// header; header protection is applied to the wire bytes afterward).
func canonicalHeader(connID ConnID, flags Flags, pnLen int, payloadLen int, pn uint64) (*Header, []byte, error) {
	h := &Header{ConnID: connID, Flags: flags, PNLen: pnLen, PayloadLen: payloadLen}
	h.PNField = EncodePN(pn, pnLen)
	buf := make([]byte, headerFixedLen)
	if _, err := EncodeHeader(buf, h); err != nil {
		return nil, nil, err
	}
	return h, buf, nil
}

// Seal assembles one outbound packet carrying plaintext into dst, which
// must have capacity for at least headerFixedLen+len(plaintext)+TagLen
// bytes. It returns the full wire packet.
func (e *Engine) Seal(dst []byte, plaintext []byte, pn uint64, flags Flags) ([]byte, error) {
	pnLen := EncodeLen(pn, e.largestAcked)
	payloadLen := len(plaintext) + e.send.AEAD.Overhead()
	total := headerFixedLen + payloadLen
	if cap(dst) < total {
		dst = make([]byte, total)
	} else {
		dst = dst[:total]
	}
	_, wireHeader, err := canonicalHeader(e.ConnID, flags, pnLen, payloadLen, pn)
	if err != nil {
		return nil, err
	}
	copy(dst[:headerFixedLen], wireHeader)

	sealed := e.send.AEAD.Seal(dst[headerFixedLen:headerFixedLen], plaintext, wireHeader, pn)
	copy(dst[headerFixedLen:], sealed)

	if !e.antiAmp.Reserve(len(dst)) {
		return nil, xerrors.Packetf(xerrors.Internal, "anti-amplification budget exhausted")
	}
	if e.pacer != nil {
		if err := e.pacer.WaitN(pacerContext(), len(dst)); err != nil {
			return nil, xerrors.Internalf("packet: pacing wait: %v", err)
		}
	}

	sample := aead.HeaderProtectionSample(dst[headerFixedLen:], 0)
	if err := e.send.HP.Apply(&dst[8], dst[12:12+pnLen], sample); err != nil {
		return nil, err
	}
	return dst, nil
}

// ReplaySnapshot exposes the receive-direction replay window's state for
// persistence (store/), so a restart doesn't reopen a window to packet
// numbers already accepted before the crash.
func (e *Engine) ReplaySnapshot() (bits []uint64, highest uint64, seeded bool) {
	return e.replay.Snapshot()
}

// RestoreReplay reinstates a previously persisted replay window state.
func (e *Engine) RestoreReplay(bits []uint64, highest uint64, seeded bool) {
	e.replay.Restore(bits, highest, seeded)
}

// Open authenticates and decrypts one inbound wire packet, returning the
// plaintext, the packet's flags, and its reconstructed packet number.
// AEAD failures and replay are non-fatal PacketErrors per spec §4.3/§7;
// each failure counts toward MaxPacketFailures, and once
// FatalThresholdExceeded reports true the caller tears the connection down.
func (e *Engine) Open(b []byte) (plaintext []byte, flags Flags, pn uint64, err error) {
	hdr, hdrLen, err := DecodeHeader(b)
	if err != nil {
		e.bumpFailure()
		return nil, 0, 0, err
	}
	e.antiAmp.OnBytesReceived(len(b))

	ciphertext := b[hdrLen : hdrLen+hdr.PayloadLen]
	if len(ciphertext) < TagLen {
		e.bumpFailure()
		return nil, 0, 0, xerrors.Packetf(xerrors.ProtocolViolation, "ciphertext shorter than tag")
	}
	sample := aead.HeaderProtectionSample(ciphertext, 0)
	mask, err := e.recv.HP.Mask(sample)
	if err != nil {
		e.bumpFailure()
		return nil, 0, 0, err
	}
	realFlags := Flags(byte(hdr.Flags) ^ (mask[0] & 0x1f))
	var realPN [MaxPacketNumberLen]byte
	copy(realPN[:], hdr.PNField[:])
	for i := 0; i < hdr.PNLen; i++ {
		realPN[i] ^= mask[1+i]
	}
	pn = DecodePN(realPN[:hdr.PNLen], hdr.PNLen, e.largestReceived, e.haveReceived)

	if e.replay.Seen(pn) {
		e.bumpFailure()
		return nil, 0, 0, xerrors.Packetf(xerrors.ProtocolViolation, "replay detected for packet %d", pn)
	}

	_, wireHeader, err := canonicalHeader(e.ConnID, realFlags, hdr.PNLen, hdr.PayloadLen, pn)
	if err != nil {
		return nil, 0, 0, err
	}
	plaintext, err = e.recv.AEAD.Open(nil, ciphertext, wireHeader, pn)
	if err != nil {
		e.bumpFailure()
		return nil, 0, 0, err
	}
	e.consecutiveFails = 0
	e.replay.Accept(pn)
	if !e.haveReceived || pn > e.largestReceived {
		e.largestReceived = pn
		e.haveReceived = true
	}
	return plaintext, realFlags, pn, nil
}

// OnAck updates the largest-acknowledged anchor used for packet-number
// truncation on the send side (spec §4.3).
func (e *Engine) OnAck(largest uint64) {
	if !e.haveAcked || largest > e.largestAcked {
		e.largestAcked = largest
		e.haveAcked = true
	}
}

func (e *Engine) bumpFailure() {
	e.consecutiveFails++
}

// FatalThresholdExceeded reports whether the consecutive decode/AEAD
// failure count has crossed MaxPacketFailures (spec §7).
func (e *Engine) FatalThresholdExceeded() bool {
	return e.consecutiveFails >= MaxPacketFailures
}

// pacerContext avoids importing context at every call site; packet
// sealing never needs cancellation finer than the pacing wait itself.
func pacerContext() pacerCtx { return pacerCtx{} }

type pacerCtx struct{}

func (pacerCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (pacerCtx) Done() <-chan struct{}       { return nil }
func (pacerCtx) Err() error                  { return nil }
func (pacerCtx) Value(key interface{}) interface{} { return nil }
