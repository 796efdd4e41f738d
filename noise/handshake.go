package noise

import (
	"crypto/rand"
	"time"

	"github.com/yafatek/mxp-protocol/aead"
	"github.com/yafatek/mxp-protocol/internal/xerrors"
)

// Role identifies which side of the handshake a HandshakeState plays.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Status is the handshake's own state machine, mirroring the teacher's
// tlsHandshake.HandshakeComplete()/state progression but with MXP's
// three named states (spec §4.2).
type Status uint8

const (
	StatusInitial Status = iota
	StatusHandshaking
	StatusEstablished
	StatusFailed
)

// DirectionKeys holds one direction's derived material: AEAD application
// key, IV, and header-protection key (spec §4.2's key schedule).
type DirectionKeys struct {
	AppKey [32]byte
	IV     [aead.NonceSize]byte
	HPKey  [32]byte
}

// SessionKeys are the two directional key sets produced once the
// handshake completes.
type SessionKeys struct {
	Initiator DirectionKeys // keys for initiator -> responder
	Responder DirectionKeys // keys for responder -> initiator
}

// HandshakeState drives the three MXP handshake flights described in
// spec §4.2. It is not safe for concurrent use; the owning Conn serializes
// access the same way the teacher's tlsHandshake is only ever touched from
// doHandshake().
type HandshakeState struct {
	role Role
	sym  *symmetricState

	staticPriv, staticPub   [32]byte
	ephemPriv, ephemPub     [32]byte
	remoteStaticPub         [32]byte
	haveRemoteStatic        bool
	remoteEphemPub          [32]byte
	deadline                time.Time

	status Status
	keys   SessionKeys
}

// NewInitiator creates a handshake state for the connecting side. It must
// already know the responder's static public key, obtained out-of-band
// (registry or prior session), per spec §4.2.
func NewInitiator(staticPriv, staticPub, responderStaticPub [32]byte, timeout time.Duration) *HandshakeState {
	hs := &HandshakeState{
		role:       RoleInitiator,
		sym:        newSymmetricState(),
		staticPriv: staticPriv,
		staticPub:  staticPub,
		deadline:   time.Now().Add(timeout),
	}
	hs.remoteStaticPub = responderStaticPub
	hs.haveRemoteStatic = true
	return hs
}

// NewResponder creates a handshake state for the accepting side.
func NewResponder(staticPriv, staticPub [32]byte, timeout time.Duration) *HandshakeState {
	return &HandshakeState{
		role:       RoleResponder,
		sym:        newSymmetricState(),
		staticPriv: staticPriv,
		staticPub:  staticPub,
		deadline:   time.Now().Add(timeout),
	}
}

func (hs *HandshakeState) expired() bool {
	return !hs.deadline.IsZero() && time.Now().After(hs.deadline)
}

func sealEmpty(key [32]byte, ad []byte) []byte {
	a, err := aead.New(aead.SuiteChaCha20Poly1305, key[:], make([]byte, aead.NonceSize))
	if err != nil {
		panic(err)
	}
	return a.Seal(nil, nil, ad, 0)
}

func openEmpty(key [32]byte, ad, ciphertext []byte) error {
	a, err := aead.New(aead.SuiteChaCha20Poly1305, key[:], make([]byte, aead.NonceSize))
	if err != nil {
		return err
	}
	_, err = a.Open(nil, ciphertext, ad, 0)
	return err
}

// Message1 is the initiator's first flight: ephemeral public key plus an
// encrypted static identity and a zero-length confirmation authenticated
// with a key derived from es+ss.
type Message1 struct {
	Ephemeral       [32]byte
	EncryptedStatic []byte // staticPub sealed under a key derived from es
	Confirm         []byte // zero-length plaintext sealed under a key derived from es+ss
}

// WriteMessage1 produces the initiator's first flight.
func (hs *HandshakeState) WriteMessage1() (*Message1, error) {
	if hs.role != RoleInitiator {
		return nil, xerrors.Handshakef("WriteMessage1 called by responder")
	}
	if hs.expired() {
		return nil, xerrors.Handshakef("handshake timed out")
	}
	priv, pub, err := generateKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	hs.ephemPriv, hs.ephemPub = priv, pub
	hs.sym.mixHash(hs.ephemPub[:])

	es, err := dh(hs.ephemPriv, hs.remoteStaticPub)
	if err != nil {
		return nil, err
	}
	kEs := hs.sym.mixKey(es[:])

	encStatic := sealSimple(kEs, hs.sym.h[:], hs.staticPub[:])
	hs.sym.mixHash(encStatic)

	ss, err := dh(hs.staticPriv, hs.remoteStaticPub)
	if err != nil {
		return nil, err
	}
	kSs := hs.sym.mixKey(ss[:])
	confirm := sealEmpty(kSs, hs.sym.h[:])
	hs.sym.mixHash(confirm)

	hs.status = StatusHandshaking
	return &Message1{Ephemeral: hs.ephemPub, EncryptedStatic: encStatic, Confirm: confirm}, nil
}

// ReadMessage1 processes the initiator's first flight on the responder
// side, recovering and authenticating the initiator's static identity.
func (hs *HandshakeState) ReadMessage1(m *Message1) (initiatorStaticPub [32]byte, err error) {
	if hs.role != RoleResponder {
		return initiatorStaticPub, xerrors.Handshakef("ReadMessage1 called by initiator")
	}
	if hs.expired() {
		return initiatorStaticPub, xerrors.Handshakef("handshake timed out")
	}
	hs.remoteEphemPub = m.Ephemeral
	hs.sym.mixHash(hs.remoteEphemPub[:])

	es, err := dh(hs.staticPriv, hs.remoteEphemPub)
	if err != nil {
		return initiatorStaticPub, err
	}
	kEs := hs.sym.mixKey(es[:])

	staticBytes, err := openSimple(kEs, hs.sym.h[:], m.EncryptedStatic)
	if err != nil {
		return initiatorStaticPub, xerrors.Handshakef("decrypt initiator static: %v", err)
	}
	copy(initiatorStaticPub[:], staticBytes)
	hs.remoteStaticPub = initiatorStaticPub
	hs.haveRemoteStatic = true
	hs.sym.mixHash(m.EncryptedStatic)

	ss, err := dh(hs.staticPriv, hs.remoteStaticPub)
	if err != nil {
		return initiatorStaticPub, err
	}
	kSs := hs.sym.mixKey(ss[:])
	if err := openEmpty(kSs, hs.sym.h[:], m.Confirm); err != nil {
		return initiatorStaticPub, xerrors.Handshakef("transcript mismatch in message 1: %v", err)
	}
	hs.sym.mixHash(m.Confirm)

	hs.status = StatusHandshaking
	return initiatorStaticPub, nil
}

// Message2 is the responder's reply: an ephemeral public key plus a
// zero-byte confirmation under keys derived from es+ee+se.
type Message2 struct {
	Ephemeral [32]byte
	Confirm   []byte
}

// WriteMessage2 produces the responder's reply after ReadMessage1.
func (hs *HandshakeState) WriteMessage2() (*Message2, error) {
	if hs.role != RoleResponder {
		return nil, xerrors.Handshakef("WriteMessage2 called by initiator")
	}
	priv, pub, err := generateKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	hs.ephemPriv, hs.ephemPub = priv, pub
	hs.sym.mixHash(hs.ephemPub[:])

	ee, err := dh(hs.ephemPriv, hs.remoteEphemPub)
	if err != nil {
		return nil, err
	}
	hs.sym.mixKey(ee[:])

	se, err := dh(hs.staticPriv, hs.remoteEphemPub)
	if err != nil {
		return nil, err
	}
	kSe := hs.sym.mixKey(se[:])
	confirm := sealEmpty(kSe, hs.sym.h[:])
	hs.sym.mixHash(confirm)

	return &Message2{Ephemeral: hs.ephemPub, Confirm: confirm}, nil
}

// ReadMessage2 processes the responder's reply on the initiator side.
func (hs *HandshakeState) ReadMessage2(m *Message2) error {
	if hs.role != RoleInitiator {
		return xerrors.Handshakef("ReadMessage2 called by responder")
	}
	hs.remoteEphemPub = m.Ephemeral
	hs.sym.mixHash(hs.remoteEphemPub[:])

	ee, err := dh(hs.ephemPriv, hs.remoteEphemPub)
	if err != nil {
		return err
	}
	hs.sym.mixKey(ee[:])

	se, err := dh(hs.ephemPriv, hs.remoteStaticPub)
	if err != nil {
		return err
	}
	kSe := hs.sym.mixKey(se[:])
	if err := openEmpty(kSe, hs.sym.h[:], m.Confirm); err != nil {
		return xerrors.Handshakef("transcript mismatch in message 2: %v", err)
	}
	hs.sym.mixHash(m.Confirm)
	return nil
}

// Message3 is the initiator's handshake-finished flight: an AEAD tag over
// the accumulated transcript.
type Message3 struct {
	Finished []byte
}

func (hs *HandshakeState) finishedKey() [32]byte {
	// A dedicated finished key keeps the transcript-binding tag from
	// reusing a traffic key before the session keys are split out.
	return hs.sym.mixKey(hs.sym.h[:])
}

// WriteMessage3 produces the initiator's final flight and derives session
// keys on success.
func (hs *HandshakeState) WriteMessage3() (*Message3, error) {
	if hs.role != RoleInitiator {
		return nil, xerrors.Handshakef("WriteMessage3 called by responder")
	}
	key := hs.finishedKey()
	finished := sealEmpty(key, hs.sym.h[:])
	hs.sym.mixHash(finished)
	hs.deriveSessionKeys()
	hs.status = StatusEstablished
	return &Message3{Finished: finished}, nil
}

// ReadMessage3 verifies the initiator's final flight on the responder
// side and derives session keys on success.
func (hs *HandshakeState) ReadMessage3(m *Message3) error {
	if hs.role != RoleResponder {
		return xerrors.Handshakef("ReadMessage3 called by initiator")
	}
	key := hs.finishedKey()
	if err := openEmpty(key, hs.sym.h[:], m.Finished); err != nil {
		hs.status = StatusFailed
		return xerrors.Handshakef("transcript mismatch in message 3: %v", err)
	}
	hs.sym.mixHash(m.Finished)
	hs.deriveSessionKeys()
	hs.status = StatusEstablished
	return nil
}

// deriveSessionKeys splits the final chaining key into the two directional
// key sets (application key, IV, header-protection key) per spec §4.2.
func (hs *HandshakeState) deriveSessionKeys() {
	initToResp := hkdfLabel(hs.sym.ck, "mxp init->resp")
	respToInit := hkdfLabel(hs.sym.ck, "mxp resp->init")
	hs.keys.Initiator = splitDirectionKeys(initToResp)
	hs.keys.Responder = splitDirectionKeys(respToInit)
}

// Status returns the handshake's current state.
func (hs *HandshakeState) Status() Status { return hs.status }

// Keys returns the derived session keys; valid only once Status() ==
// StatusEstablished.
func (hs *HandshakeState) Keys() SessionKeys { return hs.keys }

// RemoteStatic returns the peer's authenticated static public key, valid
// once the corresponding message has been processed.
func (hs *HandshakeState) RemoteStatic() ([32]byte, bool) {
	return hs.remoteStaticPub, hs.haveRemoteStatic
}
