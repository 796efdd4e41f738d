package noise

import (
	"crypto/rand"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/yafatek/mxp-protocol/aead"
	"github.com/yafatek/mxp-protocol/internal/xerrors"
)

// TicketLifetime bounds how long an issued ticket remains redeemable, per
// spec §4.2 ("lifetime bounded (≤30s suggested)").
const TicketLifetime = 30 * time.Second

// ticketPayload is the CBOR-encoded structure sealed inside an opaque
// SessionTicket.
type ticketPayload struct {
	TicketID          uint64
	ResumptionSecret  [32]byte
	IssuedAtUnixNanos int64
}

// SessionTicket is the opaque blob handed to the initiator on a resumption
// handshake.
type SessionTicket struct {
	Nonce      [aead.NonceSize]byte
	Ciphertext []byte
}

// TicketIssuer issues and redeems session tickets under a responder-held
// ticket encryption key, and tracks ticket ids already redeemed to reject
// replay (spec §4.2's replay-window-bounded acceptance).
type TicketIssuer struct {
	key       [32]byte
	nextID    uint64
	seen      map[uint64]time.Time
	replayWin uint64
}

// NewTicketIssuer builds an issuer from a 32-byte ticket encryption key.
// replayWindow is how far (in ticket ids) behind the most recently issued
// id a ticket may be and still be redeemed; older ids are rejected as
// replays, and zero turns that check off. Redeemed ids are remembered for
// replay rejection and, when replayWindow is non-zero, pruned once older
// than four ticket lifetimes.
func NewTicketIssuer(key [32]byte, replayWindow uint64) *TicketIssuer {
	return &TicketIssuer{key: key, seen: make(map[uint64]time.Time), replayWin: replayWindow}
}

// Issue mints a new ticket wrapping resumptionSecret.
func (ti *TicketIssuer) Issue(resumptionSecret [32]byte) (*SessionTicket, error) {
	ti.nextID++
	payload := ticketPayload{
		TicketID:          ti.nextID,
		ResumptionSecret:  resumptionSecret,
		IssuedAtUnixNanos: time.Now().UnixNano(),
	}
	plain, err := cbor.Marshal(payload)
	if err != nil {
		return nil, xerrors.Handshakef("ticket marshal: %v", err)
	}
	var nonce [aead.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, xerrors.Handshakef("ticket nonce: %v", err)
	}
	a, err := aead.New(aead.SuiteChaCha20Poly1305, ti.key[:], nonce[:])
	if err != nil {
		return nil, err
	}
	ct := a.Seal(nil, plain, nil, 0)
	return &SessionTicket{Nonce: nonce, Ciphertext: ct}, nil
}

// Redeem validates and unwraps a ticket. It fails if the AEAD tag doesn't
// verify, the ticket has expired, or the ticket id falls within the
// issuer's replay window of already-seen ids.
func (ti *TicketIssuer) Redeem(t *SessionTicket) (resumptionSecret [32]byte, err error) {
	a, err := aead.New(aead.SuiteChaCha20Poly1305, ti.key[:], t.Nonce[:])
	if err != nil {
		return resumptionSecret, err
	}
	plain, err := a.Open(nil, t.Ciphertext, nil, 0)
	if err != nil {
		return resumptionSecret, xerrors.Handshakef("ticket open failed")
	}
	var payload ticketPayload
	if err := cbor.Unmarshal(plain, &payload); err != nil {
		return resumptionSecret, xerrors.Handshakef("ticket unmarshal: %v", err)
	}
	issued := time.Unix(0, payload.IssuedAtUnixNanos)
	if time.Since(issued) > TicketLifetime {
		return resumptionSecret, xerrors.Handshakef("ticket expired")
	}
	if ti.replayed(payload.TicketID) {
		return resumptionSecret, xerrors.Handshakef("ticket replay detected")
	}
	ti.markSeen(payload.TicketID)
	return payload.ResumptionSecret, nil
}

func (ti *TicketIssuer) replayed(id uint64) bool {
	if ti.replayWin != 0 && id+ti.replayWin < ti.nextID {
		// Far enough in the past that it's outside the window: treat as
		// unknown-but-stale rather than trusting it again.
		return true
	}
	_, seen := ti.seen[id]
	return seen
}

func (ti *TicketIssuer) markSeen(id uint64) {
	ti.seen[id] = time.Now()
	if ti.replayWin == 0 {
		return
	}
	for seenID, t := range ti.seen {
		if time.Since(t) > TicketLifetime*4 {
			delete(ti.seen, seenID)
		}
	}
}
