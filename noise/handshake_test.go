package noise

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func genKeypair(t *testing.T) (priv, pub [32]byte) {
	t.Helper()
	p, pb, err := generateKeypair(rand.Reader)
	require.NoError(t, err)
	return p, pb
}

func TestHandshakeSuccessThreeFlights(t *testing.T) {
	respPriv, respPub := genKeypair(t)
	initPriv, initPub := genKeypair(t)

	initiator := NewInitiator(initPriv, initPub, respPub, 5*time.Second)
	responder := NewResponder(respPriv, respPub, 5*time.Second)

	m1, err := initiator.WriteMessage1()
	require.NoError(t, err)

	gotInitStatic, err := responder.ReadMessage1(m1)
	require.NoError(t, err)
	require.Equal(t, initPub, gotInitStatic)

	m2, err := responder.WriteMessage2()
	require.NoError(t, err)

	require.NoError(t, initiator.ReadMessage2(m2))

	m3, err := initiator.WriteMessage3()
	require.NoError(t, err)
	require.NoError(t, responder.ReadMessage3(m3))

	require.Equal(t, StatusEstablished, initiator.Status())
	require.Equal(t, StatusEstablished, responder.Status())

	require.Equal(t, initiator.Keys(), responder.Keys(), "derived application keys must match")

	remote, ok := responder.RemoteStatic()
	require.True(t, ok)
	require.Equal(t, initPub, remote)
}

func TestHandshakeReplayDoesNotDeriveSameKeys(t *testing.T) {
	respPriv, respPub := genKeypair(t)
	initPriv, initPub := genKeypair(t)

	initiator := NewInitiator(initPriv, initPub, respPub, 5*time.Second)
	m1, err := initiator.WriteMessage1()
	require.NoError(t, err)

	responderA := NewResponder(respPriv, respPub, 5*time.Second)
	_, err = responderA.ReadMessage1(m1)
	require.NoError(t, err)
	m2A, err := responderA.WriteMessage2()
	require.NoError(t, err)
	require.NoError(t, initiator.ReadMessage2(m2A))
	m3, err := initiator.WriteMessage3()
	require.NoError(t, err)
	require.NoError(t, responderA.ReadMessage3(m3))

	// Replay the initiator's first flight against a fresh responder state
	// (simulating a second handshake attempt using the captured message).
	responderB := NewResponder(respPriv, respPub, 5*time.Second)
	_, err = responderB.ReadMessage1(m1)
	require.NoError(t, err)
	m2B, err := responderB.WriteMessage2()
	require.NoError(t, err)

	require.NotEqual(t, m2A.Ephemeral, m2B.Ephemeral, "fresh ephemeral keys must differ across attempts")
	require.NotEqual(t, responderA.Keys(), responderB.Keys(), "replayed flight must not reproduce the original session's keys")
}

func TestSessionTicketIssueAndRedeem(t *testing.T) {
	var key [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	issuer := NewTicketIssuer(key, 1024)

	var secret [32]byte
	_, err = rand.Read(secret[:])
	require.NoError(t, err)

	ticket, err := issuer.Issue(secret)
	require.NoError(t, err)

	got, err := issuer.Redeem(ticket)
	require.NoError(t, err)
	require.Equal(t, secret, got)

	_, err = issuer.Redeem(ticket)
	require.Error(t, err, "redeeming the same ticket twice must fail")
}
