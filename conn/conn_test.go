package conn

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"github.com/yafatek/mxp-protocol/packet"
	"github.com/yafatek/mxp-protocol/stream"
)

func genStatic(t *testing.T) (priv, pub [32]byte) {
	t.Helper()
	_, err := rand.Read(priv[:])
	require.NoError(t, err)
	// The handshake's DH steps need pub to be the X25519 public key of priv.
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	require.NoError(t, err)
	copy(pub[:], p)
	return priv, pub
}

// pump relays datagrams between two Conns until both report nothing left to
// send, or maxRounds is hit. Returns once neither side produced a datagram
// in a round.
func pump(t *testing.T, a, b *Conn, maxRounds int) {
	t.Helper()
	buf := make([]byte, 2048)
	for i := 0; i < maxRounds; i++ {
		sentAny := false
		if wire, ok := a.NextDatagram(buf); ok {
			sentAny = true
			require.NoError(t, b.HandleDatagram(append([]byte(nil), wire...)))
		}
		if wire, ok := b.NextDatagram(buf); ok {
			sentAny = true
			require.NoError(t, a.HandleDatagram(append([]byte(nil), wire...)))
		}
		if !sentAny {
			return
		}
	}
}

func newEstablishedPair(t *testing.T) (client, server *Conn) {
	t.Helper()
	clientPriv, clientPub := genStatic(t)
	serverPriv, serverPub := genStatic(t)

	cfg := DefaultConfig()
	client, err := Connect(packet.ConnID(7), clientPriv, clientPub, serverPub, cfg)
	require.NoError(t, err)
	server, err = Accept(packet.ConnID(7), serverPriv, serverPub, cfg)
	require.NoError(t, err)

	pump(t, client, server, 10)
	require.True(t, server.IsEstablished())
	require.True(t, client.IsEstablished())
	return client, server
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	client, server := newEstablishedPair(t)

	var gotHandshakeEvent bool
	for _, ev := range client.Events() {
		if ev.Kind == EventHandshakeComplete {
			gotHandshakeEvent = true
		}
	}
	require.True(t, gotHandshakeEvent)

	gotHandshakeEvent = false
	for _, ev := range server.Events() {
		if ev.Kind == EventHandshakeComplete {
			gotHandshakeEvent = true
		}
	}
	require.True(t, gotHandshakeEvent)
}

func TestStreamDataFlowsAfterHandshake(t *testing.T) {
	client, server := newEstablishedPair(t)

	s := client.OpenStream(stream.PriorityStreaming)
	require.NoError(t, client.WriteStream(s.ID, []byte("hello from client"), true))

	pump(t, client, server, 10)

	peerStream := server.Stream(s.ID)
	require.NotNil(t, peerStream)
	require.Equal(t, []byte("hello from client"), peerStream.Read())
}

func TestDatagramDeliveredAfterHandshake(t *testing.T) {
	client, server := newEstablishedPair(t)

	require.NoError(t, client.SendDatagram([]byte("ping")))
	pump(t, client, server, 10)

	var got []byte
	for _, ev := range server.Events() {
		if ev.Kind == EventDatagramReceived {
			got = ev.Data
		}
	}
	require.Equal(t, []byte("ping"), got)
}

func TestCloseEntersDrainingThenClosed(t *testing.T) {
	client, server := newEstablishedPair(t)
	_ = server

	client.Close(0, "bye")
	require.Equal(t, stateDraining, client.state)

	client.drainingDeadline = time.Now().Add(-time.Millisecond)
	client.CheckTimeout()
	require.True(t, client.IsClosed())
}

func TestPacketFailureDropsNonFatalUntilThresholdCrossed(t *testing.T) {
	_, server := newEstablishedPair(t)

	garbage := make([]byte, 64)
	for i := range garbage {
		garbage[i] = byte(i)
	}
	err := server.HandleDatagram(garbage)
	require.NoError(t, err) // single bad packet: dropped, not fatal
	require.False(t, server.IsClosed())
}
