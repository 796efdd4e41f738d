package transport

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"github.com/yafatek/mxp-protocol/conn"
	"github.com/yafatek/mxp-protocol/packet"
)

func genIdentity(t *testing.T) (priv, pub [32]byte) {
	t.Helper()
	_, err := rand.Read(priv[:])
	require.NoError(t, err)
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	require.NoError(t, err)
	copy(pub[:], p)
	return priv, pub
}

func TestServerAcceptsClientAndExchangesStreamData(t *testing.T) {
	serverPriv, serverPub := genIdentity(t)
	clientPriv, clientPub := genIdentity(t)

	srv, err := NewServer(Options{ListenAddr: "127.0.0.1:0", StaticPriv: serverPriv, StaticPub: serverPub})
	require.NoError(t, err)

	established := make(chan packet.ConnID, 1)
	streamReadable := make(chan struct{}, 1)
	srv.SetHandler(HandlerFunc(func(connID packet.ConnID, c *conn.Conn, events []conn.Event) {
		for _, ev := range events {
			switch ev.Kind {
			case conn.EventHandshakeComplete:
				select {
				case established <- connID:
				default:
				}
			case conn.EventStreamReadable:
				select {
				case streamReadable <- struct{}{}:
				default:
				}
			}
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	cl, err := Dial(ClientOptions{
		RemoteAddr:      srv.LocalAddr().String(),
		ConnID:          packet.ConnID(1),
		StaticPriv:      clientPriv,
		StaticPub:       clientPub,
		RemoteStaticPub: serverPub,
	})
	require.NoError(t, err)

	clientEstablished := make(chan struct{}, 1)
	cl.SetHandler(HandlerFunc(func(connID packet.ConnID, c *conn.Conn, events []conn.Event) {
		for _, ev := range events {
			if ev.Kind == conn.EventHandshakeComplete {
				select {
				case clientEstablished <- struct{}{}:
				default:
				}
			}
		}
	}))

	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()
	go cl.Run(clientCtx)

	select {
	case <-clientEstablished:
	case <-time.After(5 * time.Second):
		t.Fatal("client handshake never completed")
	}
	select {
	case <-established:
	case <-time.After(5 * time.Second):
		t.Fatal("server handshake never completed")
	}

	require.NoError(t, cl.Conn().WriteStream(cl.Conn().OpenStream(0).ID, []byte("hi"), true))

	select {
	case <-streamReadable:
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed stream data")
	}
}
