// Command mxpd is a thin demo CLI for the MXP transport: listen and
// dial subcommands built the way teacher_copy/cmd/quince/client.go
// drives quic.Client — stdlib flag parsing and a Handler that logs events;
// dial also writes the -data payload on a new stream once the handshake
// completes.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/crypto/curve25519"

	"github.com/yafatek/mxp-protocol/conn"
	"github.com/yafatek/mxp-protocol/config"
	"github.com/yafatek/mxp-protocol/packet"
	"github.com/yafatek/mxp-protocol/stream"
	"github.com/yafatek/mxp-protocol/transport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "listen":
		err = listenCommand(os.Args[2:])
	case "dial":
		err = dialCommand(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "mxpd:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: mxpd <listen|dial> [options]")
}

func listenCommand(args []string) error {
	cmd := flag.NewFlagSet("listen", flag.ExitOnError)
	addr := cmd.String("listen", "0.0.0.0:4433", "listen on the given IP:port")
	cmd.Parse(args)

	priv, pub, err := newIdentity()
	if err != nil {
		return err
	}

	srv, err := transport.NewServer(transport.Options{
		ListenAddr: *addr,
		StaticPriv: priv,
		StaticPub:  pub,
		ConnConfig: config.Default().ConnConfig(),
	})
	if err != nil {
		return err
	}
	srv.SetHandler(transport.HandlerFunc(func(connID packet.ConnID, c *conn.Conn, events []conn.Event) {
		for _, ev := range events {
			fmt.Printf("conn %d: %s\n", connID, describeEvent(ev))
		}
	}))

	fmt.Printf("mxpd listening on %s (static pubkey %x)\n", srv.LocalAddr(), pub)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return srv.Serve(ctx)
}

func dialCommand(args []string) error {
	cmd := flag.NewFlagSet("dial", flag.ExitOnError)
	data := cmd.String("data", "hello\n", "stream data to send once established")
	cmd.Parse(args)

	addr := cmd.Arg(0)
	if addr == "" {
		fmt.Fprintln(cmd.Output(), "Usage: mxpd dial [options] <address> <remote-pubkey-hex>")
		cmd.PrintDefaults()
		return nil
	}
	remotePub, err := parseHexKey(cmd.Arg(1))
	if err != nil {
		return err
	}

	priv, pub, err := newIdentity()
	if err != nil {
		return err
	}

	cl, err := transport.Dial(transport.ClientOptions{
		RemoteAddr:      addr,
		ConnID:          packet.ConnID(1),
		StaticPriv:      priv,
		StaticPub:       pub,
		RemoteStaticPub: remotePub,
		ConnConfig:      config.Default().ConnConfig(),
	})
	if err != nil {
		return err
	}
	cl.SetHandler(transport.HandlerFunc(func(connID packet.ConnID, c *conn.Conn, events []conn.Event) {
		for _, ev := range events {
			fmt.Println(describeEvent(ev))
			if ev.Kind == conn.EventHandshakeComplete {
				s := c.OpenStream(stream.PriorityStreaming)
				_ = c.WriteStream(s.ID, []byte(*data), true)
			}
		}
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return cl.Run(ctx)
}

func describeEvent(ev conn.Event) string {
	switch ev.Kind {
	case conn.EventHandshakeComplete:
		return "handshake complete"
	case conn.EventStreamReadable:
		return fmt.Sprintf("stream %d readable", ev.StreamID)
	case conn.EventDatagramReceived:
		return fmt.Sprintf("datagram received (%d bytes)", len(ev.Data))
	case conn.EventClosed:
		return fmt.Sprintf("closed: %v", ev.Err)
	default:
		return "unknown event"
	}
}

func newIdentity() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, err
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], p)
	return priv, pub, nil
}

func parseHexKey(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) != 64 {
		return out, fmt.Errorf("remote pubkey must be 64 hex characters, got %d", len(s))
	}
	for i := 0; i < 32; i++ {
		b, err := hexByte(s[i*2], s[i*2+1])
		if err != nil {
			return out, err
		}
		out[i] = b
	}
	return out, nil
}

func hexByte(hi, lo byte) (byte, error) {
	h, err := hexNibble(hi)
	if err != nil {
		return 0, err
	}
	l, err := hexNibble(lo)
	if err != nil {
		return 0, err
	}
	return h<<4 | l, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex character %q", c)
	}
}
