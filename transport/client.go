package transport

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/yafatek/mxp-protocol/conn"
	"github.com/yafatek/mxp-protocol/internal/metrics"
	"github.com/yafatek/mxp-protocol/packet"
)

// Client dials a single outbound MXP connection, mirroring the shape of
// the teacher's quic.Client (NewClient/SetHandler/Connect), simplified
// to one connection per Client rather than a shard pool, since an
// initiating peer typically dials far fewer connections than a listener
// accepts.
type Client struct {
	sock    *net.UDPConn
	handler Handler
	logger  *log.Logger
	c       *conn.Conn
	connID  packet.ConnID

	tickInterval time.Duration
}

// ClientOptions configures Dial.
type ClientOptions struct {
	RemoteAddr       string
	ConnID           packet.ConnID
	StaticPriv       [32]byte
	StaticPub        [32]byte
	RemoteStaticPub  [32]byte
	ConnConfig       *conn.Config
	Metrics          *metrics.Registry
	TickInterval     time.Duration
	Logger           *log.Logger
}

// Dial opens a UDP socket to RemoteAddr and starts a client-side
// conn.Conn handshake, mirroring the teacher's Client.Connect.
func Dial(opts ClientOptions) (*Client, error) {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 20 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "mxp/client"})
	}
	addr, err := net.ResolveUDPAddr("udp", opts.RemoteAddr)
	if err != nil {
		return nil, err
	}
	sock, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	if opts.ConnConfig != nil && opts.ConnConfig.Metrics == nil {
		opts.ConnConfig.Metrics = opts.Metrics
	}
	c, err := conn.Connect(opts.ConnID, opts.StaticPriv, opts.StaticPub, opts.RemoteStaticPub, opts.ConnConfig)
	if err != nil {
		sock.Close()
		return nil, err
	}
	return &Client{
		sock:         sock,
		logger:       opts.Logger,
		c:            c,
		connID:       opts.ConnID,
		tickInterval: opts.TickInterval,
	}, nil
}

// SetHandler registers the event callback.
func (cl *Client) SetHandler(h Handler) { cl.handler = h }

// Conn returns the underlying connection, e.g. for WriteStream/SendDatagram.
func (cl *Client) Conn() *conn.Conn { return cl.c }

// Run drives the handshake and application event loop until ctx is
// canceled or the connection closes.
func (cl *Client) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 2048)
		for {
			n, err := cl.sock.Read(buf)
			if err != nil {
				errCh <- err
				return
			}
			if err := cl.c.HandleDatagram(append([]byte(nil), buf[:n]...)); err != nil {
				cl.logger.Debug("datagram rejected", "err", err)
			}
			cl.flush()
			cl.dispatch()
			if cl.c.IsClosed() {
				errCh <- nil
				return
			}
		}
	}()

	ticker := time.NewTicker(cl.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cl.sock.Close()
			return ctx.Err()
		case err := <-errCh:
			cl.sock.Close()
			return err
		case <-ticker.C:
			if cl.c.Timeout() <= 0 {
				cl.c.CheckTimeout()
			}
			cl.flush()
			cl.dispatch()
			if cl.c.IsClosed() {
				cl.sock.Close()
				return nil
			}
		}
	}
}

func (cl *Client) flush() {
	buf := make([]byte, 2048)
	for {
		wire, ok := cl.c.NextDatagram(buf)
		if !ok {
			return
		}
		if _, err := cl.sock.Write(wire); err != nil {
			cl.logger.Debug("write failed", "err", err)
			return
		}
	}
}

func (cl *Client) dispatch() {
	if events := cl.c.Events(); len(events) > 0 && cl.handler != nil {
		cl.handler.Serve(cl.connID, cl.c, events)
	}
}

// Close tears the connection down gracefully.
func (cl *Client) Close(errorCode uint64, reason string) {
	cl.c.Close(errorCode, reason)
	cl.flush()
}
