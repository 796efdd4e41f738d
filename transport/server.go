// Package transport owns the UDP socket and shards connections across
// worker goroutines by connection id, driving each conn.Conn's
// HandleDatagram/NextDatagram/CheckTimeout loop. Grounded on the
// teacher's root quic package shape (Client/Server, Handler.Serve(c,
// events), SetLogger) inferred from teacher_copy/log.go and
// teacher_copy/cmd/quince/client.go, since the root package's own
// socket-loop file was never retrieved into the pack.
package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/yafatek/mxp-protocol/conn"
	"github.com/yafatek/mxp-protocol/internal/metrics"
	"github.com/yafatek/mxp-protocol/internal/pool"
	"github.com/yafatek/mxp-protocol/packet"
	"github.com/yafatek/mxp-protocol/store"
)

// Handler reacts to events a connection produced since the last poll,
// mirroring the teacher's Handler.Serve(c quic.Conn, events []transport.Event).
type Handler interface {
	Serve(connID packet.ConnID, c *conn.Conn, events []conn.Event)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(connID packet.ConnID, c *conn.Conn, events []conn.Event)

func (f HandlerFunc) Serve(connID packet.ConnID, c *conn.Conn, events []conn.Event) {
	f(connID, c, events)
}

// Server owns one UDP socket and a fixed set of shard workers, each
// single-threaded over its own subset of connections per spec §5's
// scheduling model ("sharded across worker threads via connection-id
// hashing... a connection's state is not shared across threads").
type Server struct {
	sock      *net.UDPConn
	shards    []*shard
	numShards uint64
	handler   Handler
	metrics   *metrics.Registry
	pool      *pool.Pool
	store     *store.Store
	logger    *log.Logger
	admission *semaphore.Weighted

	staticPriv, staticPub [32]byte
	cfg                   *conn.Config

	tickInterval time.Duration
	reaper       *cron.Cron
}

// Options configures a Server.
type Options struct {
	ListenAddr     string
	NumShards      int
	MaxPending     int64
	TickInterval   time.Duration
	StaticPriv     [32]byte
	StaticPub      [32]byte
	ConnConfig     *conn.Config
	Metrics        *metrics.Registry
	Store          *store.Store
	Logger         *log.Logger
}

// NewServer opens the UDP listen socket and spins up NumShards worker
// shards, but does not start serving until Serve is called.
func NewServer(opts Options) (*Server, error) {
	if opts.NumShards <= 0 {
		opts.NumShards = 4
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 20 * time.Millisecond
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 4096
	}
	if opts.ConnConfig == nil {
		opts.ConnConfig = conn.DefaultConfig()
	}
	if opts.ConnConfig.Metrics == nil {
		opts.ConnConfig.Metrics = opts.Metrics
	}
	if opts.Logger == nil {
		opts.Logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "mxp/server"})
	}
	addr, err := net.ResolveUDPAddr("udp", opts.ListenAddr)
	if err != nil {
		return nil, err
	}
	sock, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		sock:         sock,
		numShards:    uint64(opts.NumShards),
		metrics:      opts.Metrics,
		pool:         pool.New(),
		store:        opts.Store,
		logger:       opts.Logger,
		admission:    semaphore.NewWeighted(opts.MaxPending),
		staticPriv:   opts.StaticPriv,
		staticPub:    opts.StaticPub,
		cfg:          opts.ConnConfig,
		tickInterval: opts.TickInterval,
	}
	s.shards = make([]*shard, opts.NumShards)
	for i := range s.shards {
		s.shards[i] = newShard(s, i)
	}
	return s, nil
}

// SetHandler registers the application callback invoked with each
// connection's drained events, mirroring the teacher's Client.SetHandler.
func (s *Server) SetHandler(h Handler) { s.handler = h }

// LocalAddr returns the UDP socket's bound address.
func (s *Server) LocalAddr() net.Addr { return s.sock.LocalAddr() }

// Serve runs the read loop and every shard worker until ctx is canceled
// or an unrecoverable socket error occurs.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sh := range s.shards {
		sh := sh
		g.Go(func() error { return sh.run(ctx) })
	}
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		s.sock.Close()
		return nil
	})
	if s.store != nil {
		s.reaper = cron.New()
		s.reaper.AddFunc("@every 1m", func() {
			if err := s.store.PruneTicketsBefore(time.Now().Add(-5 * time.Minute)); err != nil {
				s.logger.Error("ticket prune failed", "err", err)
			}
		})
		s.reaper.Start()
		defer s.reaper.Stop()
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// readLoop pulls datagrams off the socket and routes each to the shard
// owning its connection id. ConnID sits in the cleartext header region
// (spec §6), so routing never needs to touch a connection's keys.
func (s *Server) readLoop(ctx context.Context) error {
	for {
		pb := s.pool.Get()
		n, addr, err := s.sock.ReadFromUDP(pb.Bytes())
		if err != nil {
			pb.Release()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if n < 8 {
			pb.Release() // too short to even carry a connection id
			continue
		}
		connID := packet.ConnID(leUint64(pb.Bytes()[:8]))
		s.shardFor(connID).inbound <- inboundPacket{connID: connID, addr: addr, buf: pb, n: n}
		if s.metrics != nil {
			s.metrics.PacketsReceived.Inc()
			s.metrics.BytesReceived.Add(float64(n))
		}
	}
}

func (s *Server) shardFor(connID packet.ConnID) *shard {
	h := xxhash.Sum64(connIDBytes(connID))
	return s.shards[h%s.numShards]
}

func connIDBytes(connID packet.ConnID) []byte {
	var b [8]byte
	putLE64(b[:], uint64(connID))
	return b[:]
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

// writeTo sends one sealed packet to addr. Concurrent calls from
// different shard goroutines are safe: net.UDPConn's WriteTo is safe for
// concurrent use by multiple goroutines.
func (s *Server) writeTo(data []byte, addr *net.UDPAddr) {
	n, err := s.sock.WriteToUDP(data, addr)
	if err != nil {
		s.logger.Debug("write failed", "addr", addr, "err", err)
		return
	}
	if s.metrics != nil {
		s.metrics.PacketsSent.Inc()
		s.metrics.BytesSent.Add(float64(n))
	}
}
