package transport

import (
	"context"
	"net"
	"time"

	"github.com/yafatek/mxp-protocol/conn"
	"github.com/yafatek/mxp-protocol/internal/pool"
	"github.com/yafatek/mxp-protocol/packet"
)

type inboundPacket struct {
	connID packet.ConnID
	addr   *net.UDPAddr
	buf    *pool.Buffer
	n      int
}

type connEntry struct {
	c    *conn.Conn
	addr *net.UDPAddr

	// lastDropped is the DatagramsDropped() value last reported into the
	// datagrams_dropped_total metric, so tick() can report only the delta.
	lastDropped uint64
}

// shard is one single-threaded worker owning a disjoint subset of
// connections, per spec §5: "a connection's state is not shared across
// threads; all mutation happens from its owning worker."
type shard struct {
	srv     *Server
	idx     int
	inbound chan inboundPacket
	conns   map[packet.ConnID]*connEntry
}

func newShard(srv *Server, idx int) *shard {
	return &shard{
		srv:     srv,
		idx:     idx,
		inbound: make(chan inboundPacket, 256),
		conns:   make(map[packet.ConnID]*connEntry),
	}
}

func (sh *shard) run(ctx context.Context) error {
	ticker := time.NewTicker(sh.srv.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-sh.inbound:
			sh.handleInbound(p)
		case <-ticker.C:
			sh.tick()
		}
	}
}

func (sh *shard) handleInbound(p inboundPacket) {
	defer p.buf.Release()
	entry, ok := sh.conns[p.connID]
	if !ok {
		entry = sh.accept(p.connID, p.addr)
		if entry == nil {
			return
		}
	}
	entry.addr = p.addr
	if err := entry.c.HandleDatagram(p.buf.Bytes()[:p.n]); err != nil {
		sh.srv.logger.Debug("datagram rejected", "conn_id", p.connID, "err", err)
	}
	sh.drainAndFlush(p.connID, entry)
}

// accept admits a new, server-side connection for a never-before-seen
// connection id, bounded by the server's admission semaphore so a flood
// of distinct connection ids can't unbounded-ly grow a shard's map.
func (sh *shard) accept(connID packet.ConnID, addr *net.UDPAddr) *connEntry {
	if !sh.srv.admission.TryAcquire(1) {
		sh.srv.logger.Debug("admission rejected, at capacity", "conn_id", connID)
		return nil
	}
	c, err := conn.Accept(connID, sh.srv.staticPriv, sh.srv.staticPub, sh.srv.cfg)
	if err != nil {
		sh.srv.admission.Release(1)
		sh.srv.logger.Error("accept failed", "conn_id", connID, "err", err)
		return nil
	}
	if sh.srv.store != nil {
		if bits, highest, seeded, ok, err := sh.srv.store.LoadReplayWindow(connID); err == nil && ok {
			c.RestoreReplay(bits, highest, seeded)
		}
	}
	if sh.srv.metrics != nil {
		sh.srv.metrics.Connections.Inc()
	}
	entry := &connEntry{c: c, addr: addr}
	sh.conns[connID] = entry
	return entry
}

func (sh *shard) tick() {
	for connID, entry := range sh.conns {
		if entry.c.Timeout() <= 0 {
			entry.c.CheckTimeout()
		}
		sh.drainAndFlush(connID, entry)
		sh.reportDroppedDatagrams(entry)
		if entry.c.IsClosed() {
			sh.forget(connID, entry)
		}
	}
}

// reportDroppedDatagrams polls conn.Conn's cumulative datagram-drop counter
// and feeds the delta since the last tick into datagrams_dropped_total;
// DatagramQueue.Dropped is a running total, so only the delta is reported
// each time to avoid double-counting.
func (sh *shard) reportDroppedDatagrams(entry *connEntry) {
	if sh.srv.metrics == nil {
		return
	}
	total := entry.c.DatagramsDropped()
	if total > entry.lastDropped {
		sh.srv.metrics.DatagramDropped.Add(float64(total - entry.lastDropped))
		entry.lastDropped = total
	}
}

func (sh *shard) drainAndFlush(connID packet.ConnID, entry *connEntry) {
	if events := entry.c.Events(); len(events) > 0 && sh.srv.handler != nil {
		sh.srv.handler.Serve(connID, entry.c, events)
	}
	buf := make([]byte, sh.srv.cfg.Mtu)
	for {
		wire, ok := entry.c.NextDatagram(buf)
		if !ok {
			break
		}
		sh.srv.writeTo(wire, entry.addr)
	}
}

func (sh *shard) forget(connID packet.ConnID, entry *connEntry) {
	delete(sh.conns, connID)
	sh.srv.admission.Release(1)
	if sh.srv.metrics != nil {
		sh.srv.metrics.Connections.Dec()
	}
	if sh.srv.store != nil {
		if bits, highest, seeded := entry.c.ReplaySnapshotForStore(); seeded {
			_ = sh.srv.store.SaveReplayWindow(connID, bits, highest, seeded)
		} else {
			_ = sh.srv.store.DeleteReplayWindow(connID)
		}
	}
}
