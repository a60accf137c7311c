// Package tcpproxy drives the per-connection TCP state machine: it
// turns a SYN observed on the tunnel into a SOCKS5 CONNECT stream,
// shuttles bytes in both directions, and synthesizes the reply-side TCP
// segments with correct sequence and acknowledgment accounting.
package tcpproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/badscrew/selfproxy/internal/clock"
	"github.com/badscrew/selfproxy/internal/conntable"
	"github.com/badscrew/selfproxy/internal/logging"
	"github.com/badscrew/selfproxy/internal/packet"
	"github.com/badscrew/selfproxy/internal/recovery"
	"github.com/badscrew/selfproxy/internal/socks5"
)

// TunnelWriter is the write half of the tunnel the proxy synthesizes
// reply datagrams onto. Implementations must serialize concurrent
// writers (spec §5).
type TunnelWriter interface {
	WritePacket(pkt []byte) error
}

// Config bundles the timeouts and addressing the proxy needs. Zero
// values are not valid; fill it from config.Default() (internal/config).
type Config struct {
	SocksEndpoint    string
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	TimeWaitTimeout  time.Duration
	TunnelMTU        int
}

// Proxy owns the TCP connection table and drives every TCP flow's
// lifecycle.
type Proxy struct {
	cfg       Config
	tunnel    TunnelWriter
	clock     clock.Clock
	scheduler clock.Scheduler
	logger    *slog.Logger

	table  *conntable.Table[*connection]
	ipID   atomicCounter
	dialer net.Dialer
}

// New constructs a Proxy. tunnel, clk, and sched must be non-nil.
func New(cfg Config, tunnel TunnelWriter, clk clock.Clock, sched clock.Scheduler, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Proxy{
		cfg:       cfg,
		tunnel:    tunnel,
		clock:     clk,
		scheduler: sched,
		logger:    logger,
		table:     conntable.New[*connection](),
	}
}

// connection is the per-flow resource stored in the table. It
// implements conntable.Closer.
type connection struct {
	key    conntable.FiveTuple
	socket net.Conn
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	ourSeq  uint32
	peerSeq uint32
	window  uint16
}

func (c *connection) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.socket.Close()
}

func (c *connection) snapshotState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveCount and TotalCount expose the table's counters for
// internal/stats.
func (p *Proxy) ActiveCount() int  { return p.table.Active() }
func (p *Proxy) TotalCount() int64 { return p.table.Total() }

// Observe installs a callback invoked on every connection-table
// lifecycle change (see conntable.Table.SetObserver). Intended for the
// debug control feed; the data plane never consults it.
func (p *Proxy) Observe(fn func(conntable.FiveTuple, string)) {
	p.table.SetObserver(fn)
}

// BytesSent and BytesReceived report cumulative TCP traffic moved over
// the life of the proxy, open or closed connections alike.
func (p *Proxy) BytesSent() uint64     { return p.table.BytesSent() }
func (p *Proxy) BytesReceived() uint64 { return p.table.BytesReceived() }

// Exists reports whether a connection is already installed for key, so
// the router can gate new-flow admission control on SYNs that would
// actually open a new connection rather than ones that will be dropped
// as retransmissions anyway.
func (p *Proxy) Exists(key conntable.FiveTuple) bool {
	_, ok := p.table.Get(key)
	return ok
}

// HandleSyn processes an incoming SYN segment for key. Per spec §4.4, a
// SYN for a key already present in the table is a retransmission and is
// dropped silently.
func (p *Proxy) HandleSyn(ctx context.Context, key conntable.FiveTuple, tcp packet.TCPHeader) {
	if _, ok := p.table.Get(key); ok {
		logging.Verbose(p.logger, "dropping retransmitted syn", logging.KeyProtocol, "tcp",
			logging.KeySrcPort, key.SrcPort, logging.KeyDstPort, key.DstPort)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	socket, err := p.dialer.DialContext(dialCtx, "tcp", p.cfg.SocksEndpoint)
	cancel()
	if err != nil {
		p.logger.Warn("socks5 dial failed", logging.KeyReason, err.Error())
		p.sendRST(key, tcp.Seq+1)
		return
	}

	dstHost := net.IP(key.DstAddr[:]).String()
	if err := socks5.Greet(socket, p.cfg.HandshakeTimeout); err != nil {
		socket.Close()
		p.logger.Warn("socks5 greeting failed", logging.KeyReason, err.Error())
		p.sendRST(key, tcp.Seq+1)
		return
	}
	if _, err := socks5.Connect(socket, dstHost, key.DstPort, p.cfg.HandshakeTimeout); err != nil {
		socket.Close()
		p.logger.Warn("socks5 connect failed", logging.KeyDstAddr, dstHost,
			logging.KeyDstPort, key.DstPort, logging.KeyReason, err.Error())
		p.sendRST(key, tcp.Seq+1)
		return
	}

	connCtx, connCancel := context.WithCancel(ctx)
	conn := &connection{
		key:     key,
		socket:  socket,
		cancel:  connCancel,
		state:   StateEstablished,
		ourSeq:  rand.Uint32(),
		peerSeq: tcp.Seq + 1,
		window:  65535,
	}

	if _, ok := p.table.Insert(key, conn, p.clock.Now()); !ok {
		// Lost the race against a concurrent retransmitted SYN.
		connCancel()
		socket.Close()
		return
	}

	p.writeSegment(key, conn.ourSeq, conn.peerSeq, packet.TCPFlagSYN|packet.TCPFlagACK, conn.window, nil)
	conn.ourSeq++

	p.scheduler.Spawn(connCtx, func(ctx context.Context) { p.readerTask(ctx, key, conn) })
}

// HandleSegment processes a non-SYN, non-FIN, non-RST segment carrying
// payload (or a bare ACK) for an established connection.
func (p *Proxy) HandleSegment(key conntable.FiveTuple, tcp packet.TCPHeader, payload []byte) {
	entry, ok := p.table.Get(key)
	if !ok {
		return
	}
	conn := entry.Resource

	conn.mu.Lock()
	if conn.state != StateEstablished {
		conn.mu.Unlock()
		return
	}
	if tcp.Seq != conn.peerSeq {
		// Out of order or duplicate: no reassembly, just re-ACK current expectation.
		ack := conn.peerSeq
		our := conn.ourSeq
		win := conn.window
		conn.mu.Unlock()
		p.writeSegment(key, our, ack, packet.TCPFlagACK, win, nil)
		return
	}
	conn.mu.Unlock()

	if len(payload) == 0 {
		entry.AddStats(p.clock.Now(), 0, 0)
		return
	}

	if _, err := conn.socket.Write(payload); err != nil {
		p.teardownWithRST(key, "upstream write failed")
		return
	}

	conn.mu.Lock()
	conn.peerSeq += uint32(len(payload))
	ack := conn.peerSeq
	our := conn.ourSeq
	win := conn.window
	conn.mu.Unlock()

	entry.AddStats(p.clock.Now(), uint64(len(payload)), 0)
	p.table.AddBytes(uint64(len(payload)), 0)
	p.writeSegment(key, our, ack, packet.TCPFlagACK, win, nil)
}

// HandleFin processes an incoming FIN. It is accepted in any active
// state; the proxy ACKs it, half-closes the write side of the upstream
// socket, and advances toward TIME_WAIT.
func (p *Proxy) HandleFin(key conntable.FiveTuple, tcp packet.TCPHeader) {
	entry, ok := p.table.Get(key)
	if !ok {
		return
	}
	conn := entry.Resource

	conn.mu.Lock()
	conn.peerSeq = tcp.Seq + 1
	ack := conn.peerSeq
	our := conn.ourSeq
	win := conn.window
	// Whether the peer's FIN arrives before or after our own (the
	// ordinary case: upstream EOF puts us in FIN_WAIT_1/2 first), this
	// simplified FSM has no separate "our FIN acked" event to wait on,
	// so both orderings converge straight to TIME_WAIT.
	conn.state = StateTimeWait
	newState := conn.state
	conn.mu.Unlock()

	if tcpHalfCloser, ok := conn.socket.(interface{ CloseWrite() error }); ok {
		tcpHalfCloser.CloseWrite()
	} else {
		conn.socket.Close()
	}

	p.writeSegment(key, our, ack, packet.TCPFlagACK, win, nil)
	logging.Verbose(p.logger, "tcp fin received", logging.KeyState, newState.String())
}

// HandleRst tears a connection down immediately with no reply.
func (p *Proxy) HandleRst(key conntable.FiveTuple) {
	entry, ok := p.table.Remove(key)
	if !ok {
		return
	}
	entry.Resource.Close()
}

// readerTask drains the upstream socket and synthesizes PSH|ACK
// segments for each chunk read, until EOF or error.
func (p *Proxy) readerTask(ctx context.Context, key conntable.FiveTuple, conn *connection) {
	defer recovery.RecoverWithLog(p.logger, "tcp-reader")

	buf := make([]byte, p.cfg.TunnelMTU)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := conn.socket.Read(buf)
		if n > 0 {
			entry, ok := p.table.Get(key)
			if !ok {
				return
			}

			conn.mu.Lock()
			seq := conn.ourSeq
			ack := conn.peerSeq
			win := conn.window
			conn.ourSeq += uint32(n)
			conn.mu.Unlock()

			p.writeSegment(key, seq, ack, packet.TCPFlagPSH|packet.TCPFlagACK, win, buf[:n])
			entry.AddStats(p.clock.Now(), 0, uint64(n))
			p.table.AddBytes(0, uint64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.teardownWithRST(key, "upstream read failed")
				return
			}
			p.handleUpstreamEOF(key, conn)
			return
		}
	}
}

func (p *Proxy) handleUpstreamEOF(key conntable.FiveTuple, conn *connection) {
	conn.mu.Lock()
	if conn.state != StateEstablished {
		conn.mu.Unlock()
		return
	}
	conn.state = StateFinWait1
	seq := conn.ourSeq
	ack := conn.peerSeq
	win := conn.window
	conn.ourSeq++
	conn.mu.Unlock()

	p.writeSegment(key, seq, ack, packet.TCPFlagFIN|packet.TCPFlagACK, win, nil)
}

func (p *Proxy) teardownWithRST(key conntable.FiveTuple, reason string) {
	entry, ok := p.table.Remove(key)
	if !ok {
		return
	}
	conn := entry.Resource
	conn.mu.Lock()
	seq := conn.ourSeq
	ack := conn.peerSeq
	conn.mu.Unlock()

	conn.Close()
	p.writeSegment(key, seq, ack, packet.TCPFlagRST, 0, nil)
	p.logger.Warn("tcp connection reset", logging.KeyReason, reason,
		logging.KeySrcPort, key.SrcPort, logging.KeyDstPort, key.DstPort)
}

// sendRST synthesizes an RST|ACK with no backing connection, used for
// handshake failures where no record was ever installed.
func (p *Proxy) sendRST(key conntable.FiveTuple, ack uint32) {
	p.writeSegment(key, 0, ack, packet.TCPFlagRST|packet.TCPFlagACK, 0, nil)
}

// writeSegment synthesizes a reply datagram addressed back to the
// tunnel side (swap src/dst relative to key) and writes it.
func (p *Proxy) writeSegment(key conntable.FiveTuple, seq, ack uint32, flags uint8, window uint16, payload []byte) {
	id := p.ipID.next()
	pkt := packet.BuildTCP(id, key.DstAddr, key.SrcAddr, key.DstPort, key.SrcPort, seq, ack, flags, window, payload)
	if err := p.tunnel.WritePacket(pkt); err != nil {
		p.logger.Error("tunnel write failed", logging.KeyReason, err.Error())
	}
}

// Evict removes TCP connections past their idle or TIME_WAIT deadline
// and closes them. Called periodically by the router.
func (p *Proxy) Evict(now time.Time) {
	removed := p.table.Evict(func(e *conntable.Entry[*connection]) bool {
		conn := e.Resource
		age := now.Sub(e.LastActivityAt())
		if conn.snapshotState() == StateTimeWait {
			return age > p.cfg.TimeWaitTimeout
		}
		return age > p.cfg.IdleTimeout
	})
	for _, conn := range removed {
		conn.Close()
	}
}

// CloseAll tears down every TCP connection. Used on system shutdown.
func (p *Proxy) CloseAll() {
	p.table.CloseAll()
}

func (p *Proxy) ConnectionString(key conntable.FiveTuple) string {
	return fmt.Sprintf("%s:%d->%s:%d", net.IP(key.SrcAddr[:]), key.SrcPort, net.IP(key.DstAddr[:]), key.DstPort)
}

// atomicCounter hands out monotonically increasing IPv4 identification
// values.
type atomicCounter struct {
	mu sync.Mutex
	n  uint16
}

func (c *atomicCounter) next() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}
