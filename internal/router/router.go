package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/badscrew/selfproxy/internal/clock"
	"github.com/badscrew/selfproxy/internal/conntable"
	"github.com/badscrew/selfproxy/internal/logging"
	"github.com/badscrew/selfproxy/internal/packet"
	"github.com/badscrew/selfproxy/internal/tcpproxy"
	"github.com/badscrew/selfproxy/internal/udpproxy"
)

// Config bundles the router's own knobs: the MTU-sized read buffer,
// the eviction tick period, and an optional new-flow admission limiter.
type Config struct {
	TunnelMTU           int
	EvictionTick        time.Duration
	MaxNewFlowsPerSecond int // 0 disables admission limiting
}

// Router reads datagrams from the tunnel, dispatches them to the TCP or
// UDP proxy, and periodically evicts stale connections.
type Router struct {
	cfg       Config
	tunnel    Tunnel
	tcp       *tcpproxy.Proxy
	udp       *udpproxy.Proxy
	clock     clock.Clock
	scheduler clock.Scheduler
	logger    *slog.Logger
	limiter   *rate.Limiter

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Router. tcp and udp must already be wired to the
// same tunnel for writes (the router only reads from it).
func New(cfg Config, tunnel Tunnel, tcp *tcpproxy.Proxy, udp *udpproxy.Proxy, clk clock.Clock, sched clock.Scheduler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = logging.NopLogger()
	}
	var limiter *rate.Limiter
	if cfg.MaxNewFlowsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxNewFlowsPerSecond), cfg.MaxNewFlowsPerSecond)
	}
	return &Router{
		cfg:       cfg,
		tunnel:    tunnel,
		tcp:       tcp,
		udp:       udp,
		clock:     clk,
		scheduler: sched,
		logger:    logger,
		limiter:   limiter,
		stopCh:    make(chan struct{}),
	}
}

// ErrAlreadyRunning is returned by Run if called more than once.
var ErrAlreadyRunning = errors.New("router: already running")

// Run drives the read loop until ctx is cancelled, the tunnel fails its
// read, or Stop is called. It blocks until the loop and the eviction
// ticker have both exited.
func (r *Router) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.wg.Add(1)
	go r.evictionLoop(runCtx)

	err := r.readLoop(runCtx)

	cancel()
	r.wg.Wait()
	return err
}

// Stop signals Run to exit and tears down every connection. It is safe
// to call multiple times and from any goroutine.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.tcp.CloseAll()
	r.udp.CloseAll()
}

func (r *Router) readLoop(ctx context.Context) error {
	buf := make([]byte, r.cfg.TunnelMTU)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		default:
		}

		n, err := r.tunnel.ReadPacket(buf)
		if err != nil {
			r.logger.Error("tunnel read failed", logging.KeyReason, err.Error())
			return err
		}
		r.dispatch(ctx, buf[:n])
	}
}

func (r *Router) dispatch(ctx context.Context, datagram []byte) {
	ipHdr, segment, err := packet.ParseIPv4(datagram)
	if err != nil {
		logging.Verbose(r.logger, "dropping malformed ip datagram", logging.KeyReason, err.Error())
		return
	}

	switch ipHdr.Protocol {
	case packet.ProtoTCP:
		r.dispatchTCP(ctx, ipHdr, segment)
	case packet.ProtoUDP:
		r.dispatchUDP(ctx, ipHdr, segment)
	case packet.ProtoICMP:
		logging.Verbose(r.logger, "dropping icmp datagram")
	default:
		logging.Verbose(r.logger, "dropping unknown protocol datagram", "protocol", ipHdr.Protocol)
	}
}

func (r *Router) dispatchTCP(ctx context.Context, ipHdr packet.IPv4Header, segment []byte) {
	tcpHdr, payload, err := packet.ParseTCP(segment)
	if err != nil {
		logging.Verbose(r.logger, "dropping malformed tcp segment", logging.KeyReason, err.Error())
		return
	}

	key := conntable.FiveTuple{
		Protocol: conntable.ProtoTCP,
		SrcAddr:  ipHdr.SrcIP,
		SrcPort:  tcpHdr.SrcPort,
		DstAddr:  ipHdr.DstIP,
		DstPort:  tcpHdr.DstPort,
	}

	switch {
	case tcpHdr.Has(packet.TCPFlagRST):
		r.tcp.HandleRst(key)
	case tcpHdr.Has(packet.TCPFlagSYN) && !tcpHdr.Has(packet.TCPFlagACK):
		if !r.tcp.Exists(key) && !r.admitNewFlow() {
			logging.Verbose(r.logger, "dropping syn: new-flow rate limit exceeded")
			return
		}
		r.tcp.HandleSyn(ctx, key, tcpHdr)
	case tcpHdr.Has(packet.TCPFlagFIN):
		r.tcp.HandleFin(key, tcpHdr)
	default:
		r.tcp.HandleSegment(key, tcpHdr, payload)
	}
}

func (r *Router) dispatchUDP(ctx context.Context, ipHdr packet.IPv4Header, segment []byte) {
	udpHdr, payload, err := packet.ParseUDP(segment)
	if err != nil {
		logging.Verbose(r.logger, "dropping malformed udp datagram", logging.KeyReason, err.Error())
		return
	}

	key := conntable.FiveTuple{
		Protocol: conntable.ProtoUDP,
		SrcAddr:  ipHdr.SrcIP,
		SrcPort:  udpHdr.SrcPort,
		DstAddr:  ipHdr.DstIP,
		DstPort:  udpHdr.DstPort,
	}

	if udpHdr.DstPort != 53 && !r.udp.Exists(key) && !r.admitNewFlow() {
		logging.Verbose(r.logger, "dropping datagram: new-flow rate limit exceeded")
		return
	}

	r.udp.HandleDatagram(ctx, key, payload)
}

// admitNewFlow reports whether a brand-new flow may be created right
// now. With no limiter configured every flow is admitted.
func (r *Router) admitNewFlow() bool {
	if r.limiter == nil {
		return true
	}
	return r.limiter.Allow()
}

func (r *Router) evictionLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(r.cfg.EvictionTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C():
			now := r.clock.Now()
			r.tcp.Evict(now)
			r.udp.Evict(now)
		}
	}
}
