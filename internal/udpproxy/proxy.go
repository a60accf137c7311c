// Package udpproxy manages UDP flows bridged over SOCKS5 UDP ASSOCIATE
// relays, plus the DNS-over-TCP fast path for port 53 traffic that
// bypasses UDP ASSOCIATE entirely.
package udpproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/badscrew/selfproxy/internal/clock"
	"github.com/badscrew/selfproxy/internal/conntable"
	"github.com/badscrew/selfproxy/internal/logging"
	"github.com/badscrew/selfproxy/internal/packet"
	"github.com/badscrew/selfproxy/internal/recovery"
	"github.com/badscrew/selfproxy/internal/socks5"
)

const dnsPort = 53

// TunnelWriter is the write half of the tunnel, shared with tcpproxy's
// interface of the same shape.
type TunnelWriter interface {
	WritePacket(pkt []byte) error
}

// Config bundles UDP-proxy-specific timeouts and addressing.
type Config struct {
	SocksEndpoint    string
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	DNSTimeout       time.Duration
	TunnelMTU        int
}

// Proxy owns the UDP ASSOCIATE connection table and the DNS fast path.
type Proxy struct {
	cfg       Config
	tunnel    TunnelWriter
	clock     clock.Clock
	scheduler clock.Scheduler
	logger    *slog.Logger

	table  *conntable.Table[*connection]
	sf     singleflight.Group
	ipID   idCounter
	dialer net.Dialer
}

// New constructs a Proxy.
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

// connection is a UDP ASSOCIATE relay's resources, stored in the table.
type connection struct {
	control net.Conn
	relay   *net.UDPConn
	cancel  context.CancelFunc
}

func (c *connection) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.control.Close() // tears down the ASSOCIATE relay on the proxy
	c.relay.Close()
	return err
}

func (p *Proxy) ActiveCount() int  { return p.table.Active() }
func (p *Proxy) TotalCount() int64 { return p.table.Total() }

// Observe installs a callback invoked on every connection-table
// lifecycle change (see conntable.Table.SetObserver). Intended for the
// debug control feed; the data plane never consults it.
func (p *Proxy) Observe(fn func(conntable.FiveTuple, string)) {
	p.table.SetObserver(fn)
}

// BytesSent and BytesReceived report cumulative UDP-ASSOCIATE traffic
// moved over the life of the proxy, open or closed flows alike. The
// DNS fast path never touches the table and is not counted here.
func (p *Proxy) BytesSent() uint64     { return p.table.BytesSent() }
func (p *Proxy) BytesReceived() uint64 { return p.table.BytesReceived() }

// Exists reports whether a UDP ASSOCIATE connection is already
// installed for key.
func (p *Proxy) Exists(key conntable.FiveTuple) bool {
	_, ok := p.table.Get(key)
	return ok
}

// HandleDatagram routes a single UDP datagram observed on the tunnel.
// Destination port 53 takes the DNS-over-TCP fast path and never
// touches the connection table (spec §4.5).
func (p *Proxy) HandleDatagram(ctx context.Context, key conntable.FiveTuple, payload []byte) {
	if key.DstPort == dnsPort {
		p.scheduler.Spawn(ctx, func(ctx context.Context) { p.handleDNS(ctx, key, payload) })
		return
	}

	if entry, ok := p.table.Get(key); ok {
		p.sendViaExisting(entry, key, payload)
		return
	}

	sfKey := fmt.Sprintf("%d:%v:%d:%v:%d", key.Protocol, key.SrcAddr, key.SrcPort, key.DstAddr, key.DstPort)
	result, err, _ := p.sf.Do(sfKey, func() (any, error) {
		if entry, ok := p.table.Get(key); ok {
			return entry, nil
		}
		conn, err := p.createAssociation(ctx)
		if err != nil {
			return nil, err
		}
		entry, ok := p.table.Insert(key, conn, p.clock.Now())
		if !ok {
			conn.Close()
			entry, _ = p.table.Get(key)
		} else {
			readerCtx, cancel := context.WithCancel(ctx)
			conn.cancel = cancel
			p.scheduler.Spawn(readerCtx, func(ctx context.Context) { p.readerTask(ctx, key, conn) })
		}
		return entry, nil
	})
	if err != nil {
		p.logger.Warn("udp associate handshake failed", logging.KeyReason, err.Error(),
			logging.KeyDstAddr, net.IP(key.DstAddr[:]).String(), logging.KeyDstPort, key.DstPort)
		return
	}

	entry := result.(*conntable.Entry[*connection])
	p.sendViaExisting(entry, key, payload)
}

func (p *Proxy) sendViaExisting(entry *conntable.Entry[*connection], key conntable.FiveTuple, payload []byte) {
	wrapped, err := socks5.Encap(net.IP(key.DstAddr[:]), key.DstPort, payload)
	if err != nil {
		p.logger.Error("udp wrapper encap failed", logging.KeyReason, err.Error())
		return
	}
	if _, err := entry.Resource.relay.Write(wrapped); err != nil {
		p.logger.Warn("udp relay write failed", logging.KeyReason, err.Error())
		return
	}
	entry.AddStats(p.clock.Now(), uint64(len(payload)), 0)
	p.table.AddBytes(uint64(len(payload)), 0)
}

func (p *Proxy) createAssociation(ctx context.Context) (*connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	defer cancel()

	control, err := p.dialer.DialContext(dialCtx, "tcp", p.cfg.SocksEndpoint)
	if err != nil {
		return nil, fmt.Errorf("dial socks5: %w", err)
	}
	if err := socks5.Greet(control, p.cfg.HandshakeTimeout); err != nil {
		control.Close()
		return nil, err
	}
	bound, err := socks5.UDPAssociate(control, p.cfg.HandshakeTimeout)
	if err != nil {
		control.Close()
		return nil, err
	}

	relayAddr, err := boundAddrToUDP(bound)
	if err != nil {
		control.Close()
		return nil, err
	}

	relay, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	return &connection{control: control, relay: relay}, nil
}

func boundAddrToUDP(b socks5.BoundAddr) (*net.UDPAddr, error) {
	switch b.ATYP {
	case socks5.ATYPIPv4:
		return &net.UDPAddr{IP: net.IP(b.IP[:4]), Port: int(b.Port)}, nil
	case socks5.ATYPIPv6:
		ip := make(net.IP, 16)
		copy(ip, b.IP[:])
		return &net.UDPAddr{IP: ip, Port: int(b.Port)}, nil
	case socks5.ATYPDomain:
		ips, err := net.LookupIP(b.Domain)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("resolve relay domain %q: %w", b.Domain, err)
		}
		return &net.UDPAddr{IP: ips[0], Port: int(b.Port)}, nil
	default:
		return nil, fmt.Errorf("unsupported relay atyp %d", b.ATYP)
	}
}

// readerTask drains the relay socket and writes synthesized UDP
// datagrams back to the tunnel until the socket is closed.
func (p *Proxy) readerTask(ctx context.Context, key conntable.FiveTuple, conn *connection) {
	defer recovery.RecoverWithLog(p.logger, "udp-reader")

	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := conn.relay.Read(buf)
		if err != nil {
			return
		}

		ip, port, payload, err := socks5.Decap(buf[:n])
		if err != nil {
			logging.Verbose(p.logger, "dropping invalid udp wrapper", logging.KeyReason, err.Error())
			continue
		}

		srcIP, ok := to4(ip)
		if !ok {
			continue // IPv6 relay source cannot be represented on an IPv4 TUN
		}

		id := p.ipID.next()
		pkt := packet.BuildUDP(id, srcIP, key.SrcAddr, port, key.SrcPort, payload)
		if err := p.tunnel.WritePacket(pkt); err != nil {
			p.logger.Error("tunnel write failed", logging.KeyReason, err.Error())
			continue
		}

		if entry, ok := p.table.Get(key); ok {
			entry.AddStats(p.clock.Now(), 0, uint64(len(payload)))
			p.table.AddBytes(0, uint64(len(payload)))
		}
	}
}

func to4(ip net.IP) ([4]byte, bool) {
	var out [4]byte
	v4 := ip.To4()
	if v4 == nil {
		return out, false
	}
	copy(out[:], v4)
	return out, true
}

// Evict removes UDP ASSOCIATE connections idle past cfg.IdleTimeout.
func (p *Proxy) Evict(now time.Time) {
	removed := p.table.Evict(func(e *conntable.Entry[*connection]) bool {
		return now.Sub(e.LastActivityAt()) > p.cfg.IdleTimeout
	})
	for _, conn := range removed {
		conn.Close()
	}
}

// CloseAll tears down every UDP ASSOCIATE connection.
func (p *Proxy) CloseAll() {
	p.table.CloseAll()
}

// idCounter hands out monotonically increasing IPv4 identification
// values, mirroring tcpproxy's.
type idCounter struct {
	mu sync.Mutex
	n  uint16
}

func (c *idCounter) next() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}
