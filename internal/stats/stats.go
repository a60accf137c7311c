// Package stats exposes a read-only snapshot of connection-table
// aggregates, pulled from TcpProxy and UdpProxy rather than maintained
// as a separate set of counters.
package stats

import (
	"github.com/badscrew/selfproxy/internal/tcpproxy"
	"github.com/badscrew/selfproxy/internal/udpproxy"
)

// Snapshot is the read-only statistics surface named in §3/§6: total
// and active connection counts plus cumulative byte counters. total*
// never decreases; active* reflects current table size.
//
// This implementation only ever creates UDP-ASSOCIATE table records
// (the DNS fast path is deliberately table-less, per the UdpProxy
// design), so TotalUdp/ActiveUdp and TotalUdpAssociate/ActiveUdpAssociate
// report the same underlying counters rather than tracking a second,
// always-identical pair.
type Snapshot struct {
	TotalTcp             int64
	ActiveTcp            int
	TotalUdp             int64
	ActiveUdp            int
	TotalUdpAssociate    int64
	ActiveUdpAssociate   int
	BytesSent            uint64
	BytesReceived        uint64
}

// Source reports the aggregates a Snapshot is built from. TcpProxy and
// UdpProxy both satisfy it.
type Source interface {
	ActiveCount() int
	TotalCount() int64
}

// ByteSource additionally reports cumulative bytes moved, summed across
// every connection (open or closed) the proxy has ever served.
type ByteSource interface {
	Source
	BytesSent() uint64
	BytesReceived() uint64
}

// Collector takes a snapshot of the router's two proxies on demand. It
// holds no state of its own; every call recomputes from the proxies'
// live counters.
type Collector struct {
	tcp *tcpproxy.Proxy
	udp *udpproxy.Proxy
}

// New builds a Collector over the given proxies.
func New(tcp *tcpproxy.Proxy, udp *udpproxy.Proxy) *Collector {
	return &Collector{tcp: tcp, udp: udp}
}

// Snapshot returns the current aggregate counters.
func (c *Collector) Snapshot() Snapshot {
	udpActive := c.udp.ActiveCount()
	udpTotal := c.udp.TotalCount()
	return Snapshot{
		TotalTcp:           c.tcp.TotalCount(),
		ActiveTcp:          c.tcp.ActiveCount(),
		TotalUdp:           udpTotal,
		ActiveUdp:          udpActive,
		TotalUdpAssociate:  udpTotal,
		ActiveUdpAssociate: udpActive,
		BytesSent:          c.tcp.BytesSent() + c.udp.BytesSent(),
		BytesReceived:      c.tcp.BytesReceived() + c.udp.BytesReceived(),
	}
}
