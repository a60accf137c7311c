package udpproxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/badscrew/selfproxy/internal/clock"
	"github.com/badscrew/selfproxy/internal/conntable"
	"github.com/badscrew/selfproxy/internal/packet"
)

func buildDNSQuery(t *testing.T, name string) []byte {
	t.Helper()
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{ID: 1, RecursionDesired: true},
		Questions: []dnsmessage.Question{{
			Name:  dnsmessage.MustNewName(name),
			Type:  dnsmessage.TypeA,
			Class: dnsmessage.ClassINET,
		}},
	}
	packed, err := msg.Pack()
	if err != nil {
		t.Fatalf("pack dns query: %v", err)
	}
	return packed
}

// startFakeDNSSocks5 accepts one SOCKS5 CONNECT handshake and then
// services a single length-prefixed DNS-over-TCP exchange.
func startFakeDNSSocks5(t *testing.T, response []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		io.ReadFull(conn, make([]byte, 3))
		conn.Write([]byte{0x05, 0x00})

		head := make([]byte, 4)
		io.ReadFull(conn, head)
		switch head[3] {
		case 0x01:
			io.ReadFull(conn, make([]byte, 4+2))
		case 0x03:
			lenBuf := make([]byte, 1)
			io.ReadFull(conn, lenBuf)
			io.ReadFull(conn, make([]byte, int(lenBuf[0])+2))
		}
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

		lenBuf := make([]byte, 2)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return
		}
		qlen := int(lenBuf[0])<<8 | int(lenBuf[1])
		io.ReadFull(conn, make([]byte, qlen))

		respLen := []byte{byte(len(response) >> 8), byte(len(response))}
		conn.Write(respLen)
		conn.Write(response)
	}()

	return ln.Addr().String()
}

func dnsKey() conntable.FiveTuple {
	return conntable.FiveTuple{
		Protocol: conntable.ProtoUDP,
		SrcAddr:  [4]byte{10, 0, 0, 2},
		SrcPort:  54321,
		DstAddr:  [4]byte{8, 8, 8, 8},
		DstPort:  53,
	}
}

func TestHandleDatagram_DNSFastPath(t *testing.T) {
	response := buildDNSQuery(t, "example.com.")
	endpoint := startFakeDNSSocks5(t, response)

	tunnel := newFakeTunnel()
	p := New(testConfig(endpoint), tunnel, clock.New(), clock.GoScheduler{}, nil)
	t.Cleanup(p.CloseAll)

	query := buildDNSQuery(t, "example.com.")
	p.HandleDatagram(context.Background(), dnsKey(), query)

	pkt := tunnel.next(t)
	ipHdr, seg, err := packet.ParseIPv4(pkt)
	if err != nil {
		t.Fatalf("ParseIPv4: %v", err)
	}
	udpHdr, payload, err := packet.ParseUDP(seg)
	if err != nil {
		t.Fatalf("ParseUDP: %v", err)
	}
	key := dnsKey()
	if ipHdr.SrcIP != key.DstAddr || ipHdr.DstIP != key.SrcAddr {
		t.Errorf("addrs not swapped: src=%v dst=%v", ipHdr.SrcIP, ipHdr.DstIP)
	}
	if udpHdr.SrcPort != 53 || udpHdr.DstPort != key.SrcPort {
		t.Errorf("ports = %d/%d, want 53/%d", udpHdr.SrcPort, udpHdr.DstPort, key.SrcPort)
	}
	if string(payload) != string(response) {
		t.Errorf("payload len = %d, want %d", len(payload), len(response))
	}
	if p.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0 (dns fast path bypasses the table)", p.ActiveCount())
	}
}

func (f *fakeTunnel) nextTimeout(t *testing.T, d time.Duration) ([]byte, bool) {
	t.Helper()
	select {
	case pkt := <-f.packets:
		return pkt, true
	case <-time.After(d):
		return nil, false
	}
}

func TestHandleDatagram_DNSDialFailureDropsSilently(t *testing.T) {
	// Nothing listens on this port, so the dial itself fails fast.
	tunnel := newFakeTunnel()
	p := New(testConfig("127.0.0.1:1"), tunnel, clock.New(), clock.GoScheduler{}, nil)
	t.Cleanup(p.CloseAll)
	p.cfg.HandshakeTimeout = 200 * time.Millisecond

	p.HandleDatagram(context.Background(), dnsKey(), buildDNSQuery(t, "example.com."))

	if pkt, ok := tunnel.nextTimeout(t, 500*time.Millisecond); ok {
		t.Fatalf("expected no tunnel write, got % x", pkt)
	}
}

func TestLooksLikeDNSQuery(t *testing.T) {
	valid := buildDNSQuery(t, "example.com.")
	if !looksLikeDNSQuery(valid) {
		t.Error("expected valid dns query to pass")
	}
	if looksLikeDNSQuery([]byte{0x01, 0x02}) {
		t.Error("expected garbage to fail")
	}
	if looksLikeDNSQuery(nil) {
		t.Error("expected empty payload to fail")
	}
}
