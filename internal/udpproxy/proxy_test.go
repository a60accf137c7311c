package udpproxy

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/badscrew/selfproxy/internal/clock"
	"github.com/badscrew/selfproxy/internal/conntable"
	"github.com/badscrew/selfproxy/internal/packet"
	"github.com/badscrew/selfproxy/internal/socks5"
)

type fakeTunnel struct {
	packets chan []byte
}

func newFakeTunnel() *fakeTunnel {
	return &fakeTunnel{packets: make(chan []byte, 16)}
}

func (f *fakeTunnel) WritePacket(pkt []byte) error {
	f.packets <- append([]byte(nil), pkt...)
	return nil
}

func (f *fakeTunnel) next(t *testing.T) []byte {
	t.Helper()
	select {
	case pkt := <-f.packets:
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tunnel write")
		return nil
	}
}

// fakeAssociateServer accepts SOCKS5 UDP ASSOCIATE handshakes and hands
// back a UDP socket standing in for the proxy's relay endpoint.
type fakeAssociateServer struct {
	endpoint   string
	handshakes atomic.Int64
	relays     chan *net.UDPConn
}

func startFakeAssociateServer(t *testing.T) *fakeAssociateServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	s := &fakeAssociateServer{endpoint: ln.Addr().String(), relays: make(chan *net.UDPConn, 8)}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()

	return s
}

func (s *fakeAssociateServer) serve(conn net.Conn) {
	defer conn.Close()

	greeting := make([]byte, 3)
	if _, err := io.ReadFull(conn, greeting); err != nil {
		return
	}
	conn.Write([]byte{0x05, 0x00})

	head := make([]byte, 4+4+2) // VER CMD RSV ATYP + ipv4 addr + port
	if _, err := io.ReadFull(conn, head); err != nil {
		return
	}

	relay, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		return
	}
	s.handshakes.Add(1)
	s.relays <- relay

	relayAddr := relay.LocalAddr().(*net.UDPAddr)
	reply := []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, byte(relayAddr.Port >> 8), byte(relayAddr.Port)}
	conn.Write(reply)

	// Keep the control connection open until the test is done with it;
	// closing it would tear down the association.
	io.Copy(io.Discard, conn)
}

func testConfig(endpoint string) Config {
	return Config{
		SocksEndpoint:    endpoint,
		HandshakeTimeout: 2 * time.Second,
		IdleTimeout:      2 * time.Minute,
		DNSTimeout:       2 * time.Second,
		TunnelMTU:        1500,
	}
}

func udpKey() conntable.FiveTuple {
	return conntable.FiveTuple{
		Protocol: conntable.ProtoUDP,
		SrcAddr:  [4]byte{10, 0, 0, 2},
		SrcPort:  55555,
		DstAddr:  [4]byte{93, 184, 216, 34},
		DstPort:  443,
	}
}

func TestHandleDatagram_CreatesAssociationAndSends(t *testing.T) {
	server := startFakeAssociateServer(t)
	tunnel := newFakeTunnel()
	p := New(testConfig(server.endpoint), tunnel, clock.New(), clock.GoScheduler{}, nil)
	t.Cleanup(p.CloseAll)

	key := udpKey()
	payload := []byte("hello")
	p.HandleDatagram(context.Background(), key, payload)

	var relay *net.UDPConn
	select {
	case relay = <-server.relays:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay socket")
	}

	buf := make([]byte, 2048)
	relay.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := relay.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("relay read: %v", err)
	}

	ip, port, got, err := socks5.Decap(buf[:n])
	if err != nil {
		t.Fatalf("Decap: %v", err)
	}
	if !ip.Equal(net.IP(key.DstAddr[:])) || port != key.DstPort {
		t.Errorf("wrapper addr = %v:%d, want %v:%d", ip, port, net.IP(key.DstAddr[:]), key.DstPort)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
	if p.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", p.ActiveCount())
	}
}

func TestHandleDatagram_ReuseCreatesOnlyOneAssociation(t *testing.T) {
	server := startFakeAssociateServer(t)
	tunnel := newFakeTunnel()
	p := New(testConfig(server.endpoint), tunnel, clock.New(), clock.GoScheduler{}, nil)
	t.Cleanup(p.CloseAll)

	key := udpKey()
	p.HandleDatagram(context.Background(), key, make([]byte, 100))
	relay := <-server.relays

	buf := make([]byte, 2048)
	relay.SetReadDeadline(time.Now().Add(2 * time.Second))
	relay.ReadFromUDP(buf) // drain the first datagram

	p.HandleDatagram(context.Background(), key, make([]byte, 200))
	p.HandleDatagram(context.Background(), key, make([]byte, 300))

	for i := 0; i < 2; i++ {
		relay.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := relay.ReadFromUDP(buf); err != nil {
			t.Fatalf("relay read %d: %v", i, err)
		}
	}

	if server.handshakes.Load() != 1 {
		t.Errorf("handshakes = %d, want 1", server.handshakes.Load())
	}
	if p.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", p.ActiveCount())
	}
}

func TestReaderTask_DeliversReplyToTunnel(t *testing.T) {
	server := startFakeAssociateServer(t)
	tunnel := newFakeTunnel()
	p := New(testConfig(server.endpoint), tunnel, clock.New(), clock.GoScheduler{}, nil)
	t.Cleanup(p.CloseAll)

	key := udpKey()
	p.HandleDatagram(context.Background(), key, []byte("first"))
	relay := <-server.relays

	buf := make([]byte, 2048)
	relay.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, clientAddr, err := relay.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("relay read: %v", err)
	}

	reply, err := socks5.Encap(net.IP(key.DstAddr[:]), key.DstPort, []byte("pong"))
	if err != nil {
		t.Fatalf("Encap: %v", err)
	}
	if _, err := relay.WriteToUDP(reply, clientAddr); err != nil {
		t.Fatalf("relay write: %v", err)
	}

	pkt := tunnel.next(t)
	ipHdr, seg, err := packet.ParseIPv4(pkt)
	if err != nil {
		t.Fatalf("ParseIPv4: %v", err)
	}
	udpHdr, payload, err := packet.ParseUDP(seg)
	if err != nil {
		t.Fatalf("ParseUDP: %v", err)
	}
	if ipHdr.SrcIP != key.DstAddr || ipHdr.DstIP != key.SrcAddr {
		t.Errorf("addrs not swapped: src=%v dst=%v", ipHdr.SrcIP, ipHdr.DstIP)
	}
	if udpHdr.SrcPort != key.DstPort || udpHdr.DstPort != key.SrcPort {
		t.Errorf("ports = %d/%d, want %d/%d", udpHdr.SrcPort, udpHdr.DstPort, key.DstPort, key.SrcPort)
	}
	if string(payload) != "pong" {
		t.Errorf("payload = %q, want pong", payload)
	}
}

func TestEvict_RemovesIdleAssociation(t *testing.T) {
	server := startFakeAssociateServer(t)
	tunnel := newFakeTunnel()
	p := New(testConfig(server.endpoint), tunnel, clock.New(), clock.GoScheduler{}, nil)
	t.Cleanup(p.CloseAll)

	key := udpKey()
	p.HandleDatagram(context.Background(), key, []byte("x"))
	<-server.relays

	entry, ok := p.table.Get(key)
	if !ok {
		t.Fatal("expected table entry")
	}
	entry.AddStats(time.Now().Add(-3*time.Minute), 0, 0)

	p.Evict(time.Now())
	if p.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0 after idle eviction", p.ActiveCount())
	}
}
