package udpproxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/badscrew/selfproxy/internal/conntable"
	"github.com/badscrew/selfproxy/internal/logging"
	"github.com/badscrew/selfproxy/internal/packet"
	"github.com/badscrew/selfproxy/internal/socks5"
)

// handleDNS implements the DNS-over-TCP fast path (spec §4.5): a
// short-lived SOCKS5 CONNECT to the DNS server, length-prefixed query
// and response, and a single synthesized UDP reply. Any failure or
// timeout drops the reply silently, matching how a real resolver
// behaves when DNS simply doesn't answer.
func (p *Proxy) handleDNS(ctx context.Context, key conntable.FiveTuple, query []byte) {
	if !looksLikeDNSQuery(query) {
		logging.Verbose(p.logger, "dropping malformed dns query", logging.KeySrcPort, key.SrcPort)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	conn, err := p.dialer.DialContext(dialCtx, "tcp", p.cfg.SocksEndpoint)
	cancel()
	if err != nil {
		logging.Verbose(p.logger, "dns fast path dial failed", logging.KeyReason, err.Error())
		return
	}
	defer conn.Close()

	dnsHost := net.IP(key.DstAddr[:]).String()
	if err := socks5.Greet(conn, p.cfg.HandshakeTimeout); err != nil {
		logging.Verbose(p.logger, "dns fast path greeting failed", logging.KeyReason, err.Error())
		return
	}
	if _, err := socks5.Connect(conn, dnsHost, key.DstPort, p.cfg.HandshakeTimeout); err != nil {
		logging.Verbose(p.logger, "dns fast path connect failed", logging.KeyReason, err.Error())
		return
	}

	if err := conn.SetDeadline(p.clock.Now().Add(p.cfg.DNSTimeout)); err != nil {
		return
	}

	if err := writeLengthPrefixed(conn, query); err != nil {
		logging.Verbose(p.logger, "dns fast path write failed", logging.KeyReason, err.Error())
		return
	}

	response, err := readLengthPrefixed(conn)
	if err != nil {
		logging.Verbose(p.logger, "dns fast path read failed", logging.KeyReason, err.Error())
		return
	}

	id := p.ipID.next()
	pkt := packet.BuildUDP(id, key.DstAddr, key.SrcAddr, key.DstPort, key.SrcPort, response)
	if err := p.tunnel.WritePacket(pkt); err != nil {
		p.logger.Error("tunnel write failed", logging.KeyReason, err.Error())
	}
}

func writeLengthPrefixed(w io.Writer, payload []byte) error {
	if len(payload) > 0xffff {
		return fmt.Errorf("dns message too large (%d bytes)", len(payload))
	}
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(payload)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(lenBuf)
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// looksLikeDNSQuery reports whether query parses as a structurally
// valid DNS message header+question, dropping obviously garbage
// datagrams before spending a SOCKS5 round trip on them.
func looksLikeDNSQuery(query []byte) bool {
	var parser dnsmessage.Parser
	if _, err := parser.Start(query); err != nil {
		return false
	}
	if _, err := parser.AllQuestions(); err != nil {
		return false
	}
	return true
}
