package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ErrInvalidWrapper is returned by Decap when RSV, FRAG, or ATYP is not
// one this implementation accepts, or the packet is truncated. Per
// spec it is a "drop", never a protocol error worth surfacing upward.
var ErrInvalidWrapper = errors.New("socks5: invalid udp wrapper")

// Encap prepends the SOCKS5 UDP relay header (RFC 1928 §7) for the
// given destination to payload. Fragmentation is never used (FRAG=0).
func Encap(ip net.IP, port uint16, payload []byte) ([]byte, error) {
	addr, err := encodeWrapperAddr(ip)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 3+len(addr)+2+len(payload))
	buf = append(buf, 0x00, 0x00, 0x00) // RSV, RSV, FRAG
	buf = append(buf, addr...)
	buf = binary.BigEndian.AppendUint16(buf, port)
	buf = append(buf, payload...)
	return buf, nil
}

func encodeWrapperAddr(ip net.IP) ([]byte, error) {
	if v4 := ip.To4(); v4 != nil {
		return append([]byte{ATYPIPv4}, v4...), nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil, fmt.Errorf("socks5: invalid ip %v for udp wrapper", ip)
	}
	return append([]byte{ATYPIPv6}, v6...), nil
}

// Decap validates and strips a SOCKS5 UDP relay header, returning the
// inner source address, port, and payload. It rejects any RSV, FRAG, or
// ATYP it does not recognize, and any packet too short for its ATYP.
func Decap(pkt []byte) (ip net.IP, port uint16, payload []byte, err error) {
	if len(pkt) < 10 {
		return nil, 0, nil, fmt.Errorf("%w: too short (%d bytes)", ErrInvalidWrapper, len(pkt))
	}
	if pkt[0] != 0x00 || pkt[1] != 0x00 {
		return nil, 0, nil, fmt.Errorf("%w: rsv = %02x%02x", ErrInvalidWrapper, pkt[0], pkt[1])
	}
	if pkt[2] != 0x00 {
		return nil, 0, nil, fmt.Errorf("%w: frag = %02x", ErrInvalidWrapper, pkt[2])
	}

	atyp := pkt[3]
	rest := pkt[4:]

	switch atyp {
	case ATYPIPv4:
		if len(rest) < 4+2 {
			return nil, 0, nil, fmt.Errorf("%w: truncated ipv4 wrapper", ErrInvalidWrapper)
		}
		ip = net.IP(append([]byte(nil), rest[:4]...))
		port = binary.BigEndian.Uint16(rest[4:6])
		payload = rest[6:]
	case ATYPIPv6:
		if len(rest) < 16+2 {
			return nil, 0, nil, fmt.Errorf("%w: truncated ipv6 wrapper", ErrInvalidWrapper)
		}
		ip = net.IP(append([]byte(nil), rest[:16]...))
		port = binary.BigEndian.Uint16(rest[16:18])
		payload = rest[18:]
	default:
		return nil, 0, nil, fmt.Errorf("%w: atyp %d", ErrInvalidWrapper, atyp)
	}

	return ip, port, payload, nil
}
