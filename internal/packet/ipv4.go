// Package packet implements pure, allocation-minimal parsing and
// synthesis of IPv4, TCP, and UDP headers, including checksum
// computation. Every function here is pure: no I/O, no shared state,
// operating only on the byte slices it is given.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol numbers, per IANA.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

const (
	ipv4MinHeaderLen = 20
	ipv4Version      = 4
)

// ErrMalformed is returned by every Parse* function when the input is
// too short, internally inconsistent, or violates a length invariant.
// It is never wrapped around a more specific cause: the only appropriate
// response to a malformed packet is to drop it and log verbose (spec §7).
var ErrMalformed = errors.New("packet: malformed")

// IPv4Header is the subset of the IPv4 header the router cares about.
// Options, if present, are skipped (only their length is accounted for
// via IHL).
type IPv4Header struct {
	IHL      int // header length in bytes (IHL words * 4)
	TotalLen int // total packet length, including header
	TTL      uint8
	Protocol uint8
	SrcIP    [4]byte
	DstIP    [4]byte
}

// ParseIPv4 parses an IPv4 header from the start of pkt. It returns the
// header and the payload (the transport segment, possibly including IP
// options padding already skipped). Checksum validation is not
// performed on ingress per spec §4.1 — most TUN stacks have already
// validated it.
func ParseIPv4(pkt []byte) (IPv4Header, []byte, error) {
	var h IPv4Header
	if len(pkt) < ipv4MinHeaderLen {
		return h, nil, fmt.Errorf("%w: short ipv4 header (%d bytes)", ErrMalformed, len(pkt))
	}

	version := pkt[0] >> 4
	if version != ipv4Version {
		return h, nil, fmt.Errorf("%w: ip version %d", ErrMalformed, version)
	}

	ihlWords := int(pkt[0] & 0x0f)
	ihl := ihlWords * 4
	if ihlWords < 5 || ihl > len(pkt) {
		return h, nil, fmt.Errorf("%w: bad IHL %d for %d-byte packet", ErrMalformed, ihlWords, len(pkt))
	}

	totalLen := int(binary.BigEndian.Uint16(pkt[2:4]))
	if totalLen > len(pkt) {
		return h, nil, fmt.Errorf("%w: total length %d exceeds packet length %d", ErrMalformed, totalLen, len(pkt))
	}
	if totalLen < ihl {
		return h, nil, fmt.Errorf("%w: total length %d shorter than header %d", ErrMalformed, totalLen, ihl)
	}

	h.IHL = ihl
	h.TotalLen = totalLen
	h.TTL = pkt[8]
	h.Protocol = pkt[9]
	copy(h.SrcIP[:], pkt[12:16])
	copy(h.DstIP[:], pkt[16:20])

	return h, pkt[ihl:totalLen], nil
}
