package packet

import (
	"encoding/binary"
	"fmt"
)

const udpHeaderLen = 8

// UDPHeader is the parsed UDP header.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16 // as carried on the wire: header + payload
}

// ParseUDP parses a UDP header from segment (the IP payload). It returns
// the header and the UDP payload.
func ParseUDP(segment []byte) (UDPHeader, []byte, error) {
	var h UDPHeader
	if len(segment) < udpHeaderLen {
		return h, nil, fmt.Errorf("%w: short udp header (%d bytes)", ErrMalformed, len(segment))
	}

	length := binary.BigEndian.Uint16(segment[4:6])
	if length < udpHeaderLen || int(length) > len(segment) {
		return h, nil, fmt.Errorf("%w: bad udp length %d for %d-byte segment", ErrMalformed, length, len(segment))
	}

	h.SrcPort = binary.BigEndian.Uint16(segment[0:2])
	h.DstPort = binary.BigEndian.Uint16(segment[2:4])
	h.Length = length

	return h, segment[udpHeaderLen:length], nil
}
