package packet

import (
	"encoding/binary"
	"fmt"
)

const tcpMinHeaderLen = 20

// TCP flag bits.
const (
	TCPFlagFIN uint8 = 1 << 0
	TCPFlagSYN uint8 = 1 << 1
	TCPFlagRST uint8 = 1 << 2
	TCPFlagPSH uint8 = 1 << 3
	TCPFlagACK uint8 = 1 << 4
	TCPFlagURG uint8 = 1 << 5
)

// TCPHeader is the subset of the TCP header the router acts on.
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
}

// ParseTCP parses a TCP header from segment (the IP payload). It returns
// the header and the TCP payload (the bytes past the data offset).
func ParseTCP(segment []byte) (TCPHeader, []byte, error) {
	var h TCPHeader
	if len(segment) < tcpMinHeaderLen {
		return h, nil, fmt.Errorf("%w: short tcp header (%d bytes)", ErrMalformed, len(segment))
	}

	dataOffsetWords := int(segment[12] >> 4)
	dataOffset := dataOffsetWords * 4
	if dataOffsetWords < 5 || dataOffset > len(segment) {
		return h, nil, fmt.Errorf("%w: bad tcp data offset %d for %d-byte segment", ErrMalformed, dataOffsetWords, len(segment))
	}

	h.SrcPort = binary.BigEndian.Uint16(segment[0:2])
	h.DstPort = binary.BigEndian.Uint16(segment[2:4])
	h.Seq = binary.BigEndian.Uint32(segment[4:8])
	h.Ack = binary.BigEndian.Uint32(segment[8:12])
	h.Flags = segment[13] & 0x3f
	h.Window = binary.BigEndian.Uint16(segment[14:16])

	return h, segment[dataOffset:], nil
}

func (h TCPHeader) Has(flag uint8) bool { return h.Flags&flag != 0 }

// SeqLessThan implements the serial-number comparison from RFC 1982 /
// spec §9: a is considered "before" b under 32-bit wraparound iff their
// unsigned difference has the high bit set.
func SeqLessThan(a, b uint32) bool {
	return int32(a-b) < 0
}
