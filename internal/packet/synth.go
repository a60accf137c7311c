package packet

import "encoding/binary"

const (
	ipv4FlagDF       = 0x4000 // don't-fragment bit, set in the flags/fragment-offset field
	synthTTL  uint8  = 64
)

// writeIPv4Header fills the first 20 bytes of buf with an IPv4 header for
// a totalLen-byte datagram, header checksum included, in place.
// buf must be at least 20 bytes and totalLen-sized overall.
func writeIPv4Header(buf []byte, id uint16, totalLen int, protocol uint8, srcIP, dstIP [4]byte) {
	buf[0] = (ipv4Version << 4) | 5 // IHL = 5 words, no options
	buf[1] = 0                      // DSCP/ECN
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], ipv4FlagDF)
	buf[8] = synthTTL
	buf[9] = protocol
	binary.BigEndian.PutUint16(buf[10:12], 0) // checksum, filled below
	copy(buf[12:16], srcIP[:])
	copy(buf[16:20], dstIP[:])

	ck := ipv4Checksum(buf[0:20])
	binary.BigEndian.PutUint16(buf[10:12], ck)
}

// BuildTCP synthesizes a complete IPv4 datagram carrying a single TCP
// segment with the given flags, sequence/ack numbers, window, and
// payload. id is the caller-assigned IPv4 identification value (spec
// requires monotonically assigned IDs; the codec stays pure and takes it
// as input rather than holding a counter).
func BuildTCP(id uint16, srcIP, dstIP [4]byte, srcPort, dstPort uint16, seq, ack uint32, flags uint8, window uint16, payload []byte) []byte {
	const tcpHdrLen = 20
	totalLen := ipv4MinHeaderLen + tcpHdrLen + len(payload)
	buf := make([]byte, totalLen)

	writeIPv4Header(buf, id, totalLen, ProtoTCP, srcIP, dstIP)

	tcp := buf[ipv4MinHeaderLen:]
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	binary.BigEndian.PutUint32(tcp[8:12], ack)
	tcp[12] = 5 << 4 // data offset = 5 words, no options
	tcp[13] = flags & 0x3f
	binary.BigEndian.PutUint16(tcp[14:16], window)
	binary.BigEndian.PutUint16(tcp[16:18], 0) // checksum, filled below
	binary.BigEndian.PutUint16(tcp[18:20], 0) // urgent pointer
	copy(tcp[tcpHdrLen:], payload)

	ck := transportChecksum(srcIP, dstIP, ProtoTCP, tcp)
	binary.BigEndian.PutUint16(tcp[16:18], ck)

	return buf
}

// BuildUDP synthesizes a complete IPv4 datagram carrying a single UDP
// datagram.
func BuildUDP(id uint16, srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := udpHeaderLen + len(payload)
	totalLen := ipv4MinHeaderLen + udpLen
	buf := make([]byte, totalLen)

	writeIPv4Header(buf, id, totalLen, ProtoUDP, srcIP, dstIP)

	udp := buf[ipv4MinHeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	binary.BigEndian.PutUint16(udp[6:8], 0) // checksum, filled below
	copy(udp[udpHeaderLen:], payload)

	ck := transportChecksum(srcIP, dstIP, ProtoUDP, udp)
	if ck == 0 {
		ck = 0xffff // 0 means "no checksum" in UDP; avoid emitting that accidentally
	}
	binary.BigEndian.PutUint16(udp[6:8], ck)

	return buf
}
