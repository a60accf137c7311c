package packet

import "encoding/binary"

// sum16 computes the one's-complement sum of b interpreted as a sequence
// of 16-bit big-endian words, zero-padding an odd trailing byte. It does
// not fold the result — callers combine several sums (e.g. pseudo-header
// plus payload) before folding once.
func sum16(b []byte) uint32 {
	var sum uint32
	n := len(b)
	i := 0
	for ; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if i < n {
		sum += uint32(b[i]) << 8
	}
	return sum
}

// foldChecksum folds a 32-bit accumulator into the final one's-complement
// 16-bit checksum.
func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// pseudoHeaderSum computes the running sum of the IPv4 pseudo-header used
// by TCP and UDP checksums: src addr, dst addr, zero byte, protocol,
// and the transport-layer length.
func pseudoHeaderSum(srcIP, dstIP [4]byte, protocol uint8, length uint16) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(srcIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(srcIP[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

// ipv4Checksum computes the IPv4 header checksum over hdr (IHL*4 bytes,
// checksum field assumed zero or ignored — callers must zero it first).
func ipv4Checksum(hdr []byte) uint16 {
	return foldChecksum(sum16(hdr))
}

// transportChecksum computes the TCP/UDP checksum over the pseudo-header
// plus the transport segment (header+payload, with the checksum field
// already zeroed by the caller).
func transportChecksum(srcIP, dstIP [4]byte, protocol uint8, segment []byte) uint16 {
	sum := pseudoHeaderSum(srcIP, dstIP, protocol, uint16(len(segment)))
	sum += sum16(segment)
	return foldChecksum(sum)
}

// ValidateIPv4Checksum reports whether hdr's own checksum field is
// consistent with its contents: summing a correctly-checksummed header
// (checksum field included) always folds to 0xffff, so its complement,
// which foldChecksum returns, is 0.
func ValidateIPv4Checksum(hdr []byte) bool {
	return foldChecksum(sum16(hdr)) == 0
}

// ValidateTransportChecksum reports whether segment's TCP/UDP checksum
// field is consistent with the pseudo-header and contents. A UDP
// checksum of 0 (checksum disabled) always validates.
func ValidateTransportChecksum(srcIP, dstIP [4]byte, protocol uint8, segment []byte) bool {
	if protocol == ProtoUDP && len(segment) >= 8 && segment[6] == 0 && segment[7] == 0 {
		return true
	}
	sum := pseudoHeaderSum(srcIP, dstIP, protocol, uint16(len(segment)))
	sum += sum16(segment)
	return foldChecksum(sum) == 0
}
