package routeagg

import "net"

// canonicalIP normalizes an IP to its shortest representation (4 bytes for
// v4, 16 for v6) so prefix-length arithmetic is consistent regardless of
// how the caller produced the net.IP.
func canonicalIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// canonicalPrefix computes ip & mask(prefixLen) at the given length,
// spec.md §4.3 step 1.
func canonicalPrefix(ip net.IP, prefixLen int) *net.IPNet {
	ip = canonicalIP(ip)
	mask := net.CIDRMask(prefixLen, len(ip)*8)
	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}
}

// overlaps reports whether two CIDR blocks share any address. Because CIDR
// blocks are power-of-two aligned, two blocks either nest (one fully
// contains the other) or are disjoint — never partially overlap.
func overlaps(a, b *net.IPNet) bool {
	if len(a.IP) != len(b.IP) {
		return false
	}
	aLen, _ := a.Mask.Size()
	bLen, _ := b.Mask.Size()
	if aLen <= bLen {
		return a.Contains(b.IP)
	}
	return b.Contains(a.IP)
}

// containsNet reports whether outer fully contains inner.
func containsNet(outer, inner *net.IPNet) bool {
	if len(outer.IP) != len(inner.IP) {
		return false
	}
	outerLen, _ := outer.Mask.Size()
	innerLen, _ := inner.Mask.Size()
	if outerLen > innerLen {
		return false
	}
	return outer.Contains(inner.IP)
}

// subtractCIDR returns the minimal set of CIDR blocks covering super minus
// sub, via the standard buddy-system tiling: walk up from sub's prefix
// length to super's, taking the sibling block not containing sub at each
// level. sub must be contained in super (including sub == super, which
// yields no pieces).
func subtractCIDR(super, sub *net.IPNet) []*net.IPNet {
	superLen, bits := super.Mask.Size()
	subLen, _ := sub.Mask.Size()

	var pieces []*net.IPNet
	cur := append(net.IP(nil), sub.IP...)

	for length := subLen; length > superLen; length-- {
		sibling := append(net.IP(nil), cur...)
		flipBit(sibling, length-1)
		siblingMask := net.CIDRMask(length, bits)
		pieces = append(pieces, &net.IPNet{IP: sibling.Mask(siblingMask), Mask: siblingMask})

		parentMask := net.CIDRMask(length-1, bits)
		cur = cur.Mask(parentMask)
	}
	return pieces
}

// flipBit flips the bit at bitIndex (0 = most significant bit of ip[0]).
func flipBit(ip net.IP, bitIndex int) {
	byteIdx := bitIndex / 8
	if byteIdx >= len(ip) {
		return
	}
	bitInByte := 7 - (bitIndex % 8)
	ip[byteIdx] ^= 1 << uint(bitInByte)
}
