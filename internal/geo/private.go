package geo

import "net/netip"

// isPrivateAddress reports whether addr is a non-routable address that
// must never reach the upstream resolver: RFC 1918 and unique-local
// ranges, loopback, link-local, and the unspecified address.
func isPrivateAddress(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
