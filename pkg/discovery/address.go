package discovery

import (
	"net"
	"sort"
)

// SortIPsByPreference orders addresses most dialable first:
//
//  1. Global unicast IPv6
//  2. Unique local IPv6 (fc00::/7)
//  3. IPv4
//  4. Link-local IPv6
//
// mDNS answers list link-local IPv6 prominently, but net.Dial needs a
// zone for those, so plain IPv4 outranks them here.
func SortIPsByPreference(ips []net.IP) []net.IP {
	if len(ips) <= 1 {
		return ips
	}

	sorted := make([]net.IP, len(ips))
	copy(sorted, ips)

	sort.SliceStable(sorted, func(i, j int) bool {
		return ipPriority(sorted[i]) < ipPriority(sorted[j])
	})

	return sorted
}

// ipPriority returns the priority of an IP address (lower is better).
func ipPriority(ip net.IP) int {
	ip16 := ip.To16()
	if ip16 == nil {
		return 99 // Invalid
	}

	if ip.IsLoopback() {
		return 80
	}
	if ip.IsMulticast() {
		return 90
	}

	if ip16.To4() != nil {
		return 2
	}

	if isUniqueLocal(ip16) {
		return 1
	}
	if ip16.IsLinkLocalUnicast() {
		return 3
	}
	if ip16.IsGlobalUnicast() {
		return 0
	}

	return 10
}

// isUniqueLocal returns true if the IP is an IPv6 Unique Local Address.
// ULA range: fc00::/7 (fc00:: to fdff::).
func isUniqueLocal(ip net.IP) bool {
	ip = ip.To16()
	if ip == nil {
		return false
	}
	return ip[0] == 0xfc || ip[0] == 0xfd
}

// FilterIPv6 returns only IPv6 addresses from the slice.
func FilterIPv6(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() == nil && ip.To16() != nil {
			result = append(result, ip)
		}
	}
	return result
}

// FilterIPv4 returns only IPv4 addresses from the slice.
func FilterIPv4(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			result = append(result, ip)
		}
	}
	return result
}
