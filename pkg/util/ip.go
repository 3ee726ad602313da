package util

import (
	"fmt"
	"net"
)

// Kernel MTU limits for the link types NetworkManager manages.
const (
	MinMTU = 68
	MaxMTU = 65535
)

// IsValidIPv4 checks if a string is a valid IPv4 address
func IsValidIPv4(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	return ip != nil && ip.To4() != nil
}

// IsValidIPv6 checks if a string is an IPv6 address. IPv4-mapped forms
// are rejected.
func IsValidIPv6(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	return ip != nil && ip.To4() == nil
}

// ValidateAddress checks an address and prefix length for the given
// family (4 or 6).
func ValidateAddress(family int, addr string, prefix uint32) error {
	switch family {
	case 4:
		if !IsValidIPv4(addr) {
			return fmt.Errorf("invalid IPv4 address: %q", addr)
		}
		if prefix > 32 {
			return fmt.Errorf("IPv4 prefix must be at most 32, got %d", prefix)
		}
	case 6:
		if !IsValidIPv6(addr) {
			return fmt.Errorf("invalid IPv6 address: %q", addr)
		}
		if prefix > 128 {
			return fmt.Errorf("IPv6 prefix must be at most 128, got %d", prefix)
		}
	default:
		return fmt.Errorf("unknown address family %d", family)
	}
	return nil
}

// ValidateMTU checks an MTU. Zero means automatic and is accepted.
func ValidateMTU(mtu uint32) error {
	if mtu != 0 && (mtu < MinMTU || mtu > MaxMTU) {
		return fmt.Errorf("MTU must be between %d and %d, got %d", MinMTU, MaxMTU, mtu)
	}
	return nil
}

// ValidateVLANID checks an 802.1Q VLAN ID.
func ValidateVLANID(id uint32) error {
	if id > 4094 {
		return fmt.Errorf("VLAN ID must be between 0 and 4094, got %d", id)
	}
	return nil
}
