// Package codec converts between NetworkManager's D-Bus wire representation
// and the logical values used by the model: IPv4/IPv6 literals, prefixes,
// hardware addresses, and connection settings bundles.
//
// IPv4 addresses travel as uint32 values whose byte order is that of the
// daemon's host. A Codec is created once, from the byte-order hint of the
// first reply received from the daemon, and threaded into every call that
// touches an IPv4 literal.
package codec

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/netconsole/netconsole/pkg/util"
)

// D-Bus message endianness flags (first byte of every message header).
const (
	LittleEndianFlag byte = 'l'
	BigEndianFlag    byte = 'B'
)

// Codec carries the daemon's byte order. The zero value is not usable;
// construct with New or FromEndianFlag.
type Codec struct {
	order binary.ByteOrder
}

// New returns a Codec using the given byte order for IPv4 values.
func New(order binary.ByteOrder) *Codec {
	if order == nil {
		order = binary.NativeEndian
	}
	return &Codec{order: order}
}

// FromEndianFlag returns a Codec for a D-Bus endianness flag.
// Unknown flags fall back to the local host's byte order.
func FromEndianFlag(flag byte) *Codec {
	switch flag {
	case LittleEndianFlag:
		return New(binary.LittleEndian)
	case BigEndianFlag:
		return New(binary.BigEndian)
	}
	return New(binary.NativeEndian)
}

// ByteOrder returns the codec's IPv4 byte order.
func (c *Codec) ByteOrder() binary.ByteOrder {
	return c.order
}

// ============================================================================
// IPv4
// ============================================================================

// IP4ToText renders a wire IPv4 value as a dotted quad.
func (c *Codec) IP4ToText(n uint32) string {
	var b [4]byte
	c.order.PutUint32(b[:], n)
	return net.IPv4(b[0], b[1], b[2], b[3]).String()
}

// IP4FromText parses a dotted quad into its wire value. An empty string
// encodes as 0.
func (c *Codec) IP4FromText(text string) (uint32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}
	ip := parseIP4(text)
	if ip == nil {
		return 0, util.NewValidationError(fmt.Sprintf("invalid IPv4 address %q", text))
	}
	return c.order.Uint32(ip), nil
}

func parseIP4(text string) net.IP {
	if strings.Contains(text, ":") {
		return nil
	}
	ip := net.ParseIP(text)
	if ip == nil {
		return nil
	}
	return ip.To4()
}

// ip4Masks lists the dotted netmask for every prefix length 0..32.
var ip4Masks = func() [33]string {
	var masks [33]string
	for i := range masks {
		masks[i] = net.IP(net.CIDRMask(i, 32)).String()
	}
	return masks
}()

// IP4Mask returns the canonical netmask text for a prefix length.
func IP4Mask(prefix int) string {
	if prefix < 0 || prefix > 32 {
		return ""
	}
	return ip4Masks[prefix]
}

// IP4PrefixFromText accepts either a prefix length ("24") or a contiguous
// netmask ("255.255.255.0").
func IP4PrefixFromText(text string) (uint32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, util.NewValidationError("prefix length or netmask is required")
	}
	if strings.Contains(text, ".") {
		ip := parseIP4(text)
		if ip == nil {
			return 0, util.NewValidationError(fmt.Sprintf("invalid netmask %q", text))
		}
		ones, bits := net.IPMask(ip).Size()
		if bits == 0 {
			return 0, util.NewValidationError(fmt.Sprintf("netmask %q is not contiguous", text))
		}
		return uint32(ones), nil
	}
	n, err := strconv.ParseUint(text, 10, 32)
	if err != nil || n > 32 {
		return 0, util.NewValidationError(fmt.Sprintf("invalid prefix length %q", text))
	}
	return uint32(n), nil
}

// ============================================================================
// IPv6
// ============================================================================

// IP6ToText renders a 16-byte address in RFC 5952 canonical form: lowercase
// hex groups without leading zeros, with the single longest run of two or
// more zero groups replaced by "::" (the leftmost run wins a tie).
func IP6ToText(b []byte) string {
	if len(b) != net.IPv6len {
		return ""
	}
	var groups [8]uint16
	for i := range groups {
		groups[i] = binary.BigEndian.Uint16(b[2*i:])
	}

	bestStart, bestLen := -1, 1
	for i := 0; i < 8; {
		if groups[i] != 0 {
			i++
			continue
		}
		j := i
		for j < 8 && groups[j] == 0 {
			j++
		}
		if j-i > bestLen {
			bestStart, bestLen = i, j-i
		}
		i = j
	}

	var sb strings.Builder
	for i := 0; i < 8; i++ {
		if i == bestStart {
			sb.WriteString("::")
			i += bestLen - 1
			continue
		}
		if i > 0 && i != bestStart+bestLen {
			sb.WriteByte(':')
		}
		sb.WriteString(strconv.FormatUint(uint64(groups[i]), 16))
	}
	return sb.String()
}

// IP6FromText parses an IPv6 literal into its 16-byte wire form. An empty
// string encodes as the unspecified address.
func IP6FromText(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return make([]byte, net.IPv6len), nil
	}
	if !strings.Contains(text, ":") {
		return nil, util.NewValidationError(fmt.Sprintf("invalid IPv6 address %q", text))
	}
	ip := net.ParseIP(text)
	if ip == nil {
		return nil, util.NewValidationError(fmt.Sprintf("invalid IPv6 address %q", text))
	}
	return []byte(ip.To16()), nil
}

// IP6PrefixFromText parses an IPv6 prefix length (0..128).
func IP6PrefixFromText(text string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(text), 10, 32)
	if err != nil || n > 128 {
		return 0, util.NewValidationError(fmt.Sprintf("invalid IPv6 prefix length %q", text))
	}
	return uint32(n), nil
}

// ============================================================================
// Misc literals
// ============================================================================

// MetricFromText parses a route metric. Empty text means 0.
func MetricFromText(text string) (uint32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(text, 10, 32)
	if err != nil {
		return 0, util.NewValidationError(fmt.Sprintf("invalid metric %q", text))
	}
	return uint32(n), nil
}

// HwAddrToText renders a hardware address as colon-separated uppercase hex.
func HwAddrToText(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return strings.ToUpper(net.HardwareAddr(b).String())
}

// HwAddrFromText parses a MAC address. Empty text yields nil.
func HwAddrFromText(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	hw, err := net.ParseMAC(text)
	if err != nil {
		return nil, util.NewValidationError(fmt.Sprintf("invalid hardware address %q", text))
	}
	return []byte(hw), nil
}
