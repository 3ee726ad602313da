package codec

import (
	"github.com/godbus/dbus/v5"
	"github.com/mohae/deepcopy"

	"github.com/netconsole/netconsole/pkg/util"
)

// Wire section names used by NetworkManager.
const (
	SectionConnection = "connection"
	SectionIPv4       = "ipv4"
	SectionIPv6       = "ipv6"
	SectionEthernet   = "802-3-ethernet"
	SectionBond       = "bond"
	SectionTeam       = "team"
	SectionTeamPort   = "team-port"
	SectionBridge     = "bridge"
	SectionBridgePort = "bridge-port"
	SectionVLAN       = "vlan"
	SectionWireGuard  = "wireguard"
)

// deniedKeys are never echoed back to the daemon. address-labels is
// internal bookkeeping that must be dropped whenever addresses change;
// address-data and route-data are superseded by the encoded addresses
// and routes.
var deniedKeys = map[string][]string{
	SectionIPv4: {"address-labels", "address-data", "route-data"},
	SectionIPv6: {"address-labels", "address-data", "route-data"},
}

// Settings is the logical view of a connection profile. A nil section
// means the profile has no such block, which is different from an empty one.
type Settings struct {
	Connection *ConnectionSettings `json:"connection,omitempty"`
	IPv4       *IPSettings         `json:"ipv4,omitempty"`
	IPv6       *IPSettings         `json:"ipv6,omitempty"`
	Ethernet   *EthernetSettings   `json:"ethernet,omitempty"`
	Bond       *BondSettings       `json:"bond,omitempty"`
	Team       *TeamSettings       `json:"team,omitempty"`
	TeamPort   *TeamPortSettings   `json:"team_port,omitempty"`
	Bridge     *BridgeSettings     `json:"bridge,omitempty"`
	BridgePort *BridgePortSettings `json:"bridge_port,omitempty"`
	VLAN       *VLANSettings       `json:"vlan,omitempty"`
	WireGuard  *WireGuardSettings  `json:"wireguard,omitempty"`

	raw Raw
}

// ConnectionSettings is the "connection" block.
type ConnectionSettings struct {
	ID            string `json:"id"`
	UUID          string `json:"uuid"`
	Type          string `json:"type"`
	InterfaceName string `json:"interface_name,omitempty"`
	Autoconnect   bool   `json:"autoconnect"`
	Timestamp     uint64 `json:"timestamp,omitempty"`
	Controller    string `json:"controller,omitempty"` // wire: master
	PortType      string `json:"port_type,omitempty"`  // wire: slave-type
}

// Address is one [address, prefix, gateway] tuple.
type Address struct {
	Address string `json:"address"`
	Prefix  uint32 `json:"prefix"`
	Gateway string `json:"gateway,omitempty"`
}

// Route is one static route.
type Route struct {
	Dest    string `json:"dest"`
	Prefix  uint32 `json:"prefix"`
	NextHop string `json:"next_hop,omitempty"`
	Metric  uint32 `json:"metric,omitempty"`
}

// IPSettings is the "ipv4" or "ipv6" block.
type IPSettings struct {
	Method           string    `json:"method"`
	Addresses        []Address `json:"addresses,omitempty"`
	DNS              []string  `json:"dns,omitempty"`
	DNSSearch        []string  `json:"dns_search,omitempty"`
	Routes           []Route   `json:"routes,omitempty"`
	IgnoreAutoDNS    bool      `json:"ignore_auto_dns"`
	IgnoreAutoRoutes bool      `json:"ignore_auto_routes"`
}

// EthernetSettings is the "802-3-ethernet" block.
type EthernetSettings struct {
	MTU        uint32 `json:"mtu,omitempty"`
	MACAddress string `json:"mac_address,omitempty"`
}

// BondSettings is the "bond" block.
type BondSettings struct {
	InterfaceName string            `json:"interface_name,omitempty"`
	Options       map[string]string `json:"options"`
}

// TeamSettings is the "team" block.
type TeamSettings struct {
	InterfaceName string `json:"interface_name,omitempty"`
	Config        string `json:"config,omitempty"`
}

// TeamPortSettings is the "team-port" block.
type TeamPortSettings struct {
	Config string `json:"config,omitempty"`
}

// BridgeSettings is the "bridge" block.
type BridgeSettings struct {
	InterfaceName string `json:"interface_name,omitempty"`
	STP           bool   `json:"stp"`
	Priority      uint32 `json:"priority"`
	ForwardDelay  uint32 `json:"forward_delay"`
	HelloTime     uint32 `json:"hello_time"`
	MaxAge        uint32 `json:"max_age"`
	AgeingTime    uint32 `json:"ageing_time"`
}

// BridgePortSettings is the "bridge-port" block.
type BridgePortSettings struct {
	Priority    uint32 `json:"priority"`
	PathCost    uint32 `json:"path_cost"`
	HairpinMode bool   `json:"hairpin_mode"`
}

// VLANSettings is the "vlan" block.
type VLANSettings struct {
	InterfaceName string `json:"interface_name,omitempty"`
	Parent        string `json:"parent"`
	ID            uint32 `json:"id"`
	Flags         uint32 `json:"flags,omitempty"`
}

// WireGuardSettings is the "wireguard" block. Peers are kept in their wire
// form; only the count and listen port are surfaced.
type WireGuardSettings struct {
	ListenPort uint32 `json:"listen_port,omitempty"`
	PeerCount  int    `json:"peer_count"`
}

// Raw returns the wire bundle this value was decoded from, or nil for
// settings built from scratch. Callers must not modify it.
func (s *Settings) Raw() Raw {
	return s.raw
}

// Clone returns a deep copy suitable for editing. The raw bundle is
// shared; Encode never writes to it.
func (s *Settings) Clone() *Settings {
	if s == nil {
		return nil
	}
	cp := deepcopy.Copy(s).(*Settings)
	cp.raw = s.raw
	return cp
}

// InterfaceNames returns every interface name the bundle refers to, in
// connection, bond, team, bridge, vlan order, without duplicates.
func (s *Settings) InterfaceNames() []string {
	if s == nil {
		return nil
	}
	var names []string
	add := func(n string) {
		if n == "" {
			return
		}
		for _, have := range names {
			if have == n {
				return
			}
		}
		names = append(names, n)
	}
	if s.Connection != nil {
		add(s.Connection.InterfaceName)
	}
	if s.Bond != nil {
		add(s.Bond.InterfaceName)
	}
	if s.Team != nil {
		add(s.Team.InterfaceName)
	}
	if s.Bridge != nil {
		add(s.Bridge.InterfaceName)
	}
	if s.VLAN != nil {
		add(s.VLAN.InterfaceName)
	}
	return names
}

// ============================================================================
// Decode
// ============================================================================

// DecodeSettings converts a wire bundle into logical settings. The whole
// value is built before it is returned, so callers never see a partially
// decoded profile.
func (c *Codec) DecodeSettings(raw Raw) *Settings {
	s := &Settings{raw: raw}

	if sec, ok := raw[SectionConnection]; ok {
		s.Connection = &ConnectionSettings{
			ID:            getString(sec, "id"),
			UUID:          getString(sec, "uuid"),
			Type:          getString(sec, "type"),
			InterfaceName: getString(sec, "interface-name"),
			Autoconnect:   getBool(sec, "autoconnect", true),
			Timestamp:     getUint64(sec, "timestamp"),
			Controller:    getString(sec, "master"),
			PortType:      getString(sec, "slave-type"),
		}
	}
	if sec, ok := raw[SectionIPv4]; ok {
		s.IPv4 = c.decodeIP4(sec)
	}
	if sec, ok := raw[SectionIPv6]; ok {
		s.IPv6 = decodeIP6(sec)
	}
	if sec, ok := raw[SectionEthernet]; ok {
		s.Ethernet = &EthernetSettings{
			MTU:        getUint32(sec, "mtu"),
			MACAddress: HwAddrToText(getBytes(sec, "mac-address")),
		}
	}
	if sec, ok := raw[SectionBond]; ok {
		opts := getStringMap(sec, "options")
		if opts == nil {
			opts = map[string]string{}
		}
		s.Bond = &BondSettings{
			InterfaceName: getString(sec, "interface-name"),
			Options:       opts,
		}
	}
	if sec, ok := raw[SectionTeam]; ok {
		s.Team = &TeamSettings{
			InterfaceName: getString(sec, "interface-name"),
			Config:        getString(sec, "config"),
		}
	}
	if sec, ok := raw[SectionTeamPort]; ok {
		s.TeamPort = &TeamPortSettings{Config: getString(sec, "config")}
	}
	if sec, ok := raw[SectionBridge]; ok {
		s.Bridge = &BridgeSettings{
			InterfaceName: getString(sec, "interface-name"),
			STP:           getBool(sec, "stp", true),
			Priority:      getUint32(sec, "priority"),
			ForwardDelay:  getUint32(sec, "forward-delay"),
			HelloTime:     getUint32(sec, "hello-time"),
			MaxAge:        getUint32(sec, "max-age"),
			AgeingTime:    getUint32(sec, "ageing-time"),
		}
	}
	if sec, ok := raw[SectionBridgePort]; ok {
		s.BridgePort = &BridgePortSettings{
			Priority:    getUint32(sec, "priority"),
			PathCost:    getUint32(sec, "path-cost"),
			HairpinMode: getBool(sec, "hairpin-mode", false),
		}
	}
	if sec, ok := raw[SectionVLAN]; ok {
		s.VLAN = &VLANSettings{
			InterfaceName: getString(sec, "interface-name"),
			Parent:        getString(sec, "parent"),
			ID:            getUint32(sec, "id"),
			Flags:         getUint32(sec, "flags"),
		}
	}
	if sec, ok := raw[SectionWireGuard]; ok {
		var peers []map[string]dbus.Variant
		if v, ok := sec["peers"]; ok {
			store(v, &peers)
		}
		s.WireGuard = &WireGuardSettings{
			ListenPort: getUint32(sec, "listen-port"),
			PeerCount:  len(peers),
		}
	}
	return s
}

func (c *Codec) decodeIP4(sec Section) *IPSettings {
	ip := &IPSettings{
		Method:           getString(sec, "method"),
		DNSSearch:        getStrings(sec, "dns-search"),
		IgnoreAutoDNS:    getBool(sec, "ignore-auto-dns", false),
		IgnoreAutoRoutes: getBool(sec, "ignore-auto-routes", false),
	}
	var addrs [][]uint32
	if v, ok := sec["addresses"]; ok {
		store(v, &addrs)
	}
	ip.Addresses = c.DecodeIP4Addresses(addrs)

	var dns []uint32
	if v, ok := sec["dns"]; ok {
		store(v, &dns)
	}
	for _, d := range dns {
		ip.DNS = append(ip.DNS, c.IP4ToText(d))
	}

	var routes [][]uint32
	if v, ok := sec["routes"]; ok {
		store(v, &routes)
	}
	for _, r := range routes {
		if len(r) < 4 {
			continue
		}
		ip.Routes = append(ip.Routes, Route{
			Dest:    c.IP4ToText(r[0]),
			Prefix:  r[1],
			NextHop: c.IP4ToText(r[2]),
			Metric:  r[3],
		})
	}
	return ip
}

// DecodeIP4Addresses converts legacy aau address triples.
func (c *Codec) DecodeIP4Addresses(addrs [][]uint32) []Address {
	var out []Address
	for _, a := range addrs {
		if len(a) < 2 {
			continue
		}
		addr := Address{Address: c.IP4ToText(a[0]), Prefix: a[1]}
		if len(a) > 2 && a[2] != 0 {
			addr.Gateway = c.IP4ToText(a[2])
		}
		out = append(out, addr)
	}
	return out
}

// ip6AddressWire is the (ayuay) struct of ipv6.addresses.
type ip6AddressWire struct {
	Address []byte
	Prefix  uint32
	Gateway []byte
}

// ip6RouteWire is the (ayuayu) struct of ipv6.routes.
type ip6RouteWire struct {
	Dest    []byte
	Prefix  uint32
	NextHop []byte
	Metric  uint32
}

func decodeIP6(sec Section) *IPSettings {
	ip := &IPSettings{
		Method:           getString(sec, "method"),
		DNSSearch:        getStrings(sec, "dns-search"),
		IgnoreAutoDNS:    getBool(sec, "ignore-auto-dns", false),
		IgnoreAutoRoutes: getBool(sec, "ignore-auto-routes", false),
	}
	var addrs []ip6AddressWire
	if v, ok := sec["addresses"]; ok {
		store(v, &addrs)
	}
	ip.Addresses = decodeIP6Addresses(addrs)

	var dns [][]byte
	if v, ok := sec["dns"]; ok {
		store(v, &dns)
	}
	for _, d := range dns {
		ip.DNS = append(ip.DNS, IP6ToText(d))
	}

	var routes []ip6RouteWire
	if v, ok := sec["routes"]; ok {
		store(v, &routes)
	}
	for _, r := range routes {
		ip.Routes = append(ip.Routes, Route{
			Dest:    IP6ToText(r.Dest),
			Prefix:  r.Prefix,
			NextHop: zeroIP6AsEmpty(r.NextHop),
			Metric:  r.Metric,
		})
	}
	return ip
}

// decodeIP6Addresses converts (ayuay) address triples.
func decodeIP6Addresses(addrs []ip6AddressWire) []Address {
	var out []Address
	for _, a := range addrs {
		out = append(out, Address{
			Address: IP6ToText(a.Address),
			Prefix:  a.Prefix,
			Gateway: zeroIP6AsEmpty(a.Gateway),
		})
	}
	return out
}

// DecodeIP6AddressVariant decodes an a(ayuay) property value.
func DecodeIP6AddressVariant(v dbus.Variant) []Address {
	var addrs []ip6AddressWire
	store(v, &addrs)
	return decodeIP6Addresses(addrs)
}

func zeroIP6AsEmpty(b []byte) string {
	for _, x := range b {
		if x != 0 {
			return IP6ToText(b)
		}
	}
	return ""
}

// ============================================================================
// Encode
// ============================================================================

// EncodeSettings converts logical settings back to a wire bundle. It starts
// from the bundle s was decoded from, so sections and keys this package does
// not model are sent back untouched. Modelled sections that are nil in s
// are removed. Malformed literals fail with a *util.ValidationError and
// leave s unchanged.
func (c *Codec) EncodeSettings(s *Settings) (Raw, error) {
	out := cloneRaw(s.raw)
	vb := &util.ValidationBuilder{}

	section := func(name string, present bool) Section {
		if !present {
			delete(out, name)
			return nil
		}
		sec, ok := out[name]
		if !ok {
			sec = Section{}
			out[name] = sec
		}
		return sec
	}

	if sec := section(SectionConnection, s.Connection != nil); sec != nil {
		cs := s.Connection
		vb.Add(cs.ID != "", "connection name is required")
		setOrDelete(sec, "id", cs.ID, true)
		setOrDelete(sec, "uuid", cs.UUID, cs.UUID != "")
		setOrDelete(sec, "type", cs.Type, cs.Type != "")
		setOrDelete(sec, "interface-name", cs.InterfaceName, cs.InterfaceName != "")
		setOrDelete(sec, "autoconnect", cs.Autoconnect, true)
		setOrDelete(sec, "master", cs.Controller, cs.Controller != "")
		setOrDelete(sec, "slave-type", cs.PortType, cs.PortType != "")
	}
	if sec := section(SectionIPv4, s.IPv4 != nil); sec != nil {
		vb.AddError(c.encodeIP4(sec, s.IPv4))
	}
	if sec := section(SectionIPv6, s.IPv6 != nil); sec != nil {
		vb.AddError(encodeIP6(sec, s.IPv6))
	}
	if sec := section(SectionEthernet, s.Ethernet != nil); sec != nil {
		setOrDelete(sec, "mtu", s.Ethernet.MTU, true)
		mac, err := HwAddrFromText(s.Ethernet.MACAddress)
		vb.AddError(err)
		setOrDelete(sec, "mac-address", mac, len(mac) > 0)
	}
	if sec := section(SectionBond, s.Bond != nil); sec != nil {
		opts := s.Bond.Options
		if opts == nil {
			opts = map[string]string{}
		}
		setOrDelete(sec, "options", opts, true)
		setOrDelete(sec, "interface-name", s.Bond.InterfaceName, s.Bond.InterfaceName != "")
	}
	if sec := section(SectionTeam, s.Team != nil); sec != nil {
		setOrDelete(sec, "config", s.Team.Config, s.Team.Config != "")
		setOrDelete(sec, "interface-name", s.Team.InterfaceName, s.Team.InterfaceName != "")
	}
	if sec := section(SectionTeamPort, s.TeamPort != nil); sec != nil {
		setOrDelete(sec, "config", s.TeamPort.Config, s.TeamPort.Config != "")
	}
	if sec := section(SectionBridge, s.Bridge != nil); sec != nil {
		b := s.Bridge
		setOrDelete(sec, "interface-name", b.InterfaceName, b.InterfaceName != "")
		setOrDelete(sec, "stp", b.STP, true)
		setOrDelete(sec, "priority", b.Priority, true)
		setOrDelete(sec, "forward-delay", b.ForwardDelay, true)
		setOrDelete(sec, "hello-time", b.HelloTime, true)
		setOrDelete(sec, "max-age", b.MaxAge, true)
		setOrDelete(sec, "ageing-time", b.AgeingTime, true)
	}
	if sec := section(SectionBridgePort, s.BridgePort != nil); sec != nil {
		setOrDelete(sec, "priority", s.BridgePort.Priority, true)
		setOrDelete(sec, "path-cost", s.BridgePort.PathCost, true)
		setOrDelete(sec, "hairpin-mode", s.BridgePort.HairpinMode, true)
	}
	if sec := section(SectionVLAN, s.VLAN != nil); sec != nil {
		v := s.VLAN
		vb.Add(v.ID < 4095, "VLAN id must be below 4095")
		setOrDelete(sec, "interface-name", v.InterfaceName, v.InterfaceName != "")
		setOrDelete(sec, "parent", v.Parent, v.Parent != "")
		setOrDelete(sec, "id", v.ID, true)
		setOrDelete(sec, "flags", v.Flags, v.Flags != 0)
	}
	if sec := section(SectionWireGuard, s.WireGuard != nil); sec != nil {
		setOrDelete(sec, "listen-port", s.WireGuard.ListenPort, s.WireGuard.ListenPort != 0)
	}

	for name, keys := range deniedKeys {
		if sec, ok := out[name]; ok {
			for _, k := range keys {
				delete(sec, k)
			}
		}
	}

	if err := vb.Build(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Codec) encodeIP4(sec Section, ip *IPSettings) error {
	vb := &util.ValidationBuilder{}
	setOrDelete(sec, "method", ip.Method, ip.Method != "")

	addrs := make([][]uint32, 0, len(ip.Addresses))
	for _, a := range ip.Addresses {
		addr, err := c.IP4FromText(a.Address)
		vb.AddError(err)
		vb.Add(a.Address != "", "address is required")
		vb.Add(a.Prefix <= 32, "IPv4 prefix must be at most 32")
		gw, err := c.IP4FromText(a.Gateway)
		vb.AddError(err)
		addrs = append(addrs, []uint32{addr, a.Prefix, gw})
	}
	setOrDelete(sec, "addresses", addrs, true)

	dns := make([]uint32, 0, len(ip.DNS))
	for _, d := range ip.DNS {
		n, err := c.IP4FromText(d)
		vb.AddError(err)
		dns = append(dns, n)
	}
	setOrDelete(sec, "dns", dns, true)
	setOrDelete(sec, "dns-search", nonNilStrings(ip.DNSSearch), true)

	routes := make([][]uint32, 0, len(ip.Routes))
	for _, r := range ip.Routes {
		dest, err := c.IP4FromText(r.Dest)
		vb.AddError(err)
		hop, err := c.IP4FromText(r.NextHop)
		vb.AddError(err)
		vb.Add(r.Prefix <= 32, "IPv4 route prefix must be at most 32")
		routes = append(routes, []uint32{dest, r.Prefix, hop, r.Metric})
	}
	setOrDelete(sec, "routes", routes, true)
	setOrDelete(sec, "ignore-auto-dns", ip.IgnoreAutoDNS, true)
	setOrDelete(sec, "ignore-auto-routes", ip.IgnoreAutoRoutes, true)
	return vb.Build()
}

func encodeIP6(sec Section, ip *IPSettings) error {
	vb := &util.ValidationBuilder{}
	setOrDelete(sec, "method", ip.Method, ip.Method != "")

	addrs := make([]ip6AddressWire, 0, len(ip.Addresses))
	for _, a := range ip.Addresses {
		vb.Add(a.Address != "", "address is required")
		addr, err := IP6FromText(a.Address)
		vb.AddError(err)
		gw, err := IP6FromText(a.Gateway)
		vb.AddError(err)
		vb.Add(a.Prefix <= 128, "IPv6 prefix must be at most 128")
		addrs = append(addrs, ip6AddressWire{Address: addr, Prefix: a.Prefix, Gateway: gw})
	}
	setOrDelete(sec, "addresses", addrs, true)

	dns := make([][]byte, 0, len(ip.DNS))
	for _, d := range ip.DNS {
		b, err := IP6FromText(d)
		vb.AddError(err)
		dns = append(dns, b)
	}
	setOrDelete(sec, "dns", dns, true)
	setOrDelete(sec, "dns-search", nonNilStrings(ip.DNSSearch), true)

	routes := make([]ip6RouteWire, 0, len(ip.Routes))
	for _, r := range ip.Routes {
		dest, err := IP6FromText(r.Dest)
		vb.AddError(err)
		hop, err := IP6FromText(r.NextHop)
		vb.AddError(err)
		routes = append(routes, ip6RouteWire{Dest: dest, Prefix: r.Prefix, NextHop: hop, Metric: r.Metric})
	}
	setOrDelete(sec, "routes", routes, true)
	setOrDelete(sec, "ignore-auto-dns", ip.IgnoreAutoDNS, true)
	setOrDelete(sec, "ignore-auto-routes", ip.IgnoreAutoRoutes, true)
	return vb.Build()
}

func nonNilStrings(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
