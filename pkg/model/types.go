package model

import (
	"context"
	"fmt"
	"sort"

	"github.com/godbus/dbus/v5"

	"github.com/netconsole/netconsole/pkg/bus"
	"github.com/netconsole/netconsole/pkg/codec"
	"github.com/netconsole/netconsole/pkg/linkinfo"
	"github.com/netconsole/netconsole/pkg/util"
)

// typeSet holds the object types the model knows about. Types refer to
// each other through Prop.Ref, so they are built together.
type typeSet struct {
	Manager          *Type
	Settings         *Type
	Device           *Type
	Connection       *Type
	ActiveConnection *Type
	IP4Config        *Type
	IP6Config        *Type
	Interface        *Type

	registry *Registry
}

func (ts *typeSet) all() []*Type {
	return ts.registry.Types()
}

func newTypeSet() *typeSet {
	ts := &typeSet{
		Manager:          &Type{Name: "Manager", Interfaces: []string{ManagerInterface}},
		Settings:         &Type{Name: "Settings", Interfaces: []string{SettingsInterface}},
		Device:           &Type{Name: "Device", Interfaces: deviceInterfaces},
		Connection:       &Type{Name: "Connection", Interfaces: []string{ConnectionInterface}},
		ActiveConnection: &Type{Name: "ActiveConnection", Interfaces: []string{ActiveConnectionInterface, ActiveConnectionInterface + ".VPN"}},
		IP4Config:        &Type{Name: "IP4Config", Interfaces: []string{IP4ConfigInterface}},
		IP6Config:        &Type{Name: "IP6Config", Interfaces: []string{IP6ConfigInterface}},
		Interface:        &Type{Name: "Interface"},
	}

	ts.Manager.Props = map[string]Prop{
		"Version":           {Decode: decString, Default: ""},
		"State":             {Decode: decUint32, Default: uint32(0)},
		"Devices":           {Decode: decPaths, Default: []string(nil), Ref: ts.Device},
		"ActiveConnections": {Decode: decPaths, Default: []string(nil), Ref: ts.ActiveConnection},
	}
	ts.Manager.Refresh = refreshProps
	ts.Manager.Signals = map[string]func(*Model, *object, bus.Signal){
		"DeviceAdded":   func(m *Model, _ *object, s bus.Signal) { m.get(signalPath(s), ts.Device) },
		"DeviceRemoved": func(m *Model, _ *object, s bus.Signal) { m.drop(signalPath(s)) },
	}
	ts.Manager.Publish = publishManager

	ts.Settings.Props = map[string]Prop{
		"Connections": {Decode: decPaths, Default: []string(nil), Ref: ts.Connection},
		"Hostname":    {Decode: decString, Default: ""},
	}
	ts.Settings.Refresh = refreshProps
	ts.Settings.Signals = map[string]func(*Model, *object, bus.Signal){
		"NewConnection":     func(m *Model, _ *object, s bus.Signal) { m.get(signalPath(s), ts.Connection) },
		"ConnectionRemoved": func(m *Model, _ *object, s bus.Signal) { m.drop(signalPath(s)) },
	}
	ts.Settings.Publish = publishSettings

	ts.Device.Props = map[string]Prop{
		"Interface":            {Decode: decString, Default: "", Trigger: refreshLink},
		"DeviceType":           {Decode: decUint32, Default: uint32(0)},
		"State":                {Decode: decUint32, Default: uint32(0)},
		"HwAddress":            {Decode: decString, Default: ""},
		"Udi":                  {Decode: decString, Default: "", Trigger: refreshLink},
		"Driver":               {Decode: decString, Default: ""},
		"Mtu":                  {Decode: decUint32, Default: uint32(0)},
		"Managed":              {Decode: decBool, Default: false},
		"AvailableConnections": {Decode: decPaths, Default: []string(nil), Ref: ts.Connection},
		"ActiveConnection":     {Decode: decPath, Default: "", Ref: ts.ActiveConnection},
		"Ip4Config":            {Decode: decPath, Default: "", Ref: ts.IP4Config},
		"Ip6Config":            {Decode: decPath, Default: "", Ref: ts.IP6Config},
		"LinkInfo":             {Default: (*linkinfo.Info)(nil)},
	}
	ts.Device.Exporters[2] = exportDeviceInterface
	ts.Device.Exporters[4] = exportDeviceMembers
	ts.Device.Publish = publishDevice

	ts.Connection.Props = map[string]Prop{
		"Unsaved":  {Decode: decBool, Default: false},
		"Filename": {Decode: decString, Default: ""},
		"Settings": {Default: (*codec.Settings)(nil)},
	}
	ts.Connection.Refresh = refreshSettings
	ts.Connection.Signals = map[string]func(*Model, *object, bus.Signal){
		"Updated": func(m *Model, o *object, _ bus.Signal) { refreshSettings(m, o) },
		"Removed": func(m *Model, o *object, _ bus.Signal) { m.drop(o.path) },
	}
	ts.Connection.Exporters[1] = exportConnectionInterfaces
	ts.Connection.Exporters[4] = exportConnectionGroups
	ts.Connection.Publish = publishConnection

	ts.ActiveConnection.Props = map[string]Prop{
		"Connection": {Decode: decPath, Default: "", Ref: ts.Connection},
		"Id":         {Decode: decString, Default: ""},
		"Uuid":       {Decode: decString, Default: ""},
		"Type":       {Decode: decString, Default: ""},
		"State":      {Decode: decUint32, Default: uint32(0)},
		"Devices":    {Decode: decPaths, Default: []string(nil), Ref: ts.Device},
		"Controller": {Remote: "Master", Decode: decPath, Default: "", Ref: ts.Device},
		"Ip4Config":  {Decode: decPath, Default: "", Ref: ts.IP4Config},
		"Ip6Config":  {Decode: decPath, Default: "", Ref: ts.IP6Config},
	}
	ts.ActiveConnection.Exporters[4] = exportActiveGroup
	ts.ActiveConnection.Publish = publishActiveConnection

	ts.IP4Config.Props = map[string]Prop{
		"Addresses":   {Decode: decIP4Addresses, Default: []codec.Address(nil)},
		"Gateway":     {Decode: decString, Default: ""},
		"Nameservers": {Decode: decIP4List, Default: []string(nil)},
	}
	ts.IP4Config.Publish = publishIPConfig(4)

	ts.IP6Config.Props = map[string]Prop{
		"Addresses":   {Decode: decIP6Addresses, Default: []codec.Address(nil)},
		"Gateway":     {Decode: decString, Default: ""},
		"Nameservers": {Decode: decIP6List, Default: []string(nil)},
	}
	ts.IP6Config.Publish = publishIPConfig(6)

	ts.Interface.Exporters[3] = exportInterfaceOrphan
	ts.Interface.Exporters[4] = exportInterfaceConnections
	ts.Interface.Publish = publishInterface

	all := []*Type{ts.Manager, ts.Settings, ts.Device, ts.Connection, ts.ActiveConnection, ts.IP4Config, ts.IP6Config, ts.Interface}
	for _, t := range all {
		t.Exporters[0] = resetDerived
	}
	ts.registry = NewRegistry(all...)
	return ts
}

// deviceInterfaces all feed the same Device bag.
var deviceInterfaces = []string{
	DeviceInterface,
	DeviceInterface + ".Wired",
	DeviceInterface + ".Bond",
	DeviceInterface + ".Bridge",
	DeviceInterface + ".Team",
	DeviceInterface + ".Vlan",
	DeviceInterface + ".WireGuard",
	DeviceInterface + ".Generic",
	DeviceInterface + ".Statistics",
}

func signalPath(s bus.Signal) string {
	var p dbus.ObjectPath
	if len(s.Body) == 0 || dbus.Store(s.Body[:1], &p) != nil {
		return ""
	}
	return string(p)
}

// ============================================================================
// Decoders
// ============================================================================

func decString(_ *codec.Codec, v dbus.Variant) interface{} {
	var s string
	v.Store(&s)
	return s
}

func decUint32(_ *codec.Codec, v dbus.Variant) interface{} {
	var n uint32
	v.Store(&n)
	return n
}

func decBool(_ *codec.Codec, v dbus.Variant) interface{} {
	var b bool
	v.Store(&b)
	return b
}

// decPath decodes an object path; "/" means none.
func decPath(_ *codec.Codec, v dbus.Variant) interface{} {
	var p dbus.ObjectPath
	v.Store(&p)
	if p == "/" {
		return ""
	}
	return string(p)
}

func decPaths(_ *codec.Codec, v dbus.Variant) interface{} {
	var ps []dbus.ObjectPath
	v.Store(&ps)
	var out []string
	for _, p := range ps {
		if p != "/" && p != "" {
			out = append(out, string(p))
		}
	}
	return out
}

func decIP4Addresses(c *codec.Codec, v dbus.Variant) interface{} {
	var addrs [][]uint32
	v.Store(&addrs)
	return c.DecodeIP4Addresses(addrs)
}

func decIP4List(c *codec.Codec, v dbus.Variant) interface{} {
	var ns []uint32
	v.Store(&ns)
	var out []string
	for _, n := range ns {
		out = append(out, c.IP4ToText(n))
	}
	return out
}

func decIP6Addresses(_ *codec.Codec, v dbus.Variant) interface{} {
	return codec.DecodeIP6AddressVariant(v)
}

func decIP6List(_ *codec.Codec, v dbus.Variant) interface{} {
	var ns [][]byte
	v.Store(&ns)
	var out []string
	for _, n := range ns {
		out = append(out, codec.IP6ToText(n))
	}
	return out
}

// ============================================================================
// Refresh hooks
// ============================================================================

// refreshProps fetches every property of the primary interface.
func refreshProps(m *Model, o *object) {
	path, iface := o.path, o.typ.Interfaces[0]
	m.refresh(o, "props", func(ctx context.Context) (interface{}, error) {
		reply, err := m.client.Call(ctx, path, bus.PropertiesInterface, "GetAll", iface)
		if err != nil {
			return nil, err
		}
		var props map[string]dbus.Variant
		if err := reply.Store(&props); err != nil {
			return nil, fmt.Errorf("decoding %s properties: %w", iface, err)
		}
		return props, nil
	}, func(result interface{}) {
		m.applyProps(o, result.(map[string]dbus.Variant))
	})
}

// refreshSettings fetches a connection's settings. The decoded value
// replaces the old one in a single assignment.
func refreshSettings(m *Model, o *object) {
	path := o.path
	m.refresh(o, "settings", func(ctx context.Context) (interface{}, error) {
		reply, err := m.client.Call(ctx, path, ConnectionInterface, "GetSettings")
		if err != nil {
			return nil, err
		}
		var raw codec.Raw
		if err := reply.Store(&raw); err != nil {
			return nil, fmt.Errorf("decoding settings: %w", err)
		}
		return m.codec().DecodeSettings(raw), nil
	}, func(result interface{}) {
		o.props["Settings"] = result.(*codec.Settings)
	})
}

// refreshLink looks up kernel link attributes when a device's name or
// udev path changes.
func refreshLink(m *Model, o *object) {
	if m.opts.Links == nil {
		return
	}
	name := o.str("Interface")
	if name == "" {
		return
	}
	links := m.opts.Links
	m.refresh(o, "link", func(ctx context.Context) (interface{}, error) {
		return links.Lookup(ctx, name)
	}, func(result interface{}) {
		o.props["LinkInfo"] = result.(*linkinfo.Info)
	})
}

func settingsOf(o *object) *codec.Settings {
	s, _ := o.props["Settings"].(*codec.Settings)
	return s
}

// ============================================================================
// Exporters
// ============================================================================

// resetDerived is every type's phase 0.
func resetDerived(_ *Model, o *object) {
	o.derived = make(map[string]interface{})
}

// exportConnectionInterfaces indexes a connection under every interface
// name its settings mention.
func exportConnectionInterfaces(m *Model, o *object) {
	for _, name := range settingsOf(o).InterfaceNames() {
		iface := m.getInterface(name)
		o.addDerived("Interfaces", name)
		iface.addDerived("NonDeviceConnections", o.path)
	}
}

// exportDeviceInterface attaches a named device to its Interface.
func exportDeviceInterface(m *Model, o *object) {
	name := o.str("Interface")
	if name == "" {
		return
	}
	m.getInterface(name).derived["Device"] = o.path
}

// exportInterfaceOrphan drops an Interface nothing refers to any more.
func exportInterfaceOrphan(m *Model, o *object) {
	if o.derivedPath("Device") == "" && len(o.derivedPaths("NonDeviceConnections")) == 0 {
		util.WithInterface(o.path[len(InterfacePrefix):]).Debugf("dropping orphan interface")
		m.remove(o.path)
	}
}

// interfaceCandidates returns the connections applicable to an
// interface: those naming it plus those its device can activate.
func (m *Model) interfaceCandidates(iface *object) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		if c := m.peek(p); c == nil || c.typ != m.types.Connection {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, p := range iface.derivedPaths("NonDeviceConnections") {
		add(p)
	}
	if dev := m.peek(iface.derivedPath("Device")); dev != nil {
		for _, p := range dev.refs("AvailableConnections") {
			add(p)
		}
	}
	sort.Strings(out)
	return out
}

// exportInterfaceConnections computes Connections and MainConnection. The
// device's active connection wins; otherwise the most recently activated
// candidate, ties broken by path.
func exportInterfaceConnections(m *Model, o *object) {
	conns := m.interfaceCandidates(o)
	o.derived["Connections"] = conns

	main := ""
	if dev := m.peek(o.derivedPath("Device")); dev != nil {
		if ac := m.peek(dev.ref("ActiveConnection")); ac != nil {
			main = ac.ref("Connection")
		}
	}
	if main == "" {
		var best uint64
		for _, p := range conns {
			ts := connectionTimestamp(m.peek(p))
			if main == "" || ts > best {
				main, best = p, ts
			}
		}
	}
	o.derived["MainConnection"] = main
}

func connectionTimestamp(o *object) uint64 {
	if o == nil {
		return 0
	}
	s := settingsOf(o)
	if s == nil || s.Connection == nil {
		return 0
	}
	return s.Connection.Timestamp
}

// exportConnectionGroups links a port connection to its controller
// connection(s). The controller reference is tried as a UUID, then as a
// connection ID, then as an interface name.
func exportConnectionGroups(m *Model, o *object) {
	s := settingsOf(o)
	if s == nil || s.Connection == nil || s.Connection.Controller == "" {
		return
	}
	ref, portType := s.Connection.Controller, s.Connection.PortType

	groups := m.connectionsWhere(func(cs *codec.ConnectionSettings) bool { return cs.UUID == ref })
	if len(groups) == 0 {
		groups = m.connectionsWhere(func(cs *codec.ConnectionSettings) bool { return cs.ID == ref })
	}
	if len(groups) == 0 {
		if iface := m.peekInterface(ref); iface != nil {
			for _, p := range m.interfaceCandidates(iface) {
				c := m.peek(p)
				cs := settingsOf(c)
				if cs == nil || cs.Connection == nil {
					continue
				}
				if portType == "" || cs.Connection.Type == portType {
					groups = append(groups, c)
				}
			}
		}
	}

	for _, g := range groups {
		if g == o {
			continue
		}
		o.addDerived("Groups", g.path)
		g.addDerived("Members", o.path)
	}
}

// connectionsWhere returns live connections with settings matching pred,
// ordered by path.
func (m *Model) connectionsWhere(pred func(*codec.ConnectionSettings) bool) []*object {
	var out []*object
	for _, o := range m.sortedObjects() {
		if o.typ != m.types.Connection {
			continue
		}
		if s := settingsOf(o); s != nil && s.Connection != nil && pred(s.Connection) {
			out = append(out, o)
		}
	}
	return out
}

// exportDeviceMembers lists the devices whose active connection names
// this composite device as controller.
func exportDeviceMembers(m *Model, o *object) {
	if !DeviceType(o.u32("DeviceType")).Composite() {
		return
	}
	for _, d := range m.sortedObjects() {
		if d.typ != m.types.Device || d == o {
			continue
		}
		if ac := m.peek(d.ref("ActiveConnection")); ac != nil && ac.ref("Controller") == o.path {
			o.addDerived("Members", d.path)
		}
	}
}

// exportActiveGroup records the controller device of a port's active
// connection when that device is a bond, team or bridge.
func exportActiveGroup(m *Model, o *object) {
	ctrl := m.peek(o.ref("Controller"))
	if ctrl == nil || ctrl.typ != m.types.Device {
		return
	}
	if DeviceType(ctrl.u32("DeviceType")).Composite() {
		o.derived["Group"] = ctrl.path
	}
}

// ============================================================================
// Publishers
// ============================================================================

func publishManager(o *object, s *Snapshot) {
	s.Manager = &Manager{
		Path:              o.path,
		Version:           o.str("Version"),
		State:             o.u32("State"),
		Devices:           clonePaths(o.refs("Devices")),
		ActiveConnections: clonePaths(o.refs("ActiveConnections")),
	}
}

func publishSettings(o *object, s *Snapshot) {
	s.Settings = &Settings{
		Path:        o.path,
		Hostname:    o.str("Hostname"),
		Connections: clonePaths(o.refs("Connections")),
	}
}

func publishDevice(o *object, s *Snapshot) {
	info, _ := o.props["LinkInfo"].(*linkinfo.Info)
	s.Devices[o.path] = &Device{
		Path:                 o.path,
		Interface:            o.str("Interface"),
		DeviceType:           DeviceType(o.u32("DeviceType")),
		State:                DeviceState(o.u32("State")),
		HwAddress:            o.str("HwAddress"),
		Udi:                  o.str("Udi"),
		Driver:               o.str("Driver"),
		Mtu:                  o.u32("Mtu"),
		Managed:              o.flag("Managed"),
		AvailableConnections: clonePaths(o.refs("AvailableConnections")),
		ActiveConnection:     o.ref("ActiveConnection"),
		Ip4Config:            o.ref("Ip4Config"),
		Ip6Config:            o.ref("Ip6Config"),
		Members:              clonePaths(o.derivedPaths("Members")),
		LinkInfo:             info,
	}
}

func publishConnection(o *object, s *Snapshot) {
	s.Connections[o.path] = &Connection{
		Path:       o.path,
		Settings:   settingsOf(o),
		Unsaved:    o.flag("Unsaved"),
		Filename:   o.str("Filename"),
		Groups:     clonePaths(o.derivedPaths("Groups")),
		Members:    clonePaths(o.derivedPaths("Members")),
		Interfaces: clonePaths(o.derivedPaths("Interfaces")),
	}
}

func publishActiveConnection(o *object, s *Snapshot) {
	s.ActiveConnections[o.path] = &ActiveConnection{
		Path:       o.path,
		Connection: o.ref("Connection"),
		ID:         o.str("Id"),
		UUID:       o.str("Uuid"),
		Type:       o.str("Type"),
		State:      o.u32("State"),
		Devices:    clonePaths(o.refs("Devices")),
		Controller: o.ref("Controller"),
		Ip4Config:  o.ref("Ip4Config"),
		Ip6Config:  o.ref("Ip6Config"),
		Group:      o.derivedPath("Group"),
	}
}

func publishIPConfig(family int) func(o *object, s *Snapshot) {
	return func(o *object, s *Snapshot) {
		addrs, _ := o.props["Addresses"].([]codec.Address)
		ns, _ := o.props["Nameservers"].([]string)
		s.IPConfigs[o.path] = &IPConfig{
			Path:        o.path,
			Family:      family,
			Addresses:   append([]codec.Address(nil), addrs...),
			Gateway:     o.str("Gateway"),
			Nameservers: clonePaths(ns),
		}
	}
}

func publishInterface(o *object, s *Snapshot) {
	name := o.path[len(InterfacePrefix):]
	s.Interfaces[name] = &Interface{
		Name:                 name,
		Device:               o.derivedPath("Device"),
		Connections:          clonePaths(o.derivedPaths("Connections")),
		NonDeviceConnections: clonePaths(o.derivedPaths("NonDeviceConnections")),
		MainConnection:       o.derivedPath("MainConnection"),
	}
}
