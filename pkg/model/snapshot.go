package model

import (
	"sort"

	"github.com/netconsole/netconsole/pkg/codec"
	"github.com/netconsole/netconsole/pkg/linkinfo"
)

// DeviceType is NetworkManager's NMDeviceType.
type DeviceType uint32

// Device types the model treats specially.
const (
	DeviceTypeUnknown   DeviceType = 0
	DeviceTypeEthernet  DeviceType = 1
	DeviceTypeWifi      DeviceType = 2
	DeviceTypeBond      DeviceType = 10
	DeviceTypeVLAN      DeviceType = 11
	DeviceTypeBridge    DeviceType = 13
	DeviceTypeTeam      DeviceType = 15
	DeviceTypeLoopback  DeviceType = 32
	DeviceTypeWireGuard DeviceType = 29
)

// Composite reports whether devices of this type have member devices.
func (t DeviceType) Composite() bool {
	return t == DeviceTypeBond || t == DeviceTypeBridge || t == DeviceTypeTeam
}

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeEthernet:
		return "ethernet"
	case DeviceTypeWifi:
		return "wifi"
	case DeviceTypeBond:
		return "bond"
	case DeviceTypeVLAN:
		return "vlan"
	case DeviceTypeBridge:
		return "bridge"
	case DeviceTypeTeam:
		return "team"
	case DeviceTypeWireGuard:
		return "wireguard"
	case DeviceTypeLoopback:
		return "loopback"
	}
	return "unknown"
}

// DeviceState is NetworkManager's NMDeviceState.
type DeviceState uint32

func (s DeviceState) String() string {
	switch {
	case s >= 120:
		return "failed"
	case s >= 110:
		return "deactivating"
	case s == 100:
		return "activated"
	case s >= 40:
		return "activating"
	case s == 30:
		return "disconnected"
	case s == 20:
		return "unavailable"
	case s == 10:
		return "unmanaged"
	}
	return "unknown"
}

// Manager is the daemon's root object.
type Manager struct {
	Path              string   `json:"path"`
	Version           string   `json:"version"`
	State             uint32   `json:"state"`
	Devices           []string `json:"devices"`
	ActiveConnections []string `json:"active_connections"`
}

// Settings is the profile store.
type Settings struct {
	Path        string   `json:"path"`
	Hostname    string   `json:"hostname,omitempty"`
	Connections []string `json:"connections"`
}

// Device is one network device known to the daemon.
type Device struct {
	Path                 string         `json:"path"`
	Interface            string         `json:"interface"`
	DeviceType           DeviceType     `json:"device_type"`
	State                DeviceState    `json:"state"`
	HwAddress            string         `json:"hw_address,omitempty"`
	Udi                  string         `json:"udi,omitempty"`
	Driver               string         `json:"driver,omitempty"`
	Mtu                  uint32         `json:"mtu,omitempty"`
	Managed              bool           `json:"managed"`
	AvailableConnections []string       `json:"available_connections"`
	ActiveConnection     string         `json:"active_connection,omitempty"`
	Ip4Config            string         `json:"ip4_config,omitempty"`
	Ip6Config            string         `json:"ip6_config,omitempty"`
	Members              []string       `json:"members,omitempty"`
	LinkInfo             *linkinfo.Info `json:"link_info,omitempty"`
}

// Connection is a persisted profile. Settings is nil until the first
// fetch completes, and shared with the cache: Clone before editing.
type Connection struct {
	Path       string          `json:"path"`
	Settings   *codec.Settings `json:"settings,omitempty"`
	Unsaved    bool            `json:"unsaved"`
	Filename   string          `json:"filename,omitempty"`
	Groups     []string        `json:"groups,omitempty"`
	Members    []string        `json:"members,omitempty"`
	Interfaces []string        `json:"interfaces,omitempty"`
}

// ActiveConnection binds a Connection to devices.
type ActiveConnection struct {
	Path       string   `json:"path"`
	Connection string   `json:"connection,omitempty"`
	ID         string   `json:"id"`
	UUID       string   `json:"uuid"`
	Type       string   `json:"type"`
	State      uint32   `json:"state"`
	Devices    []string `json:"devices"`
	Controller string   `json:"controller,omitempty"`
	Ip4Config  string   `json:"ip4_config,omitempty"`
	Ip6Config  string   `json:"ip6_config,omitempty"`
	Group      string   `json:"group,omitempty"`
}

// IPConfig holds the addresses of a device or active connection.
type IPConfig struct {
	Path        string          `json:"path"`
	Family      int             `json:"family"`
	Addresses   []codec.Address `json:"addresses"`
	Gateway     string          `json:"gateway,omitempty"`
	Nameservers []string        `json:"nameservers,omitempty"`
}

// Interface is a network interface name, whether or not a device backs it.
type Interface struct {
	Name                 string   `json:"name"`
	Device               string   `json:"device,omitempty"`
	Connections          []string `json:"connections"`
	NonDeviceConnections []string `json:"-"`
	MainConnection       string   `json:"main_connection,omitempty"`
}

// Snapshot is an immutable view of the graph after one pipeline run.
type Snapshot struct {
	Generation        uint64                       `json:"generation"`
	Ready             bool                         `json:"ready"`
	Manager           *Manager                     `json:"manager,omitempty"`
	Settings          *Settings                    `json:"settings,omitempty"`
	Devices           map[string]*Device           `json:"devices"`
	Connections       map[string]*Connection       `json:"connections"`
	ActiveConnections map[string]*ActiveConnection `json:"active_connections"`
	IPConfigs         map[string]*IPConfig         `json:"ip_configs"`
	Interfaces        map[string]*Interface        `json:"interfaces"`
}

func (m *Model) buildSnapshot() *Snapshot {
	s := &Snapshot{
		Generation:        m.runs.Load(),
		Ready:             m.ready.Load(),
		Devices:           make(map[string]*Device),
		Connections:       make(map[string]*Connection),
		ActiveConnections: make(map[string]*ActiveConnection),
		IPConfigs:         make(map[string]*IPConfig),
		Interfaces:        make(map[string]*Interface),
	}
	for _, o := range m.objects {
		if o.typ.Publish != nil {
			o.typ.Publish(o, s)
		}
	}
	return s
}

// Device returns the device at path, or nil.
func (s *Snapshot) Device(path string) *Device { return s.Devices[path] }

// Connection returns the connection at path, or nil.
func (s *Snapshot) Connection(path string) *Connection { return s.Connections[path] }

// ActiveConnection returns the active connection at path, or nil.
func (s *Snapshot) ActiveConnection(path string) *ActiveConnection {
	return s.ActiveConnections[path]
}

// IPConfig returns the IP config at path, or nil.
func (s *Snapshot) IPConfig(path string) *IPConfig { return s.IPConfigs[path] }

// FindInterface returns the interface called name, or nil.
func (s *Snapshot) FindInterface(name string) *Interface {
	return s.Interfaces[name]
}

// ListInterfaces returns every interface sorted by name.
func (s *Snapshot) ListInterfaces() []*Interface {
	out := make([]*Interface, 0, len(s.Interfaces))
	for _, i := range s.Interfaces {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// ListDevices returns every device sorted by path.
func (s *Snapshot) ListDevices() []*Device {
	out := make([]*Device, 0, len(s.Devices))
	for _, d := range s.Devices {
		out = append(out, d)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Path < out[b].Path })
	return out
}

// ListConnections returns every connection sorted by path.
func (s *Snapshot) ListConnections() []*Connection {
	out := make([]*Connection, 0, len(s.Connections))
	for _, c := range s.Connections {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Path < out[b].Path })
	return out
}

// FindConnection returns the connection whose UUID or ID is key. A UUID
// match wins over an ID match.
func (s *Snapshot) FindConnection(key string) *Connection {
	var byID *Connection
	for _, c := range s.ListConnections() {
		if c.Settings == nil || c.Settings.Connection == nil {
			continue
		}
		if c.Settings.Connection.UUID == key {
			return c
		}
		if byID == nil && c.Settings.Connection.ID == key {
			byID = c
		}
	}
	return byID
}

// FindDevice returns the device with the given interface name, or nil.
func (s *Snapshot) FindDevice(name string) *Device {
	if i := s.FindInterface(name); i != nil && i.Device != "" {
		return s.Devices[i.Device]
	}
	return nil
}

func clonePaths(ss []string) []string {
	if ss == nil {
		return nil
	}
	out := make([]string, len(ss))
	copy(out, ss)
	return out
}

// Manager returns the manager from the latest snapshot, or nil.
func (m *Model) Manager() *Manager {
	if s := m.Snapshot(); s != nil {
		return s.Manager
	}
	return nil
}

// Settings returns the profile store from the latest snapshot, or nil.
func (m *Model) Settings() *Settings {
	if s := m.Snapshot(); s != nil {
		return s.Settings
	}
	return nil
}

// FindInterface looks name up in the latest snapshot.
func (m *Model) FindInterface(name string) *Interface {
	if s := m.Snapshot(); s != nil {
		return s.FindInterface(name)
	}
	return nil
}

// ListInterfaces returns the interfaces of the latest snapshot sorted by
// name.
func (m *Model) ListInterfaces() []*Interface {
	if s := m.Snapshot(); s != nil {
		return s.ListInterfaces()
	}
	return nil
}
