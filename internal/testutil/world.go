package testutil

import (
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/netconsole/netconsole/pkg/codec"
)

// Object paths and interfaces of the daemon's tree.
const (
	ManagerPath      = "/org/freedesktop/NetworkManager"
	SettingsPath     = ManagerPath + "/Settings"
	DevicePrefix     = ManagerPath + "/Devices/"
	ConnectionPrefix = SettingsPath + "/"
	ActivePrefix     = ManagerPath + "/ActiveConnection/"

	managerIface    = "org.freedesktop.NetworkManager"
	settingsIface   = managerIface + ".Settings"
	connectionIface = settingsIface + ".Connection"
	deviceIface     = managerIface + ".Device"
	activeIface     = managerIface + ".Connection.Active"
)

// World seeds a FakeBus with a consistent NetworkManager object tree.
// Lists on the manager and settings objects are kept in step with the
// objects added.
type World struct {
	Bus     *FakeBus
	devices []dbus.ObjectPath
	conns   []dbus.ObjectPath
	actives []dbus.ObjectPath
}

// NewWorld returns a tree holding only the manager and settings objects.
func NewWorld() *World {
	w := &World{Bus: NewFakeBus()}
	w.Bus.SetObject(ManagerPath, managerIface, map[string]interface{}{
		"Version":           "1.46.0",
		"State":             uint32(70),
		"Devices":           []dbus.ObjectPath{},
		"ActiveConnections": []dbus.ObjectPath{},
	})
	w.Bus.SetObject(SettingsPath, settingsIface, map[string]interface{}{
		"Connections": []dbus.ObjectPath{},
		"Hostname":    "console",
	})
	return w
}

// AddDevice adds a device of type typ. props override the defaults.
func (w *World) AddDevice(path, name string, typ uint32, props map[string]interface{}) {
	all := map[string]interface{}{
		"Interface":            name,
		"DeviceType":           typ,
		"State":                uint32(30),
		"Managed":              true,
		"Mtu":                  uint32(1500),
		"ActiveConnection":     dbus.ObjectPath("/"),
		"Ip4Config":            dbus.ObjectPath("/"),
		"Ip6Config":            dbus.ObjectPath("/"),
		"AvailableConnections": []dbus.ObjectPath{},
	}
	for k, v := range props {
		all[k] = v
	}
	w.Bus.SetObject(path, deviceIface, all)
	w.devices = append(w.devices, dbus.ObjectPath(path))
	w.Bus.SetProps(ManagerPath, managerIface, map[string]interface{}{"Devices": append([]dbus.ObjectPath{}, w.devices...)})
}

// AddConnection adds a saved profile with the given settings.
func (w *World) AddConnection(path string, raw codec.Raw) {
	w.Bus.SetSettings(path, raw)
	w.Bus.SetObject(path, connectionIface, map[string]interface{}{
		"Unsaved":  false,
		"Filename": "/etc/NetworkManager/system-connections/" + strings.TrimPrefix(path, ConnectionPrefix) + ".nmconnection",
	})
	w.conns = append(w.conns, dbus.ObjectPath(path))
	w.Bus.SetProps(SettingsPath, settingsIface, map[string]interface{}{"Connections": append([]dbus.ObjectPath{}, w.conns...)})
}

// RemoveConnection deletes a profile the way the daemon announces it.
func (w *World) RemoveConnection(path string) {
	var keep []dbus.ObjectPath
	for _, p := range w.conns {
		if string(p) != path {
			keep = append(keep, p)
		}
	}
	w.conns = keep
	w.Bus.SetProps(SettingsPath, settingsIface, map[string]interface{}{"Connections": append([]dbus.ObjectPath{}, keep...)})
	w.Bus.RemoveObject(path)
}

// AddActive activates conn on devices. controller may be "".
func (w *World) AddActive(path, conn string, devices []string, controller string) {
	devs := make([]dbus.ObjectPath, 0, len(devices))
	for _, d := range devices {
		devs = append(devs, dbus.ObjectPath(d))
	}
	if controller == "" {
		controller = "/"
	}
	w.Bus.SetObject(path, activeIface, map[string]interface{}{
		"Connection": dbus.ObjectPath(conn),
		"Devices":    devs,
		"Master":     dbus.ObjectPath(controller),
		"State":      uint32(2),
		"Id":         "active",
		"Uuid":       "",
		"Type":       "802-3-ethernet",
		"Ip4Config":  dbus.ObjectPath("/"),
		"Ip6Config":  dbus.ObjectPath("/"),
	})
	w.actives = append(w.actives, dbus.ObjectPath(path))
	w.Bus.SetProps(ManagerPath, managerIface, map[string]interface{}{"ActiveConnections": append([]dbus.ObjectPath{}, w.actives...)})
	for _, d := range devices {
		w.Bus.SetProps(d, deviceIface, map[string]interface{}{"ActiveConnection": dbus.ObjectPath(path)})
	}
}

// Profile returns a minimal settings bundle.
func Profile(id, uuid, typ, iface string, timestamp uint64) codec.Raw {
	sec := codec.Section{
		"id":        dbus.MakeVariant(id),
		"uuid":      dbus.MakeVariant(uuid),
		"type":      dbus.MakeVariant(typ),
		"timestamp": dbus.MakeVariant(timestamp),
	}
	if iface != "" {
		sec["interface-name"] = dbus.MakeVariant(iface)
	}
	return codec.Raw{"connection": sec}
}

// Port returns a bundle for a port profile under controller.
func Port(id, uuid, iface, controller, portType string) codec.Raw {
	raw := Profile(id, uuid, "802-3-ethernet", iface, 0)
	raw["connection"]["master"] = dbus.MakeVariant(controller)
	raw["connection"]["slave-type"] = dbus.MakeVariant(portType)
	return raw
}
