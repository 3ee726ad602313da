package model

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/netconsole/netconsole/pkg/codec"
	"github.com/netconsole/netconsole/pkg/util"
)

// Mutations talk to the daemon directly and return its verdict. The cache
// learns about the result through the usual signals; callers that need the
// derived graph afterwards call Synchronize.

// ApplySettings overwrites conn's profile with s. Validation errors from
// encoding are returned before anything is sent.
func (m *Model) ApplySettings(ctx context.Context, conn *Connection, s *codec.Settings) error {
	if conn == nil {
		return fmt.Errorf("apply settings: %w", util.ErrNotFound)
	}
	raw, err := m.codec().EncodeSettings(s)
	if err != nil {
		return err
	}
	_, err = m.client.Call(ctx, conn.Path, ConnectionInterface, "Update", raw)
	return err
}

// AddConnection creates a new persistent profile and returns its path.
func (m *Model) AddConnection(ctx context.Context, s *codec.Settings) (string, error) {
	raw, err := m.codec().EncodeSettings(s)
	if err != nil {
		return "", err
	}
	reply, err := m.client.Call(ctx, SettingsPath, SettingsInterface, "AddConnection", raw)
	if err != nil {
		return "", err
	}
	var path dbus.ObjectPath
	if err := reply.Store(&path); err != nil {
		return "", fmt.Errorf("decoding AddConnection reply: %w", err)
	}
	return string(path), nil
}

// DeleteConnection removes a persistent profile.
func (m *Model) DeleteConnection(ctx context.Context, conn *Connection) error {
	if conn == nil {
		return fmt.Errorf("delete connection: %w", util.ErrNotFound)
	}
	_, err := m.client.Call(ctx, conn.Path, ConnectionInterface, "Delete")
	return err
}

// Activate activates conn on dev. Either may be nil to let the daemon
// choose. specificObject is usually "".
func (m *Model) Activate(ctx context.Context, dev *Device, conn *Connection, specificObject string) (string, error) {
	reply, err := m.client.Call(ctx, ManagerPath, ManagerInterface, "ActivateConnection",
		objectPath(connPath(conn)), objectPath(devPath(dev)), objectPath(specificObject))
	if err != nil {
		return "", err
	}
	var active dbus.ObjectPath
	if err := reply.Store(&active); err != nil {
		return "", fmt.Errorf("decoding ActivateConnection reply: %w", err)
	}
	return string(active), nil
}

// ActivateWithSettings creates a profile from s and activates it on dev
// in one call. It returns the new profile and active connection paths.
func (m *Model) ActivateWithSettings(ctx context.Context, dev *Device, s *codec.Settings, specificObject string) (string, string, error) {
	raw, err := m.codec().EncodeSettings(s)
	if err != nil {
		return "", "", err
	}
	reply, err := m.client.Call(ctx, ManagerPath, ManagerInterface, "AddAndActivateConnection",
		raw, objectPath(devPath(dev)), objectPath(specificObject))
	if err != nil {
		return "", "", err
	}
	var conn, active dbus.ObjectPath
	if err := reply.Store(&conn, &active); err != nil {
		return "", "", fmt.Errorf("decoding AddAndActivateConnection reply: %w", err)
	}
	return string(conn), string(active), nil
}

// Deactivate tears down an active connection.
func (m *Model) Deactivate(ctx context.Context, ac *ActiveConnection) error {
	if ac == nil {
		return fmt.Errorf("deactivate: %w", util.ErrNotFound)
	}
	_, err := m.client.Call(ctx, ManagerPath, ManagerInterface, "DeactivateConnection", dbus.ObjectPath(ac.Path))
	return err
}

// Disconnect disconnects a device and keeps it from auto-activating.
func (m *Model) Disconnect(ctx context.Context, dev *Device) error {
	if dev == nil {
		return fmt.Errorf("disconnect: %w", util.ErrNotFound)
	}
	_, err := m.client.Call(ctx, dev.Path, DeviceInterface, "Disconnect")
	return err
}

func objectPath(p string) dbus.ObjectPath {
	if p == "" {
		return "/"
	}
	return dbus.ObjectPath(p)
}

func connPath(c *Connection) string {
	if c == nil {
		return ""
	}
	return c.Path
}

func devPath(d *Device) string {
	if d == nil {
		return ""
	}
	return d.Path
}
