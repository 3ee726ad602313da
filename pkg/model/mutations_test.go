package model

import (
	"context"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/netconsole/netconsole/pkg/codec"
	"github.com/netconsole/netconsole/pkg/util"
)

func TestApplySettings(t *testing.T) {
	w := newWorld()
	w.addConnection(connPrefix+"1", profile("uplink", "u-1", "802-3-ethernet", "eth0", 0))
	w.bus.Handle(ConnectionInterface, "Update", func(string, []interface{}) ([]interface{}, error) {
		return nil, nil
	})
	f := start(t, w)

	conn := f.m.Snapshot().Connection(connPrefix + "1")
	s := conn.Settings.Clone()
	s.Connection.ID = "renamed"
	if err := f.m.ApplySettings(context.Background(), conn, s); err != nil {
		t.Fatalf("ApplySettings() error: %v", err)
	}

	calls := w.bus.Calls("Update")
	if len(calls) != 1 || calls[0].Path != connPrefix+"1" {
		t.Fatalf("Update calls = %+v", calls)
	}
	raw, ok := calls[0].Args[0].(codec.Raw)
	if !ok {
		t.Fatalf("Update argument is %T", calls[0].Args[0])
	}
	var id string
	if err := raw["connection"]["id"].Store(&id); err != nil || id != "renamed" {
		t.Errorf("sent id = %q (%v)", id, err)
	}
	if conn.Settings.Connection.ID != "uplink" {
		t.Error("ApplySettings modified the cached settings")
	}
}

func TestApplySettingsValidation(t *testing.T) {
	f := start(t, newWorld())
	err := f.m.ApplySettings(context.Background(), &Connection{Path: connPrefix + "1"}, &codec.Settings{
		Connection: &codec.ConnectionSettings{},
	})
	if !errors.Is(err, util.ErrValidationFailed) {
		t.Errorf("ApplySettings() error = %v, want validation failure", err)
	}
	if n := len(f.world.bus.Calls("Update")); n != 0 {
		t.Errorf("%d Update calls sent for invalid settings", n)
	}
}

func TestAddAndDeleteConnection(t *testing.T) {
	w := newWorld()
	w.bus.Handle(SettingsInterface, "AddConnection", func(string, []interface{}) ([]interface{}, error) {
		return []interface{}{dbus.ObjectPath(connPrefix + "9")}, nil
	})
	w.bus.Handle(ConnectionInterface, "Delete", func(string, []interface{}) ([]interface{}, error) {
		return nil, nil
	})
	f := start(t, w)

	path, err := f.m.AddConnection(context.Background(), &codec.Settings{
		Connection: &codec.ConnectionSettings{ID: "new", UUID: "u-new", Type: "802-3-ethernet", Autoconnect: true},
	})
	if err != nil || path != connPrefix+"9" {
		t.Fatalf("AddConnection() = %q, %v", path, err)
	}

	if err := f.m.DeleteConnection(context.Background(), &Connection{Path: path}); err != nil {
		t.Fatalf("DeleteConnection() error: %v", err)
	}
	if calls := w.bus.Calls("Delete"); len(calls) != 1 || calls[0].Path != path {
		t.Errorf("Delete calls = %+v", calls)
	}
	if err := f.m.DeleteConnection(context.Background(), nil); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("DeleteConnection(nil) = %v", err)
	}
}

func TestActivateAndDeactivate(t *testing.T) {
	w := newWorld()
	w.bus.Handle(ManagerInterface, "ActivateConnection", func(string, []interface{}) ([]interface{}, error) {
		return []interface{}{dbus.ObjectPath(activePrefix + "4")}, nil
	})
	w.bus.Handle(ManagerInterface, "AddAndActivateConnection", func(string, []interface{}) ([]interface{}, error) {
		return []interface{}{dbus.ObjectPath(connPrefix + "5"), dbus.ObjectPath(activePrefix + "5")}, nil
	})
	w.bus.Handle(ManagerInterface, "DeactivateConnection", func(string, []interface{}) ([]interface{}, error) {
		return nil, nil
	})
	w.bus.Handle(DeviceInterface, "Disconnect", func(string, []interface{}) ([]interface{}, error) {
		return nil, nil
	})
	f := start(t, w)
	ctx := context.Background()

	active, err := f.m.Activate(ctx, nil, &Connection{Path: connPrefix + "1"}, "")
	if err != nil || active != activePrefix+"4" {
		t.Fatalf("Activate() = %q, %v", active, err)
	}
	args := w.bus.Calls("ActivateConnection")[0].Args
	if args[0] != dbus.ObjectPath(connPrefix+"1") || args[1] != dbus.ObjectPath("/") || args[2] != dbus.ObjectPath("/") {
		t.Errorf("ActivateConnection args = %v", args)
	}

	conn, active, err := f.m.ActivateWithSettings(ctx, &Device{Path: devPrefix + "1"}, &codec.Settings{
		Connection: &codec.ConnectionSettings{ID: "adhoc", Type: "802-3-ethernet"},
	}, "")
	if err != nil || conn != connPrefix+"5" || active != activePrefix+"5" {
		t.Fatalf("ActivateWithSettings() = %q, %q, %v", conn, active, err)
	}

	if err := f.m.Deactivate(ctx, &ActiveConnection{Path: active}); err != nil {
		t.Errorf("Deactivate() error: %v", err)
	}
	if args := w.bus.Calls("DeactivateConnection")[0].Args; args[0] != dbus.ObjectPath(active) {
		t.Errorf("DeactivateConnection args = %v", args)
	}
	if err := f.m.Deactivate(ctx, nil); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("Deactivate(nil) = %v", err)
	}
	if err := f.m.Disconnect(ctx, &Device{Path: devPrefix + "1"}); err != nil {
		t.Errorf("Disconnect() error: %v", err)
	}
}

func TestActivateRemoteFailure(t *testing.T) {
	f := start(t, newWorld())
	_, err := f.m.Activate(context.Background(), nil, nil, "")
	if err == nil {
		t.Fatal("Activate() succeeded without a handler")
	}
}
