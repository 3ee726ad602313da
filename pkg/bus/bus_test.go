package bus

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestFilterMatches(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		path   string
		iface  string
		member string
		want   bool
	}{
		{"empty matches all", Filter{}, "/a", "x", "y", true},
		{"exact path", Filter{Path: "/a"}, "/a", "", "", true},
		{"exact path mismatch", Filter{Path: "/a"}, "/a/b", "", "", false},
		{"namespace root", Filter{PathNamespace: "/org/freedesktop/NetworkManager"}, "/org/freedesktop/NetworkManager", "", "", true},
		{"namespace child", Filter{PathNamespace: "/org/freedesktop/NetworkManager"}, "/org/freedesktop/NetworkManager/Devices/1", "", "", true},
		{"namespace sibling prefix", Filter{PathNamespace: "/org/freedesktop/NetworkManager"}, "/org/freedesktop/NetworkManagerX", "", "", false},
		{"interface", Filter{Interface: "i"}, "/a", "j", "", false},
		{"member", Filter{Member: "Updated"}, "/a", "i", "Updated", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(tt.path, tt.iface, tt.member); got != tt.want {
				t.Errorf("Matches(%q, %q, %q) = %v, want %v", tt.path, tt.iface, tt.member, got, tt.want)
			}
		})
	}
}

func TestSplitName(t *testing.T) {
	iface, member := splitName("org.freedesktop.DBus.Properties.PropertiesChanged")
	if iface != PropertiesInterface || member != "PropertiesChanged" {
		t.Errorf("splitName = %q, %q", iface, member)
	}
	if iface, member := splitName("Bare"); iface != "" || member != "Bare" {
		t.Errorf("splitName(Bare) = %q, %q", iface, member)
	}
}

func TestPropertiesChanged(t *testing.T) {
	props := map[string]dbus.Variant{"State": dbus.MakeVariant(uint32(100))}

	upd, ok := propertiesChanged(Signal{
		Path:      "/org/freedesktop/NetworkManager/Devices/2",
		Interface: PropertiesInterface,
		Member:    "PropertiesChanged",
		Body:      []interface{}{"org.freedesktop.NetworkManager.Device", props, []string{}},
	})
	if !ok {
		t.Fatal("standard PropertiesChanged not decoded")
	}
	if upd.Interface != "org.freedesktop.NetworkManager.Device" || upd.Props["State"].Value() != uint32(100) {
		t.Errorf("update = %+v", upd)
	}

	upd, ok = propertiesChanged(Signal{
		Path:      "/org/freedesktop/NetworkManager/Devices/2",
		Interface: "org.freedesktop.NetworkManager.Device.Wired",
		Member:    "PropertiesChanged",
		Body:      []interface{}{props},
	})
	if !ok {
		t.Fatal("legacy PropertiesChanged not decoded")
	}
	if upd.Interface != "org.freedesktop.NetworkManager.Device.Wired" {
		t.Errorf("legacy update interface = %q", upd.Interface)
	}

	if _, ok := propertiesChanged(Signal{Interface: "x", Body: []interface{}{"wrong"}}); ok {
		t.Error("malformed body should be rejected")
	}
}

func TestObjectManagerSignal(t *testing.T) {
	added := objectManagerSignal(Signal{
		Member: "InterfacesAdded",
		Body: []interface{}{
			dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings/7"),
			map[string]map[string]dbus.Variant{
				"org.freedesktop.NetworkManager.Settings.Connection": {
					"Unsaved": dbus.MakeVariant(false),
				},
			},
		},
	})
	if len(added) != 1 || added[0].Removed || added[0].Path != "/org/freedesktop/NetworkManager/Settings/7" {
		t.Errorf("InterfacesAdded = %+v", added)
	}

	removed := objectManagerSignal(Signal{
		Member: "InterfacesRemoved",
		Body: []interface{}{
			dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings/7"),
			[]string{"org.freedesktop.NetworkManager.Settings.Connection"},
		},
	})
	if len(removed) != 1 || !removed[0].Removed {
		t.Errorf("InterfacesRemoved = %+v", removed)
	}

	if got := objectManagerSignal(Signal{Member: "Other"}); got != nil {
		t.Errorf("unknown member = %+v", got)
	}
}

func TestParseEndianProbe(t *testing.T) {
	if got, err := parseEndianProbe("      1\n"); err != nil || got != 'l' {
		t.Errorf("parseEndianProbe(1) = %c, %v", got, err)
	}
	if got, err := parseEndianProbe("    256\n"); err != nil || got != 'B' {
		t.Errorf("parseEndianProbe(256) = %c, %v", got, err)
	}
	if _, err := parseEndianProbe("od: not found"); err == nil {
		t.Error("garbage probe output should fail")
	}
}

func TestNativeEndianFlag(t *testing.T) {
	if f := NativeEndianFlag(); f != 'l' && f != 'B' {
		t.Errorf("NativeEndianFlag() = %q", f)
	}
}

func TestReplyStore(t *testing.T) {
	r := &Reply{Body: []interface{}{dbus.ObjectPath("/a"), uint32(3)}}
	var path dbus.ObjectPath
	var n uint32
	if err := r.Store(&path, &n); err != nil {
		t.Fatalf("Store error = %v", err)
	}
	if path != "/a" || n != 3 {
		t.Errorf("Store = %q, %d", path, n)
	}
}
