package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/netconsole/netconsole/pkg/codec"
	"github.com/netconsole/netconsole/pkg/console"
	"github.com/netconsole/netconsole/pkg/model"
	"github.com/netconsole/netconsole/pkg/settings"
	"github.com/netconsole/netconsole/pkg/util"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"y", true},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		if got := confirm(strings.NewReader(tt.input), &out, "Keep the change"); got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.HasPrefix(out.String(), "Keep the change? [y/N] ") {
			t.Errorf("prompt = %q", out.String())
		}
	}
}

func TestOverlaySettings(t *testing.T) {
	base := &codec.Settings{
		Connection: &codec.ConnectionSettings{ID: "uplink", UUID: "u-1", Type: "802-3-ethernet", Autoconnect: true},
		Ethernet:   &codec.EthernetSettings{},
	}

	got, err := overlaySettings(base, []byte(`{"connection": {"id": "wan"}}`))
	if err != nil {
		t.Fatalf("overlaySettings() error: %v", err)
	}
	if got.Connection.ID != "wan" {
		t.Errorf("ID = %q, want wan", got.Connection.ID)
	}
	if got.Connection.UUID != "u-1" || !got.Connection.Autoconnect || got.Ethernet == nil {
		t.Errorf("keys missing from the file were not kept: %+v", got.Connection)
	}
	if base.Connection.ID != "uplink" {
		t.Error("overlaySettings modified its base")
	}

	fresh, err := overlaySettings(nil, []byte(`{"connection": {"id": "lab", "type": "dummy"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Connection.Type != "dummy" {
		t.Errorf("Type = %q", fresh.Connection.Type)
	}

	_, err = overlaySettings(nil, []byte(`{`))
	var verr *util.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("invalid JSON error = %v, want ValidationError", err)
	}
}

func TestSelectedBus(t *testing.T) {
	defer func() { busName, sshHost, userSettings = "", "", nil }()

	userSettings = &settings.Settings{}
	if got := selectedBus(); got != settings.BusSystem {
		t.Errorf("default bus = %q", got)
	}
	userSettings.Bus = settings.BusSession
	if got := selectedBus(); got != settings.BusSession {
		t.Errorf("settings bus = %q", got)
	}
	sshHost = "gw1"
	if got := selectedBus(); got != settings.BusSSH {
		t.Errorf("--host bus = %q", got)
	}
	busName = settings.BusSystem
	if got := selectedBus(); got != settings.BusSystem {
		t.Errorf("--bus = %q", got)
	}
}

func TestSSHConfig(t *testing.T) {
	defer func() { sshHost, sshUser, sshPort, userSettings = "", "", 0, nil }()

	userSettings = &settings.Settings{SSH: settings.SSH{Host: "saved", User: "admin", Port: 2222, KeyFile: "/k"}}
	sshHost, sshPort = "gw1", 22

	cfg := sshConfig()
	if cfg.Host != "gw1" || cfg.Port != 22 {
		t.Errorf("flags did not override settings: %+v", cfg)
	}
	if cfg.User != "admin" || cfg.KeyFile != "/k" {
		t.Errorf("settings lost: %+v", cfg)
	}
}

func TestIsSettingsOrHelp(t *testing.T) {
	if !isSettingsOrHelp(settingsSetCmd) || !isSettingsOrHelp(versionCmd) {
		t.Error("settings and version should skip setup")
	}
	if isSettingsOrHelp(activateCmd) || isSettingsOrHelp(showInterfacesCmd) {
		t.Error("bus commands should run setup")
	}
}

func TestPrintInterfaces(t *testing.T) {
	conn := &model.Connection{
		Path:     "/org/freedesktop/NetworkManager/Settings/1",
		Settings: &codec.Settings{Connection: &codec.ConnectionSettings{ID: "uplink", UUID: "u-1", Type: "802-3-ethernet"}},
	}
	views := []*console.InterfaceView{
		{
			Name:           "eth0",
			Device:         &model.Device{Interface: "eth0", DeviceType: model.DeviceTypeEthernet, State: 100},
			Connections:    []*model.Connection{conn},
			MainConnection: conn,
			Active:         &model.ActiveConnection{ID: "uplink"},
			IPv4:           &model.IPConfig{Addresses: []codec.Address{{Address: "192.168.1.10", Prefix: 24}}},
		},
		{Name: "dummy0", Connections: []*model.Connection{}},
	}

	var buf bytes.Buffer
	printInterfaces(&buf, views)
	out := buf.String()
	for _, want := range []string{"INTERFACE", "eth0", "ethernet", "activated", "uplink", "192.168.1.10/24", "dummy0", "absent"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printInterface(&buf, views[0])
	if !strings.Contains(buf.String(), "Connections:") || !strings.Contains(buf.String(), "u-1") {
		t.Errorf("detail output:\n%s", buf.String())
	}

	buf.Reset()
	printInterfaces(&buf, nil)
	if strings.TrimSpace(buf.String()) != "No interfaces" {
		t.Errorf("empty output = %q", buf.String())
	}
}
