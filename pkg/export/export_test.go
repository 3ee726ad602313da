package export

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/netconsole/netconsole/pkg/codec"
	"github.com/netconsole/netconsole/pkg/model"
)

type memStore struct {
	mu     sync.Mutex
	rows   Rows
	writes int
	fail   error
	wrote  chan struct{}
}

func newMemStore() *memStore {
	return &memStore{rows: make(Rows), wrote: make(chan struct{}, 16)}
}

func (m *memStore) Replace(_ context.Context, rows Rows, stale []string) error {
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		m.wrote <- struct{}{}
	}()
	m.writes++
	if m.fail != nil {
		return m.fail
	}
	for _, k := range stale {
		delete(m.rows, k)
	}
	for k, v := range rows {
		m.rows[k] = v
	}
	return nil
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.rows {
		out = append(out, k)
	}
	return out
}

func testSnapshot(gen uint64) *model.Snapshot {
	const (
		dev   = "/org/freedesktop/NetworkManager/Devices/1"
		conn  = "/org/freedesktop/NetworkManager/Settings/1"
		ip4   = "/org/freedesktop/NetworkManager/IP4Config/1"
		spare = "/org/freedesktop/NetworkManager/Settings/2"
	)
	return &model.Snapshot{
		Generation: gen,
		Ready:      true,
		Devices: map[string]*model.Device{
			dev: {
				Path:       dev,
				Interface:  "eth0",
				DeviceType: model.DeviceTypeEthernet,
				State:      100,
				HwAddress:  "52:54:00:12:34:56",
				Mtu:        1500,
				Managed:    true,
				Ip4Config:  ip4,
			},
		},
		Connections: map[string]*model.Connection{
			conn: {
				Path: conn,
				Settings: &codec.Settings{Connection: &codec.ConnectionSettings{
					ID: "uplink", UUID: "u-1", Type: "802-3-ethernet", Autoconnect: true,
				}},
				Interfaces: []string{"eth0"},
			},
			spare: {
				Path: spare,
				Settings: &codec.Settings{Connection: &codec.ConnectionSettings{
					ID: "lab", UUID: "u-2", Type: "dummy",
				}},
				Interfaces: []string{"dummy0"},
			},
		},
		ActiveConnections: map[string]*model.ActiveConnection{},
		IPConfigs: map[string]*model.IPConfig{
			ip4: {Path: ip4, Family: 4, Addresses: []codec.Address{{Address: "192.168.1.10", Prefix: 24}}},
		},
		Interfaces: map[string]*model.Interface{
			"eth0":   {Name: "eth0", Device: dev, Connections: []string{conn}, MainConnection: conn},
			"dummy0": {Name: "dummy0", Connections: []string{spare}, MainConnection: spare},
		},
	}
}

func TestBuildRows(t *testing.T) {
	rows := BuildRows(testSnapshot(1))

	eth0 := rows["NM_INTERFACE|eth0"]
	want := map[string]string{
		"name":            "eth0",
		"device":          "/org/freedesktop/NetworkManager/Devices/1",
		"main_connection": "uplink",
		"connections":     "uplink",
		"state":           "activated",
		"type":            "ethernet",
		"ipv4":            "192.168.1.10/24",
	}
	if !reflect.DeepEqual(eth0, want) {
		t.Errorf("NM_INTERFACE|eth0 = %v, want %v", eth0, want)
	}
	if got := rows["NM_INTERFACE|dummy0"]["state"]; got != "absent" {
		t.Errorf("dummy0 state = %q, want absent", got)
	}
	if got := rows["NM_DEVICE|eth0"]["mtu"]; got != "1500" {
		t.Errorf("NM_DEVICE|eth0 mtu = %q", got)
	}
	if got := rows["NM_CONNECTION|u-2"]["interfaces"]; got != "dummy0" {
		t.Errorf("NM_CONNECTION|u-2 interfaces = %q", got)
	}
	if len(rows) != 5 {
		t.Errorf("%d rows, want 5", len(rows))
	}
}

func TestWriteDeletesStaleRows(t *testing.T) {
	store := newMemStore()
	e := New(store, Options{Clock: testclock.NewClock(time.Now())})

	if err := e.Write(context.Background(), testSnapshot(1)); err != nil {
		t.Fatal(err)
	}
	s := testSnapshot(2)
	delete(s.Interfaces, "dummy0")
	delete(s.Connections, "/org/freedesktop/NetworkManager/Settings/2")
	if err := e.Write(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	for _, k := range store.keys() {
		if k == "NM_INTERFACE|dummy0" || k == "NM_CONNECTION|u-2" {
			t.Errorf("stale row %s survived", k)
		}
	}
	if n := len(store.keys()); n != 3 {
		t.Errorf("%d rows after second write, want 3", n)
	}
}

func TestSubmitCoalesces(t *testing.T) {
	store := newMemStore()
	clk := testclock.NewClock(time.Now())
	var results []error
	var mu sync.Mutex
	e := New(store, Options{Clock: clk, Exported: func(err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
	}})

	for gen := uint64(1); gen <= 20; gen++ {
		e.Submit(testSnapshot(gen))
	}
	e.Submit(&model.Snapshot{Generation: 99})

	if err := clk.WaitAdvance(DefaultDelay, 5*time.Second, 1); err != nil {
		t.Fatal(err)
	}
	select {
	case <-store.wrote:
	case <-time.After(5 * time.Second):
		t.Fatal("no write after the delay")
	}

	store.mu.Lock()
	writes := store.writes
	store.mu.Unlock()
	if writes != 1 {
		t.Errorf("%d writes for one burst, want 1", writes)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 || results[0] != nil {
		t.Errorf("Exported results = %v", results)
	}
}

func TestWriteFailureKeepsState(t *testing.T) {
	store := newMemStore()
	e := New(store, Options{Clock: testclock.NewClock(time.Now())})
	if err := e.Write(context.Background(), testSnapshot(1)); err != nil {
		t.Fatal(err)
	}

	store.fail = errors.New("connection refused")
	s := testSnapshot(2)
	delete(s.Interfaces, "dummy0")
	if err := e.Write(context.Background(), s); err == nil {
		t.Fatal("Write() succeeded against a failing store")
	}

	// The failed write must not forget dummy0, or it would never be
	// deleted once the store recovers.
	store.fail = nil
	if err := e.Write(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	for _, k := range store.keys() {
		if k == "NM_INTERFACE|dummy0" {
			t.Error("dummy0 survived after the store recovered")
		}
	}
}

func TestRunStopsOnClose(t *testing.T) {
	e := New(newMemStore(), Options{Clock: testclock.NewClock(time.Now())})
	ch := make(chan *model.Snapshot)
	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), ch)
		close(done)
	}()
	close(ch)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
}
