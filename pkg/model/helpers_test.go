package model

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/netconsole/netconsole/internal/testutil"
	"github.com/netconsole/netconsole/pkg/codec"
)

const (
	devPrefix    = ManagerPath + "/Devices/"
	connPrefix   = SettingsPath + "/"
	activePrefix = ManagerPath + "/ActiveConnection/"
)

// world wraps the shared tree builder with the model's typed constants.
type world struct {
	*testutil.World
	bus *testutil.FakeBus
}

func newWorld() *world {
	w := testutil.NewWorld()
	return &world{World: w, bus: w.Bus}
}

func (w *world) addDevice(path, name string, typ DeviceType, props map[string]interface{}) {
	w.AddDevice(path, name, uint32(typ), props)
}

func (w *world) addConnection(path string, raw codec.Raw) { w.AddConnection(path, raw) }

func (w *world) removeConnection(path string) { w.RemoveConnection(path) }

func (w *world) addActive(path, conn string, devices []string, controller string) {
	w.AddActive(path, conn, devices, controller)
}

var (
	profile = testutil.Profile
	port    = testutil.Port
)

type fixture struct {
	t     *testing.T
	world *world
	clk   *testclock.Clock
	m     *Model
}

// start runs a model against w and waits for it to settle.
func start(t *testing.T, w *world) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		world: w,
		clk:   testclock.NewClock(time.Now()),
	}
	f.m = New(w.bus, Options{Clock: f.clk})
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(f.m.Close)
	f.settle()
	return f
}

// settle drives the debounce clock until the model is ready.
func (f *fixture) settle() *Snapshot {
	f.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var outstanding int
		var scheduled bool
		f.m.do(func() { outstanding, scheduled = f.m.outstanding, f.m.exportScheduled })
		switch {
		case scheduled:
			f.clk.Advance(f.m.opts.Debounce)
		case outstanding == 0 && f.m.Ready():
			return f.m.Snapshot()
		}
		time.Sleep(time.Millisecond)
	}
	f.t.Fatalf("model did not settle")
	return nil
}

func (f *fixture) iface(name string) *Interface {
	f.t.Helper()
	i := f.m.Snapshot().FindInterface(name)
	if i == nil {
		f.t.Fatalf("interface %s missing from snapshot", name)
	}
	return i
}

func newTestClock() *testclock.Clock {
	return testclock.NewClock(time.Now())
}
