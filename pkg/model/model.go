// Package model keeps a consistent in-memory graph of NetworkManager's
// objects: devices, connection profiles, active connections, IP configs,
// and synthetic interfaces.
//
// Remote updates are applied on a single loop goroutine that owns the
// object cache. After every burst of updates the loop re-runs the full
// derivation pipeline and publishes an immutable Snapshot. Readers only
// ever see snapshots, so they never observe a partially derived graph.
package model

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/netconsole/netconsole/pkg/bus"
	"github.com/netconsole/netconsole/pkg/codec"
	"github.com/netconsole/netconsole/pkg/linkinfo"
	"github.com/netconsole/netconsole/pkg/util"
)

// Bus coordinates of the NetworkManager service.
const (
	ManagerPath  = "/org/freedesktop/NetworkManager"
	SettingsPath = "/org/freedesktop/NetworkManager/Settings"

	ManagerInterface          = "org.freedesktop.NetworkManager"
	SettingsInterface         = "org.freedesktop.NetworkManager.Settings"
	ConnectionInterface       = "org.freedesktop.NetworkManager.Settings.Connection"
	DeviceInterface           = "org.freedesktop.NetworkManager.Device"
	ActiveConnectionInterface = "org.freedesktop.NetworkManager.Connection.Active"
	IP4ConfigInterface        = "org.freedesktop.NetworkManager.IP4Config"
	IP6ConfigInterface        = "org.freedesktop.NetworkManager.IP6Config"
)

// DefaultDebounce is the trailing-edge delay between the last change of a
// burst and the pipeline run it causes.
const DefaultDebounce = 10 * time.Millisecond

// Observer receives engine statistics. pkg/metrics implements it.
type Observer interface {
	PipelineRun(objects int, d time.Duration)
	Outstanding(n int)
	RefreshFailed(kind string)
}

// LinkResolver looks up kernel attributes of an interface by name.
type LinkResolver interface {
	Lookup(ctx context.Context, name string) (*linkinfo.Info, error)
}

// Options configures a Model.
type Options struct {
	Clock    clock.Clock
	Debounce time.Duration
	Observer Observer
	// Links is optional; without it devices carry no LinkInfo.
	Links LinkResolver
}

// Model is the synchronized object graph.
type Model struct {
	client bus.Client
	clock  clock.Clock
	opts   Options
	types  *typeSet
	codecV atomic.Pointer[codec.Codec]

	events chan func()
	done   chan struct{}
	wg     sync.WaitGroup

	// Loop-owned state.
	objects         map[string]*object
	outstanding     int
	exportScheduled bool
	waiters         []chan struct{}
	unwatch         func()
	unsubscribe     []func()
	bootstrapped    bool

	debounce *util.Coalescer
	snapshot atomic.Pointer[Snapshot]
	ready    atomic.Bool
	runs     atomic.Uint64

	subsMu sync.Mutex
	nextID int
	subs   map[int]chan *Snapshot

	started  atomic.Bool
	closing  atomic.Bool
	ownerOff func()
	ctx      context.Context
	cancel   context.CancelFunc
}

// New returns a model bound to client. Call Start to begin syncing.
func New(client bus.Client, opts Options) *Model {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Model{
		client:  client,
		clock:   opts.Clock,
		opts:    opts,
		types:   newTypeSet(),
		events:  make(chan func(), 1024),
		done:    make(chan struct{}),
		objects: make(map[string]*object),
		subs:    make(map[int]chan *Snapshot),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.debounce = util.NewCoalescer(m.clock, opts.Debounce, func() {
		m.post(m.runExport)
	})
	return m
}

// Start launches the loop, learns the daemon's byte order, and loads the
// initial graph. It returns once the initial state has been requested;
// use Synchronize to wait for it to settle.
func (m *Model) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("model already started")
	}
	m.wg.Add(1)
	go m.loop()

	m.ownerOff = m.client.OnOwnerChanged(func(owner string) {
		m.post(func() { m.ownerChanged(owner) })
	})

	for _, t := range m.types.all() {
		for member := range t.Signals {
			typ, member := t, member
			off, err := m.client.Subscribe(bus.Filter{
				PathNamespace: ManagerPath,
				Interface:     typ.Interfaces[0],
				Member:        member,
			}, func(s bus.Signal) {
				m.post(func() { m.handleSignal(typ, s) })
			})
			if err != nil {
				return fmt.Errorf("subscribing to %s.%s: %w", typ.Interfaces[0], member, err)
			}
			m.unsubscribe = append(m.unsubscribe, off)
		}
	}

	return m.bootstrap(ctx)
}

// bootstrap probes the daemon, seeds the singletons and starts the watch.
func (m *Model) bootstrap(ctx context.Context) error {
	reply, err := m.client.Call(ctx, ManagerPath, bus.PropertiesInterface, "Get", ManagerInterface, "Version")
	if err != nil {
		return fmt.Errorf("%w: %v", util.ErrNotConnected, err)
	}
	if m.codecV.Load() == nil {
		m.codecV.Store(codec.FromEndianFlag(reply.Endianness))
		util.Debugf("daemon byte order %q", reply.Endianness)
	}

	m.do(func() {
		m.bootstrapped = true
		m.get(ManagerPath, m.types.Manager)
		m.get(SettingsPath, m.types.Settings)
		m.scheduleExport()
	})

	unwatch, err := m.client.Watch(ctx, bus.Filter{PathNamespace: ManagerPath}, func(u bus.Update) {
		m.post(func() { m.applyUpdate(u) })
	})
	if err != nil {
		return fmt.Errorf("watching %s: %w", ManagerPath, err)
	}
	m.do(func() {
		if m.unwatch != nil {
			m.unwatch()
		}
		m.unwatch = unwatch
	})
	return nil
}

// Close stops the loop and releases bus subscriptions. Pending
// Synchronize calls return ErrNotReady.
func (m *Model) Close() {
	select {
	case <-m.done:
		return
	default:
	}
	if !m.started.Load() {
		close(m.done)
		return
	}
	m.closing.Store(true)
	m.do(func() {
		if m.unwatch != nil {
			m.unwatch()
			m.unwatch = nil
		}
		for _, w := range m.waiters {
			close(w)
		}
		m.waiters = nil
	})
	for _, off := range m.unsubscribe {
		off()
	}
	if m.ownerOff != nil {
		m.ownerOff()
	}
	m.debounce.Stop()
	m.cancel()
	close(m.done)
	m.wg.Wait()

	m.subsMu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.subsMu.Unlock()
}

// codec returns the daemon's codec. Before bootstrap it falls back to the
// local byte order.
func (m *Model) codec() *codec.Codec {
	if c := m.codecV.Load(); c != nil {
		return c
	}
	return codec.New(nil)
}

// Codec returns the codec fixed at startup, for callers that build
// settings bundles.
func (m *Model) Codec() *codec.Codec {
	return m.codec()
}

func (m *Model) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case fn := <-m.events:
			fn()
		}
	}
}

// post queues fn on the loop. It reports false once the model is closed.
func (m *Model) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	case m.events <- fn:
		return true
	}
}

// do runs fn on the loop and waits for it.
func (m *Model) do(fn func()) {
	finished := make(chan struct{})
	if !m.post(func() {
		defer close(finished)
		fn()
	}) {
		return
	}
	select {
	case <-finished:
	case <-m.done:
	}
}

// applyUpdate routes one watch update into the cache.
func (m *Model) applyUpdate(u bus.Update) {
	if !m.bootstrapped {
		return
	}
	typ := m.types.registry.ForInterface(u.Interface)
	if u.Removed {
		if typ != nil && typ.Interfaces[0] == u.Interface {
			m.drop(u.Path)
		}
		return
	}
	if typ == nil {
		// Property bags are merged per path, so a change reported on an
		// interface we do not map still lands on a known object.
		o := m.peek(u.Path)
		if o == nil {
			return
		}
		typ = o.typ
	}
	o := m.get(u.Path, typ)
	if m.applyProps(o, u.Props) {
		m.scheduleExport()
	}
}

func (m *Model) handleSignal(typ *Type, s bus.Signal) {
	if !m.bootstrapped {
		return
	}
	h := typ.Signals[s.Member]
	if h == nil {
		return
	}
	// Signals never create their sender. New objects arrive through the
	// singletons' DeviceAdded and NewConnection.
	o := m.peek(s.Path)
	if o == nil {
		util.WithPath(s.Path).Debugf("ignoring %s from unknown object", s.Member)
		return
	}
	h(m, o, s)
}

// ownerChanged drops the whole graph when the daemon goes away and
// re-bootstraps when it comes back.
func (m *Model) ownerChanged(owner string) {
	if owner == "" {
		util.Warnf("%s left the bus; dropping %d objects", bus.ServiceName, len(m.objects))
		if m.unwatch != nil {
			m.unwatch()
			m.unwatch = nil
		}
		m.bootstrapped = false
		for _, o := range m.sortedObjects() {
			m.remove(o.path)
		}
		m.ready.Store(false)
		m.publish()
		return
	}
	util.Infof("%s appeared as %s; reloading", bus.ServiceName, owner)
	go func() {
		if err := m.bootstrap(m.ctx); err != nil {
			util.Errorf("reloading after owner change: %v", err)
		}
	}()
}

type nopObserver struct{}

func (nopObserver) PipelineRun(int, time.Duration) {}
func (nopObserver) Outstanding(int)                {}
func (nopObserver) RefreshFailed(string)           {}
