package bus

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/netconsole/netconsole/pkg/util"
)

// DBusClient implements Client on a godbus connection.
type DBusClient struct {
	conn       *dbus.Conn
	service    string
	endianness byte
	closer     func() error

	signals chan *dbus.Signal
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
	owners map[int]func(string)
}

type subscription struct {
	filter  Filter
	handler func(Signal)
}

// ConnectSystem connects to the local system bus.
func ConnectSystem() (*DBusClient, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	return NewDBusClient(conn, NativeEndianFlag(), nil)
}

// ConnectSession connects to the local session bus. Used against test
// daemons that do not own the system bus name.
func ConnectSession() (*DBusClient, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to session bus: %w", err)
	}
	return NewDBusClient(conn, NativeEndianFlag(), nil)
}

// NewDBusClient wraps an authenticated connection. endianness is the byte
// order flag of the host the service runs on; closer, if set, runs after
// the connection is closed.
func NewDBusClient(conn *dbus.Conn, endianness byte, closer func() error) (*DBusClient, error) {
	c := &DBusClient{
		conn:       conn,
		service:    ServiceName,
		endianness: endianness,
		closer:     closer,
		signals:    make(chan *dbus.Signal, 256),
		done:       make(chan struct{}),
		subs:       make(map[int]*subscription),
		owners:     make(map[int]func(string)),
	}

	err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, c.service),
	)
	if err != nil {
		return nil, fmt.Errorf("watching %s owner: %w", c.service, err)
	}

	conn.Signal(c.signals)
	c.wg.Add(1)
	go c.dispatch()
	return c, nil
}

// NativeEndianFlag returns the D-Bus byte-order flag of this host.
func NativeEndianFlag() byte {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], 1)
	if b[0] == 1 {
		return 'l'
	}
	return 'B'
}

// Call invokes a method on the NetworkManager service.
func (c *DBusClient) Call(ctx context.Context, path, iface, method string, args ...interface{}) (*Reply, error) {
	obj := c.conn.Object(c.service, dbus.ObjectPath(path))
	call := obj.CallWithContext(ctx, iface+"."+method, 0, args...)
	if call.Err != nil {
		return nil, util.NewRemoteError(path, method, call.Err)
	}
	return &Reply{Body: call.Body, Endianness: c.endianness}, nil
}

// Subscribe installs a bus match for filter and routes matching signals
// to handler.
func (c *DBusClient) Subscribe(filter Filter, handler func(Signal)) (func(), error) {
	opts := matchOptions(filter)
	if err := c.conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("adding match %+v: %w", filter, err)
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = &subscription{filter: filter, handler: handler}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			if err := c.conn.RemoveMatchSignal(opts...); err != nil {
				util.Debugf("removing match %+v: %v", filter, err)
			}
		})
	}, nil
}

// Watch subscribes to property and object-manager signals under the
// filter's namespace, then replays the current state of every managed
// object through handler.
func (c *DBusClient) Watch(ctx context.Context, filter Filter, handler func(Update)) (func(), error) {
	ns := filter.PathNamespace
	if ns == "" {
		ns = ObjectManagerPath
	}

	var unsubs []func()
	unwatch := func() {
		for _, u := range unsubs {
			u()
		}
	}

	// Properties.PropertiesChanged, plus the legacy per-interface
	// PropertiesChanged(a{sv}) some daemon versions still emit.
	u, err := c.Subscribe(Filter{PathNamespace: ns, Member: "PropertiesChanged"}, func(s Signal) {
		if upd, ok := propertiesChanged(s); ok && filter.Matches(upd.Path, upd.Interface, "") {
			handler(upd)
		}
	})
	if err != nil {
		return nil, err
	}
	unsubs = append(unsubs, u)

	u, err = c.Subscribe(Filter{Path: ObjectManagerPath, Interface: ObjectManagerInterface}, func(s Signal) {
		for _, upd := range objectManagerSignal(s) {
			if filter.Matches(upd.Path, upd.Interface, "") {
				handler(upd)
			}
		}
	})
	if err != nil {
		unwatch()
		return nil, err
	}
	unsubs = append(unsubs, u)

	reply, err := c.Call(ctx, ObjectManagerPath, ObjectManagerInterface, "GetManagedObjects")
	if err != nil {
		unwatch()
		return nil, err
	}
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := reply.Store(&objects); err != nil {
		unwatch()
		return nil, fmt.Errorf("decoding managed objects: %w", err)
	}
	for path, ifaces := range objects {
		for iface, props := range ifaces {
			if filter.Matches(string(path), iface, "") {
				handler(Update{Path: string(path), Interface: iface, Props: props})
			}
		}
	}
	return unwatch, nil
}

// OnOwnerChanged registers a NameOwnerChanged handler for the service.
func (c *DBusClient) OnOwnerChanged(handler func(owner string)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.owners[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.owners, id)
		c.mu.Unlock()
	}
}

// Close closes the connection and stops signal dispatch.
func (c *DBusClient) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	close(c.done)
	c.conn.RemoveSignal(c.signals)
	err := c.conn.Close()
	c.wg.Wait()
	if c.closer != nil {
		if cerr := c.closer(); err == nil {
			err = cerr
		}
	}
	return err
}

func (c *DBusClient) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case sig, ok := <-c.signals:
			if !ok {
				return
			}
			c.deliver(sig)
		}
	}
}

func (c *DBusClient) deliver(sig *dbus.Signal) {
	iface, member := splitName(sig.Name)

	if iface == "org.freedesktop.DBus" && member == "NameOwnerChanged" {
		var name, oldOwner, newOwner string
		if err := dbus.Store(sig.Body, &name, &oldOwner, &newOwner); err != nil || name != c.service {
			return
		}
		c.mu.Lock()
		handlers := make([]func(string), 0, len(c.owners))
		for _, h := range c.owners {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()
		for _, h := range handlers {
			h(newOwner)
		}
		return
	}

	s := Signal{Path: string(sig.Path), Interface: iface, Member: member, Body: sig.Body}
	c.mu.Lock()
	var handlers []func(Signal)
	for _, sub := range c.subs {
		if sub.filter.Matches(s.Path, s.Interface, s.Member) {
			handlers = append(handlers, sub.handler)
		}
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

func matchOptions(f Filter) []dbus.MatchOption {
	var opts []dbus.MatchOption
	if f.Path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(dbus.ObjectPath(f.Path)))
	}
	if f.PathNamespace != "" {
		opts = append(opts, dbus.WithMatchPathNamespace(dbus.ObjectPath(f.PathNamespace)))
	}
	if f.Interface != "" {
		opts = append(opts, dbus.WithMatchInterface(f.Interface))
	}
	if f.Member != "" {
		opts = append(opts, dbus.WithMatchMember(f.Member))
	}
	return opts
}

func splitName(name string) (iface, member string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// propertiesChanged converts either form of PropertiesChanged into an
// Update. Invalidated properties are not refetched; NetworkManager always
// sends values.
func propertiesChanged(s Signal) (Update, bool) {
	if s.Interface == PropertiesInterface {
		var iface string
		var changed map[string]dbus.Variant
		var invalidated []string
		if err := dbus.Store(s.Body, &iface, &changed, &invalidated); err != nil {
			return Update{}, false
		}
		return Update{Path: s.Path, Interface: iface, Props: changed}, true
	}
	var changed map[string]dbus.Variant
	if len(s.Body) != 1 || dbus.Store(s.Body, &changed) != nil {
		return Update{}, false
	}
	return Update{Path: s.Path, Interface: s.Interface, Props: changed}, true
}

func objectManagerSignal(s Signal) []Update {
	switch s.Member {
	case "InterfacesAdded":
		var path dbus.ObjectPath
		var ifaces map[string]map[string]dbus.Variant
		if err := dbus.Store(s.Body, &path, &ifaces); err != nil {
			return nil
		}
		out := make([]Update, 0, len(ifaces))
		for iface, props := range ifaces {
			out = append(out, Update{Path: string(path), Interface: iface, Props: props})
		}
		return out
	case "InterfacesRemoved":
		var path dbus.ObjectPath
		var ifaces []string
		if err := dbus.Store(s.Body, &path, &ifaces); err != nil {
			return nil
		}
		out := make([]Update, 0, len(ifaces))
		for _, iface := range ifaces {
			out = append(out, Update{Path: string(path), Interface: iface, Removed: true})
		}
		return out
	}
	return nil
}
