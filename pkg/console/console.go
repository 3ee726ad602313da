// Package console is the operation layer shared by the CLI and the HTTP
// server. It resolves interface and connection names against the latest
// snapshot, checks access, runs every mutation under a checkpoint, and
// records the outcome in the audit log.
package console

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"

	"github.com/netconsole/netconsole/pkg/audit"
	"github.com/netconsole/netconsole/pkg/auth"
	"github.com/netconsole/netconsole/pkg/checkpoint"
	"github.com/netconsole/netconsole/pkg/codec"
	"github.com/netconsole/netconsole/pkg/model"
	"github.com/netconsole/netconsole/pkg/util"
)

// Connection types whose activation creates a kernel interface and whose
// removal deletes it.
var virtualTypes = map[string]bool{
	"bond":      true,
	"bridge":    true,
	"team":      true,
	"vlan":      true,
	"dummy":     true,
	"wireguard": true,
	"macvlan":   true,
	"vxlan":     true,
	"tun":       true,
	"veth":      true,
}

// Actor identifies who asked for a change.
type Actor struct {
	User     string
	ClientIP string
}

// Options configures a Service.
type Options struct {
	Clock           clock.Clock
	RollbackTimeout time.Duration
	SettleDelay     time.Duration
}

// Service runs console operations against a synchronized model.
type Service struct {
	model   *model.Model
	cp      *checkpoint.Coordinator
	checker *auth.Checker
	opts    Options
}

// New returns a service. checker may be nil to allow everything.
func New(m *model.Model, cp *checkpoint.Coordinator, checker *auth.Checker, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if checker == nil {
		checker = auth.NewChecker(nil)
	}
	return &Service{model: m, cp: cp, checker: checker, opts: opts}
}

// Model returns the underlying model.
func (s *Service) Model() *model.Model { return s.model }

// Checkpoints returns the checkpoint coordinator.
func (s *Service) Checkpoints() *checkpoint.Coordinator { return s.cp }

// Synchronize waits for the graph to settle.
func (s *Service) Synchronize(ctx context.Context) error {
	return s.model.Synchronize(ctx)
}

func (s *Service) snapshot() (*model.Snapshot, error) {
	snap := s.model.Snapshot()
	if snap == nil || !snap.Ready {
		return nil, util.ErrNotReady
	}
	return snap, nil
}

// ============================================================================
// Queries
// ============================================================================

// InterfaceView is everything the console shows for one interface.
type InterfaceView struct {
	Name           string                  `json:"name"`
	Device         *model.Device           `json:"device,omitempty"`
	Connections    []*model.Connection     `json:"connections"`
	MainConnection *model.Connection       `json:"main_connection,omitempty"`
	Active         *model.ActiveConnection `json:"active,omitempty"`
	IPv4           *model.IPConfig         `json:"ipv4,omitempty"`
	IPv6           *model.IPConfig         `json:"ipv6,omitempty"`
	Members        []string                `json:"members,omitempty"`
}

// Interface returns the view of one interface.
func (s *Service) Interface(name string) (*InterfaceView, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	iface := snap.FindInterface(name)
	if iface == nil {
		return nil, fmt.Errorf("interface %s: %w", name, util.ErrNotFound)
	}
	return buildView(snap, iface), nil
}

// Interfaces returns a view of every interface sorted by name.
func (s *Service) Interfaces() ([]*InterfaceView, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	var out []*InterfaceView
	for _, iface := range snap.ListInterfaces() {
		out = append(out, buildView(snap, iface))
	}
	return out, nil
}

func buildView(snap *model.Snapshot, iface *model.Interface) *InterfaceView {
	v := &InterfaceView{
		Name:           iface.Name,
		Device:         snap.Device(iface.Device),
		MainConnection: snap.Connection(iface.MainConnection),
		Connections:    []*model.Connection{},
	}
	for _, p := range iface.Connections {
		if c := snap.Connection(p); c != nil {
			v.Connections = append(v.Connections, c)
		}
	}
	if dev := v.Device; dev != nil {
		v.Active = snap.ActiveConnection(dev.ActiveConnection)
		v.IPv4 = snap.IPConfig(dev.Ip4Config)
		v.IPv6 = snap.IPConfig(dev.Ip6Config)
		for _, m := range dev.Members {
			if d := snap.Device(m); d != nil {
				v.Members = append(v.Members, d.Interface)
			}
		}
	}
	return v
}

// AuditLog returns recorded events matching filter.
func (s *Service) AuditLog(a Actor, filter audit.Filter) ([]*audit.Event, error) {
	if err := s.checker.CheckUser(s.user(a), auth.PermAuditView, nil); err != nil {
		return nil, err
	}
	return audit.Query(filter)
}

// ============================================================================
// Mutations
// ============================================================================

// Activate activates a connection on an interface. An empty connKey
// activates the interface's main connection.
func (s *Service) Activate(ctx context.Context, a Actor, ifaceName, connKey string) error {
	ev := audit.NewEvent("", audit.OpActivate).WithInterface(ifaceName)
	snap, err := s.snapshot()
	if err != nil {
		return s.record(ev, a, err)
	}

	dev := snap.FindDevice(ifaceName)
	var conn *model.Connection
	if connKey != "" {
		conn = snap.FindConnection(connKey)
		if conn == nil {
			return s.record(ev, a, fmt.Errorf("connection %s: %w", connKey, util.ErrNotFound))
		}
	} else if iface := snap.FindInterface(ifaceName); iface != nil {
		conn = snap.Connection(iface.MainConnection)
	}
	if dev == nil && conn == nil {
		return s.record(ev, a, fmt.Errorf("interface %s: %w", ifaceName, util.ErrNotFound))
	}
	ev.WithConnection(connName(conn))

	return s.guarded(ctx, a, ev, auth.PermInterfaceActivate, auth.NewContext().WithInterface(ifaceName),
		checkpoint.Options{
			Devices:           devicePaths(dev),
			RollbackOnFailure: true,
			DoesAddOrRemove:   dev == nil && conn != nil && isVirtual(conn.Settings),
			FailText:          fmt.Sprintf("Activating %s on %s will break the connection to this host", connLabel(conn), ifaceName),
			AnywayText:        "Activate anyway",
		},
		func(ctx context.Context) error {
			_, err := s.model.Activate(ctx, dev, conn, "")
			return err
		})
}

// Deactivate tears down the active connection of an interface.
func (s *Service) Deactivate(ctx context.Context, a Actor, ifaceName string) error {
	ev := audit.NewEvent("", audit.OpDeactivate).WithInterface(ifaceName)
	snap, err := s.snapshot()
	if err != nil {
		return s.record(ev, a, err)
	}
	dev := snap.FindDevice(ifaceName)
	if dev == nil {
		return s.record(ev, a, fmt.Errorf("device %s: %w", ifaceName, util.ErrNotFound))
	}
	ac := snap.ActiveConnection(dev.ActiveConnection)
	if ac == nil {
		return s.record(ev, a, fmt.Errorf("active connection on %s: %w", ifaceName, util.ErrNotFound))
	}
	ev.WithConnection(ac.ID)

	return s.guarded(ctx, a, ev, auth.PermInterfaceActivate, auth.NewContext().WithInterface(ifaceName),
		checkpoint.Options{
			Devices:         devicePaths(dev),
			DoesAddOrRemove: dev.DeviceType.Composite(),
			FailText:        fmt.Sprintf("Deactivating %s on %s will break the connection to this host", ac.ID, ifaceName),
			AnywayText:      "Deactivate anyway",
		},
		func(ctx context.Context) error {
			return s.model.Deactivate(ctx, ac)
		})
}

// Disconnect disconnects an interface's device and keeps it down.
func (s *Service) Disconnect(ctx context.Context, a Actor, ifaceName string) error {
	ev := audit.NewEvent("", audit.OpDisconnect).WithInterface(ifaceName)
	snap, err := s.snapshot()
	if err != nil {
		return s.record(ev, a, err)
	}
	dev := snap.FindDevice(ifaceName)
	if dev == nil {
		return s.record(ev, a, fmt.Errorf("device %s: %w", ifaceName, util.ErrNotFound))
	}

	return s.guarded(ctx, a, ev, auth.PermInterfaceActivate, auth.NewContext().WithInterface(ifaceName),
		checkpoint.Options{
			Devices:    devicePaths(dev),
			FailText:   fmt.Sprintf("Disconnecting %s will break the connection to this host", ifaceName),
			AnywayText: "Disconnect anyway",
		},
		func(ctx context.Context) error {
			return s.model.Disconnect(ctx, dev)
		})
}

// ApplySettings replaces the settings of the connection whose UUID or ID
// is connKey.
func (s *Service) ApplySettings(ctx context.Context, a Actor, connKey string, settings *codec.Settings) error {
	ev := audit.NewEvent("", audit.OpApplySettings).WithConnection(connKey)
	snap, err := s.snapshot()
	if err != nil {
		return s.record(ev, a, err)
	}
	conn := snap.FindConnection(connKey)
	if conn == nil {
		return s.record(ev, a, fmt.Errorf("connection %s: %w", connKey, util.ErrNotFound))
	}
	ev.WithConnection(connName(conn))
	if err := validateSettings(settings); err != nil {
		return s.record(ev, a, err)
	}

	var devs []string
	for _, name := range conn.Interfaces {
		devs = append(devs, devicePaths(snap.FindDevice(name))...)
		ev.WithInterface(name)
	}
	return s.guarded(ctx, a, ev, auth.PermConnectionModify, auth.NewContext().WithConnection(connName(conn)),
		checkpoint.Options{
			Devices:           devs,
			RollbackOnFailure: true,
			FailText:          fmt.Sprintf("Changing %s will break the connection to this host", connName(conn)),
			AnywayText:        "Keep changes",
		},
		func(ctx context.Context) error {
			return s.model.ApplySettings(ctx, conn, settings)
		})
}

// AddConnection saves a new profile and returns its path.
func (s *Service) AddConnection(ctx context.Context, a Actor, settings *codec.Settings) (string, error) {
	ev := audit.NewEvent("", audit.OpAddConnection)
	if err := validateSettings(settings); err != nil {
		return "", s.record(ev, a, err)
	}
	ev.WithConnection(settings.Connection.ID).WithInterface(settings.Connection.InterfaceName)

	var devs []string
	if snap, err := s.snapshot(); err == nil {
		devs = devicePaths(snap.FindDevice(settings.Connection.InterfaceName))
	}
	var path string
	err := s.guarded(ctx, a, ev, auth.PermConnectionCreate, auth.NewContext().WithConnection(settings.Connection.ID),
		checkpoint.Options{
			Devices:         devs,
			DoesAddOrRemove: isVirtual(settings),
			FailText:        fmt.Sprintf("Adding %s will break the connection to this host", settings.Connection.ID),
			AnywayText:      "Add anyway",
		},
		func(ctx context.Context) error {
			var err error
			path, err = s.model.AddConnection(ctx, settings)
			return err
		})
	return path, err
}

// DeleteConnection removes the profile whose UUID or ID is connKey.
func (s *Service) DeleteConnection(ctx context.Context, a Actor, connKey string) error {
	ev := audit.NewEvent("", audit.OpDeleteConnection).WithConnection(connKey)
	snap, err := s.snapshot()
	if err != nil {
		return s.record(ev, a, err)
	}
	conn := snap.FindConnection(connKey)
	if conn == nil {
		return s.record(ev, a, fmt.Errorf("connection %s: %w", connKey, util.ErrNotFound))
	}
	ev.WithConnection(connName(conn))

	var devs []string
	for _, name := range conn.Interfaces {
		devs = append(devs, devicePaths(snap.FindDevice(name))...)
	}
	return s.guarded(ctx, a, ev, auth.PermConnectionDelete, auth.NewContext().WithConnection(connName(conn)),
		checkpoint.Options{
			Devices:         devs,
			DoesAddOrRemove: isVirtual(conn.Settings),
			FailText:        fmt.Sprintf("Deleting %s will break the connection to this host", connName(conn)),
			AnywayText:      "Delete anyway",
		},
		func(ctx context.Context) error {
			return s.model.DeleteConnection(ctx, conn)
		})
}

// RetryUnguarded applies a change that failed its connectivity check again,
// this time without a checkpoint.
func (s *Service) RetryUnguarded(ctx context.Context, a Actor, bce *checkpoint.BreakingChangeError) error {
	ev := audit.NewEvent("", audit.OpRetryUnguarded)
	user := s.user(a)
	if err := s.checker.CheckUser(user, auth.PermCheckpointBypass, nil); err != nil {
		return s.record(ev, a, err)
	}
	start := s.opts.Clock.Now()
	err := bce.Retry(ctx)
	ev.WithCheckpoint(checkpoint.Unguarded.String()).WithDuration(s.opts.Clock.Now().Sub(start))
	return s.record(ev, a, err)
}

// guarded checks perm, runs fn under a checkpoint, and records the result.
func (s *Service) guarded(ctx context.Context, a Actor, ev *audit.Event, perm auth.Permission, actx *auth.Context, opts checkpoint.Options, fn func(ctx context.Context) error) error {
	if err := s.checker.CheckUser(s.user(a), perm, actx); err != nil {
		return s.record(ev, a, err)
	}
	opts.RollbackTimeout = s.opts.RollbackTimeout
	opts.SettleDelay = s.opts.SettleDelay

	start := s.opts.Clock.Now()
	err := s.cp.WithCheckpoint(ctx, fn, opts)
	ev.WithCheckpoint(s.cp.State().String()).WithDuration(s.opts.Clock.Now().Sub(start))
	return s.record(ev, a, err)
}

// record writes ev with the result err and returns err.
func (s *Service) record(ev *audit.Event, a Actor, err error) error {
	ev.User = s.user(a)
	ev.WithClientIP(a.ClientIP).WithResult(err)
	if logErr := audit.Log(ev); logErr != nil {
		util.WithOperation(ev.Operation).Warnf("audit log write failed: %v", logErr)
	}
	l := util.WithOperation(ev.Operation).WithField("user", ev.User)
	if err != nil {
		l.Warnf("%s failed: %v", describe(ev), err)
	} else {
		l.Infof("%s done (checkpoint %s)", describe(ev), ev.Checkpoint)
	}
	return err
}

func (s *Service) user(a Actor) string {
	if a.User != "" {
		return a.User
	}
	return s.checker.CurrentUser()
}

func describe(ev *audit.Event) string {
	switch {
	case ev.Interface != "" && ev.Connection != "":
		return fmt.Sprintf("%s %s on %s", ev.Operation, ev.Connection, ev.Interface)
	case ev.Interface != "":
		return fmt.Sprintf("%s %s", ev.Operation, ev.Interface)
	case ev.Connection != "":
		return fmt.Sprintf("%s %s", ev.Operation, ev.Connection)
	}
	return ev.Operation
}

func devicePaths(d *model.Device) []string {
	if d == nil {
		return nil
	}
	return []string{d.Path}
}

func connName(c *model.Connection) string {
	if c == nil || c.Settings == nil || c.Settings.Connection == nil {
		return ""
	}
	return c.Settings.Connection.ID
}

// connLabel is connName with a fallback for the daemon's own choice.
func connLabel(c *model.Connection) string {
	if name := connName(c); name != "" {
		return name
	}
	return "the default connection"
}

func isVirtual(s *codec.Settings) bool {
	return s != nil && s.Connection != nil && virtualTypes[s.Connection.Type]
}
