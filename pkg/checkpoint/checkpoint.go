// Package checkpoint guards mutations that might cut the administrator off
// the host. A guarded mutation runs inside a daemon-side checkpoint with
// automatic rollback; if the management session survives, the checkpoint
// is destroyed and the change stays.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/juju/clock"

	"github.com/netconsole/netconsole/pkg/bus"
	"github.com/netconsole/netconsole/pkg/util"
)

// Daemon coordinates.
const (
	managerPath      = "/org/freedesktop/NetworkManager"
	managerInterface = "org.freedesktop.NetworkManager"
)

// Defaults.
const (
	DefaultRollbackTimeout = 7 * time.Second
	DefaultSettleDelay     = 1 * time.Second
	DefaultCurtainDelay    = 1500 * time.Millisecond

	DefaultFailText   = "This change would break the connection to this host"
	DefaultAnywayText = "Apply anyway"
)

// State is where a guarded mutation stands.
type State int

const (
	Idle State = iota
	Testing
	Committed
	RolledBack
	Unguarded
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Testing:
		return "testing"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	case Unguarded:
		return "unguarded"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Curtain is the connectivity indicator shown while a change is on trial.
type Curtain string

const (
	CurtainNone      Curtain = ""
	CurtainTesting   Curtain = "testing"
	CurtainRestoring Curtain = "restoring"
)

// Options scopes one guarded mutation.
type Options struct {
	// Devices limits the checkpoint to these device paths; empty means
	// every device.
	Devices []string
	// RollbackOnFailure rolls back explicitly when the mutation fails.
	// Use it when the mutation may have changed something before failing.
	RollbackOnFailure bool
	// DoesAddOrRemove marks mutations that create or delete the managed
	// interface. See Coordinator.SetSkipAddOrRemove.
	DoesAddOrRemove bool
	// FailText and AnywayText label the breaking-change dialog.
	FailText   string
	AnywayText string

	RollbackTimeout time.Duration
	SettleDelay     time.Duration
}

// Presenter shows the coordinator's user-facing state. Calls for one
// coordinator are serialized; a presenter must not call back into the
// coordinator.
type Presenter interface {
	ShowCurtain(Curtain)
	ShowBreakingChange(*BreakingChangeError)
}

// Observer is told how each guarded mutation ended.
type Observer interface {
	CheckpointOutcome(state State)
}

// Config wires a Coordinator.
type Config struct {
	Clock        clock.Clock
	Presenter    Presenter
	Observer     Observer
	CurtainDelay time.Duration
}

// BreakingChangeError means the checkpoint could not be destroyed after a
// mutation, which usually means the daemon already rolled it back because
// the change broke connectivity.
type BreakingChangeError struct {
	FailText   string
	AnywayText string
	Err        error

	retry func(ctx context.Context) error
}

func (e *BreakingChangeError) Error() string {
	msg := e.FailText
	if msg == "" {
		msg = util.ErrConnectivityLost.Error()
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *BreakingChangeError) Unwrap() []error {
	return []error{util.ErrConnectivityLost, e.Err}
}

// Retry applies the same mutation again without checkpoint protection.
func (e *BreakingChangeError) Retry(ctx context.Context) error {
	return e.retry(ctx)
}

// Coordinator runs guarded mutations one at a time.
type Coordinator struct {
	client       bus.Caller
	clock        clock.Clock
	presenter    Presenter
	observer     Observer
	curtainDelay time.Duration

	busy sync.Mutex

	mu              sync.Mutex
	state           State
	curtain         Curtain
	run             uint64
	armed           bool
	disabled        bool
	skipAddOrRemove bool
}

// New returns a coordinator issuing checkpoint calls through client.
func New(client bus.Caller, cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.CurtainDelay <= 0 {
		cfg.CurtainDelay = DefaultCurtainDelay
	}
	return &Coordinator{
		client:          client,
		clock:           cfg.Clock,
		presenter:       cfg.Presenter,
		observer:        cfg.Observer,
		curtainDelay:    cfg.CurtainDelay,
		skipAddOrRemove: true,
	}
}

// SetDisabled turns checkpoint protection off for every mutation.
func (c *Coordinator) SetDisabled(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = v
}

// SetSkipAddOrRemove controls whether mutations flagged DoesAddOrRemove
// run unguarded. It defaults to true: a checkpoint cannot cover a change
// that adds and removes the interface it protects.
func (c *Coordinator) SetSkipAddOrRemove(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipAddOrRemove = v
}

// State returns the state of the current or last guarded mutation.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Curtain returns the indicator currently shown.
func (c *Coordinator) Curtain() Curtain {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curtain
}

// WithCheckpoint runs fn under a checkpoint. The error of fn is returned
// unchanged; a *BreakingChangeError is returned when fn succeeded but the
// checkpoint could not be committed.
func (c *Coordinator) WithCheckpoint(ctx context.Context, fn func(ctx context.Context) error, opts Options) error {
	c.busy.Lock()
	defer c.busy.Unlock()

	if opts.RollbackTimeout <= 0 {
		opts.RollbackTimeout = DefaultRollbackTimeout
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.FailText == "" {
		opts.FailText = DefaultFailText
	}
	if opts.AnywayText == "" {
		opts.AnywayText = DefaultAnywayText
	}
	log := util.WithOperation("checkpoint")

	c.mu.Lock()
	skip := c.disabled || (opts.DoesAddOrRemove && c.skipAddOrRemove)
	c.mu.Unlock()
	if skip {
		log.Debug("running unguarded")
		return c.unguarded(ctx, fn)
	}

	cp, err := c.create(ctx, opts)
	if err != nil {
		log.Warnf("checkpoint unavailable, running unguarded: %v", err)
		return c.unguarded(ctx, fn)
	}
	log = log.WithField("checkpoint", cp)

	run := c.begin(true)
	curtainTimer := c.clock.AfterFunc(c.curtainDelay, func() { c.setCurtain(run, CurtainTesting) })
	restoreTimer := c.clock.AfterFunc(opts.RollbackTimeout, func() { c.setCurtain(run, CurtainRestoring) })
	disarm := func() {
		curtainTimer.Stop()
		restoreTimer.Stop()
		c.disarm(run)
	}
	finish := func(s State) {
		curtainTimer.Stop()
		restoreTimer.Stop()
		c.end(run, s)
	}

	if err := fn(ctx); err != nil {
		disarm()
		if opts.RollbackOnFailure {
			if rerr := c.call(ctx, "CheckpointRollback", cp); rerr != nil {
				log.Warnf("rollback after failed mutation: %v", rerr)
			}
			finish(RolledBack)
			return err
		}
		if derr := c.call(ctx, "CheckpointDestroy", cp); derr != nil {
			log.Warnf("destroying checkpoint after failed mutation: %v", derr)
		}
		finish(Idle)
		return err
	}

	select {
	case <-c.clock.After(opts.SettleDelay):
	case <-ctx.Done():
		// The daemon rolls back on its own when the timeout passes.
		finish(RolledBack)
		return ctx.Err()
	}

	if err := c.call(context.Background(), "CheckpointDestroy", cp); err != nil {
		log.Warnf("change was rolled back: %v", err)
		bce := &BreakingChangeError{
			FailText:   opts.FailText,
			AnywayText: opts.AnywayText,
			Err:        err,
			retry: func(ctx context.Context) error {
				return c.unguardedRetry(ctx, fn)
			},
		}
		finish(RolledBack)
		if c.presenter != nil {
			c.presenter.ShowBreakingChange(bce)
		}
		return bce
	}
	log.Debug("committed")
	finish(Committed)
	return nil
}

// create asks the daemon for a checkpoint over opts.Devices.
func (c *Coordinator) create(ctx context.Context, opts Options) (dbus.ObjectPath, error) {
	devices := make([]dbus.ObjectPath, 0, len(opts.Devices))
	for _, d := range opts.Devices {
		devices = append(devices, dbus.ObjectPath(d))
	}
	secs := uint32((opts.RollbackTimeout + time.Second - 1) / time.Second)
	reply, err := c.client.Call(ctx, managerPath, managerInterface, "CheckpointCreate", devices, secs, uint32(0))
	if err != nil {
		return "", fmt.Errorf("%w: %v", util.ErrCheckpointUnsupported, err)
	}
	var cp dbus.ObjectPath
	if err := reply.Store(&cp); err != nil {
		return "", fmt.Errorf("%w: decoding CheckpointCreate reply: %v", util.ErrCheckpointUnsupported, err)
	}
	return cp, nil
}

func (c *Coordinator) call(ctx context.Context, method string, cp dbus.ObjectPath) error {
	_, err := c.client.Call(ctx, managerPath, managerInterface, method, cp)
	return err
}

func (c *Coordinator) unguarded(ctx context.Context, fn func(ctx context.Context) error) error {
	run := c.begin(false)
	err := fn(ctx)
	c.end(run, Unguarded)
	return err
}

// unguardedRetry runs fn for a breaking-change retry. It does not take
// the busy lock so a presenter may retry from inside its callback.
func (c *Coordinator) unguardedRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	util.WithOperation("checkpoint").Info("retrying without checkpoint")
	err := fn(ctx)
	if c.observer != nil {
		c.observer.CheckpointOutcome(Unguarded)
	}
	return err
}

// begin starts a new run and returns its id. Timer callbacks carry the id
// so a late firing from an earlier run is ignored.
func (c *Coordinator) begin(guarded bool) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run++
	c.state = Unguarded
	if guarded {
		c.state = Testing
	}
	c.armed = guarded
	return c.run
}

// disarm clears the curtain of run and keeps timers that already fired
// from showing it again.
func (c *Coordinator) disarm(run uint64) {
	c.mu.Lock()
	if c.run == run {
		c.armed = false
	}
	c.mu.Unlock()
	c.setCurtain(run, CurtainNone)
}

// end records the outcome of run.
func (c *Coordinator) end(run uint64, s State) {
	c.disarm(run)
	c.mu.Lock()
	if c.run == run {
		c.state = s
	}
	c.mu.Unlock()
	if c.observer != nil {
		c.observer.CheckpointOutcome(s)
	}
}

func (c *Coordinator) setCurtain(run uint64, v Curtain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != run || c.curtain == v {
		return
	}
	if v != CurtainNone && !c.armed {
		return
	}
	c.curtain = v
	if c.presenter != nil {
		c.presenter.ShowCurtain(v)
	}
}
