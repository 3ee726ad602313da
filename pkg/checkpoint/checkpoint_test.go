package checkpoint

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/juju/clock/testclock"

	"github.com/netconsole/netconsole/internal/testutil"
	"github.com/netconsole/netconsole/pkg/util"
)

const testCheckpoint = dbus.ObjectPath("/org/freedesktop/NetworkManager/Checkpoint/1")

type recorder struct {
	mu       sync.Mutex
	curtains []Curtain
	dialogs  []*BreakingChangeError
	outcomes []State
}

func (r *recorder) ShowCurtain(c Curtain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.curtains = append(r.curtains, c)
}

func (r *recorder) ShowBreakingChange(e *BreakingChangeError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialogs = append(r.dialogs, e)
}

func (r *recorder) CheckpointOutcome(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, s)
}

func (r *recorder) snapshot() ([]Curtain, []*BreakingChangeError, []State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Curtain(nil), r.curtains...), append([]*BreakingChangeError(nil), r.dialogs...), append([]State(nil), r.outcomes...)
}

type harness struct {
	bus *testutil.FakeBus
	clk *testclock.Clock
	rec *recorder
	c   *Coordinator
}

func newHarness(destroyErr error) *harness {
	h := &harness{
		bus: testutil.NewFakeBus(),
		clk: testclock.NewClock(time.Now()),
		rec: &recorder{},
	}
	h.bus.Handle(managerInterface, "CheckpointCreate", func(string, []interface{}) ([]interface{}, error) {
		return []interface{}{testCheckpoint}, nil
	})
	h.bus.Handle(managerInterface, "CheckpointDestroy", func(string, []interface{}) ([]interface{}, error) {
		return nil, destroyErr
	})
	h.bus.Handle(managerInterface, "CheckpointRollback", func(string, []interface{}) ([]interface{}, error) {
		return []interface{}{map[string]uint32{}}, nil
	})
	h.c = New(h.bus, Config{Clock: h.clk, Presenter: h.rec, Observer: h.rec})
	return h
}

// guarded starts WithCheckpoint in the background.
func (h *harness) guarded(fn func(context.Context) error, opts Options) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.c.WithCheckpoint(context.Background(), fn, opts) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("guarded mutation did not finish")
	}
	return nil
}

func TestCommitPath(t *testing.T) {
	h := newHarness(nil)
	var ran int32
	done := h.guarded(func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, Options{
		Devices:         []string{"/org/freedesktop/NetworkManager/Devices/1"},
		RollbackTimeout: 7 * time.Second,
		SettleDelay:     time.Second,
	})

	// Curtain timer, restore timer and settle delay.
	if err := h.clk.WaitAdvance(time.Second, 5*time.Second, 3); err != nil {
		t.Fatal(err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("WithCheckpoint() error: %v", err)
	}

	if atomic.LoadInt32(&ran) != 1 {
		t.Errorf("mutation ran %d times", ran)
	}
	if got := h.c.State(); got != Committed {
		t.Errorf("State() = %v, want committed", got)
	}
	curtains, dialogs, outcomes := h.rec.snapshot()
	if len(curtains) != 0 {
		t.Errorf("curtain shown on the commit path: %v", curtains)
	}
	if len(dialogs) != 0 {
		t.Errorf("dialog shown on the commit path")
	}
	if len(outcomes) != 1 || outcomes[0] != Committed {
		t.Errorf("outcomes = %v", outcomes)
	}

	create := h.bus.Calls("CheckpointCreate")
	if len(create) != 1 {
		t.Fatalf("CheckpointCreate calls = %d", len(create))
	}
	devs, _ := create[0].Args[0].([]dbus.ObjectPath)
	if len(devs) != 1 || devs[0] != "/org/freedesktop/NetworkManager/Devices/1" {
		t.Errorf("checkpoint devices = %v", create[0].Args[0])
	}
	if create[0].Args[1] != uint32(7) || create[0].Args[2] != uint32(0) {
		t.Errorf("CheckpointCreate timeout/flags = %v, %v", create[0].Args[1], create[0].Args[2])
	}
	destroy := h.bus.Calls("CheckpointDestroy")
	if len(destroy) != 1 || destroy[0].Args[0] != testCheckpoint {
		t.Errorf("CheckpointDestroy calls = %+v", destroy)
	}
}

func TestRollbackPath(t *testing.T) {
	h := newHarness(errors.New("checkpoint does not exist"))
	var ran int32
	mutation := func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}
	done := h.guarded(mutation, Options{
		FailText:        "Changing the bond would break the connection",
		AnywayText:      "Keep changes",
		RollbackTimeout: 7 * time.Second,
		SettleDelay:     time.Second,
	})

	if err := h.clk.WaitAdvance(time.Second, 5*time.Second, 3); err != nil {
		t.Fatal(err)
	}
	err := wait(t, done)

	var bce *BreakingChangeError
	if !errors.As(err, &bce) {
		t.Fatalf("WithCheckpoint() error = %v, want BreakingChangeError", err)
	}
	if !errors.Is(err, util.ErrConnectivityLost) {
		t.Error("BreakingChangeError does not wrap ErrConnectivityLost")
	}
	if bce.AnywayText != "Keep changes" {
		t.Errorf("AnywayText = %q", bce.AnywayText)
	}
	if got := h.c.State(); got != RolledBack {
		t.Errorf("State() = %v, want rolled-back", got)
	}
	if got := h.c.Curtain(); got != CurtainNone {
		t.Errorf("Curtain() = %q after rollback", got)
	}
	_, dialogs, _ := h.rec.snapshot()
	if len(dialogs) != 1 || dialogs[0] != bce {
		t.Fatalf("dialogs = %v", dialogs)
	}

	if err := bce.Retry(context.Background()); err != nil {
		t.Errorf("Retry() error: %v", err)
	}
	if atomic.LoadInt32(&ran) != 2 {
		t.Errorf("mutation ran %d times, want 2 after retry", ran)
	}
	if n := len(h.bus.Calls("CheckpointCreate")); n != 1 {
		t.Errorf("retry created a checkpoint (%d creates)", n)
	}
}

func TestRollbackDefaultTexts(t *testing.T) {
	h := newHarness(errors.New("checkpoint does not exist"))
	done := h.guarded(func(context.Context) error { return nil }, Options{})

	if err := h.clk.WaitAdvance(time.Second, 5*time.Second, 3); err != nil {
		t.Fatal(err)
	}
	var bce *BreakingChangeError
	if err := wait(t, done); !errors.As(err, &bce) {
		t.Fatalf("WithCheckpoint() error = %v, want BreakingChangeError", err)
	}
	if bce.FailText != DefaultFailText || bce.AnywayText != DefaultAnywayText {
		t.Errorf("texts = %q / %q, want the defaults", bce.FailText, bce.AnywayText)
	}
}

func TestCurtainShownForSlowMutation(t *testing.T) {
	h := newHarness(nil)
	release := make(chan struct{})
	done := h.guarded(func(context.Context) error {
		<-release
		return nil
	}, Options{})

	if err := h.clk.WaitAdvance(DefaultCurtainDelay, 5*time.Second, 2); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for h.c.Curtain() != CurtainTesting && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := h.c.Curtain(); got != CurtainTesting {
		t.Fatalf("Curtain() = %q, want testing", got)
	}

	close(release)
	// Restore timer and settle delay.
	if err := h.clk.WaitAdvance(DefaultSettleDelay, 5*time.Second, 2); err != nil {
		t.Fatal(err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("WithCheckpoint() error: %v", err)
	}
	curtains, _, _ := h.rec.snapshot()
	want := []Curtain{CurtainTesting, CurtainNone}
	if len(curtains) != len(want) || curtains[0] != want[0] || curtains[1] != want[1] {
		t.Errorf("curtains = %q, want %q", curtains, want)
	}
}

func TestMutationFailure(t *testing.T) {
	boom := errors.New("invalid settings")
	for _, rollback := range []bool{false, true} {
		h := newHarness(nil)
		err := h.c.WithCheckpoint(context.Background(), func(context.Context) error {
			return boom
		}, Options{RollbackOnFailure: rollback})
		if !errors.Is(err, boom) {
			t.Errorf("rollback=%v: error = %v, want the mutation's", rollback, err)
		}
		rollbacks := len(h.bus.Calls("CheckpointRollback"))
		destroys := len(h.bus.Calls("CheckpointDestroy"))
		if rollback && (rollbacks != 1 || destroys != 0) {
			t.Errorf("rollback=true: %d rollbacks, %d destroys", rollbacks, destroys)
		}
		if !rollback && (rollbacks != 0 || destroys != 1) {
			t.Errorf("rollback=false: %d rollbacks, %d destroys", rollbacks, destroys)
		}
		if got := h.c.Curtain(); got != CurtainNone {
			t.Errorf("rollback=%v: Curtain() = %q", rollback, got)
		}
	}
}

func TestUnsupportedRunsUnguarded(t *testing.T) {
	h := &harness{bus: testutil.NewFakeBus(), rec: &recorder{}}
	h.c = New(h.bus, Config{Clock: testclock.NewClock(time.Now()), Presenter: h.rec, Observer: h.rec})

	var ran bool
	err := h.c.WithCheckpoint(context.Background(), func(context.Context) error {
		ran = true
		return nil
	}, Options{})
	if err != nil || !ran {
		t.Fatalf("WithCheckpoint() = %v, ran=%v", err, ran)
	}
	if got := h.c.State(); got != Unguarded {
		t.Errorf("State() = %v, want unguarded", got)
	}
	if n := len(h.bus.Calls("CheckpointDestroy")); n != 0 {
		t.Errorf("%d destroy calls without a checkpoint", n)
	}
}

func TestGlobalSwitches(t *testing.T) {
	h := newHarness(nil)
	noop := func(context.Context) error { return nil }

	if err := h.c.WithCheckpoint(context.Background(), noop, Options{DoesAddOrRemove: true}); err != nil {
		t.Fatal(err)
	}
	if n := len(h.bus.Calls("CheckpointCreate")); n != 0 {
		t.Errorf("add/remove mutation created %d checkpoints", n)
	}

	h.c.SetDisabled(true)
	if err := h.c.WithCheckpoint(context.Background(), noop, Options{}); err != nil {
		t.Fatal(err)
	}
	if n := len(h.bus.Calls("CheckpointCreate")); n != 0 {
		t.Errorf("disabled coordinator created %d checkpoints", n)
	}

	h.c.SetDisabled(false)
	h.c.SetSkipAddOrRemove(false)
	done := h.guarded(noop, Options{DoesAddOrRemove: true})
	if err := h.clk.WaitAdvance(DefaultSettleDelay, 5*time.Second, 3); err != nil {
		t.Fatal(err)
	}
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
	if n := len(h.bus.Calls("CheckpointCreate")); n != 1 {
		t.Errorf("guarded add/remove mutation created %d checkpoints, want 1", n)
	}
}

func TestCancelDuringSettle(t *testing.T) {
	h := newHarness(nil)
	ctx, cancel := context.WithCancel(context.Background())
	err := h.c.WithCheckpoint(ctx, func(context.Context) error {
		cancel()
		return nil
	}, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("WithCheckpoint() = %v, want context.Canceled", err)
	}
	if got := h.c.Curtain(); got != CurtainNone {
		t.Errorf("Curtain() = %q", got)
	}
	if n := len(h.bus.Calls("CheckpointDestroy")); n != 0 {
		t.Errorf("%d destroy calls after cancel", n)
	}
}
