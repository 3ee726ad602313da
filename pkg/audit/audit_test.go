package audit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newLogger(t *testing.T, rotation RotationConfig) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	l, err := NewFileLogger(path, rotation)
	if err != nil {
		t.Fatalf("NewFileLogger() error: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestEventChaining(t *testing.T) {
	e := NewEvent("alice", OpApplySettings).
		WithConnection("uplink").
		WithInterface("eth0").
		WithCheckpoint("committed").
		WithClientIP("10.0.0.7").
		WithDuration(2 * time.Second).
		WithResult(nil)

	if e.ID == "" || e.Timestamp.IsZero() {
		t.Error("NewEvent() left ID or Timestamp unset")
	}
	if e.Connection != "uplink" || e.Interface != "eth0" || e.Checkpoint != "committed" {
		t.Errorf("event = %+v", e)
	}
	if !e.Success || e.Error != "" {
		t.Errorf("Success = %v, Error = %q", e.Success, e.Error)
	}

	e.WithResult(errors.New("no route"))
	if e.Success || e.Error != "no route" {
		t.Errorf("after failure: Success = %v, Error = %q", e.Success, e.Error)
	}
}

func TestFileLoggerQuery(t *testing.T) {
	l, _ := newLogger(t, RotationConfig{})

	events := []*Event{
		NewEvent("alice", OpActivate).WithInterface("eth0").WithConnection("uplink").WithResult(nil),
		NewEvent("bob", OpDeactivate).WithInterface("eth0").WithResult(errors.New("timeout")),
		NewEvent("alice", OpDeleteConnection).WithConnection("lab").WithResult(nil),
	}
	for _, e := range events {
		if err := l.Log(e); err != nil {
			t.Fatalf("Log() error: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"user", Filter{User: "alice"}, 2},
		{"operation", Filter{Operation: OpDeactivate}, 1},
		{"interface", Filter{Interface: "eth0"}, 2},
		{"connection", Filter{Connection: "lab"}, 1},
		{"success only", Filter{SuccessOnly: true}, 2},
		{"failure only", Filter{FailureOnly: true}, 1},
		{"limit", Filter{Limit: 1}, 1},
		{"offset", Filter{Offset: 2}, 1},
		{"offset past end", Filter{Offset: 10}, 0},
		{"future start", Filter{StartTime: time.Now().Add(time.Hour)}, 0},
		{"past end", Filter{EndTime: time.Now().Add(-time.Hour)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Query(tt.filter)
			if err != nil {
				t.Fatalf("Query() error: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("Query() returned %d events, want %d", len(got), tt.want)
			}
		})
	}
}

func TestFileLoggerSkipsMalformed(t *testing.T) {
	l, path := newLogger(t, RotationConfig{})
	if err := l.Log(NewEvent("alice", OpActivate)); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n")
	f.Close()

	got, err := l.Query(Filter{})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Query() returned %d events, want 1", len(got))
	}
}

func TestFileLoggerRotation(t *testing.T) {
	l, path := newLogger(t, RotationConfig{MaxSize: 10, MaxBackups: 2})

	for i := 0; i < 5; i++ {
		if err := l.Log(NewEvent("alice", OpActivate)); err != nil {
			t.Fatalf("Log() error: %v", err)
		}
	}

	backups, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 2 {
		t.Errorf("%d backups, want 2", len(backups))
	}
	// Two backups of one event each plus the current file.
	got, err := l.Query(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("Query() across backups returned %d events, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Errorf("events out of order at %d", i)
		}
	}
}

func TestFileLoggerPaging(t *testing.T) {
	l, _ := newLogger(t, RotationConfig{})
	for _, iface := range []string{"eth0", "eth1", "eth2", "eth3"} {
		if err := l.Log(NewEvent("alice", OpActivate).WithInterface(iface)); err != nil {
			t.Fatal(err)
		}
	}

	names := func(events []*Event) string {
		var out []string
		for _, e := range events {
			out = append(out, e.Interface)
		}
		return strings.Join(out, ",")
	}
	tests := []struct {
		filter Filter
		want   string
	}{
		{Filter{Limit: 2}, "eth2,eth3"},
		{Filter{Offset: 1, Limit: 2}, "eth1,eth2"},
		{Filter{Offset: 3}, "eth0"},
		{Filter{Limit: 10}, "eth0,eth1,eth2,eth3"},
	}
	for _, tt := range tests {
		got, err := l.Query(tt.filter)
		if err != nil {
			t.Fatal(err)
		}
		if names(got) != tt.want {
			t.Errorf("Query(%+v) = %s, want %s", tt.filter, names(got), tt.want)
		}
	}
}

func TestFilterCheckpoint(t *testing.T) {
	f := Filter{Checkpoint: "rolled-back"}
	if f.Matches(NewEvent("alice", OpActivate).WithCheckpoint("committed")) {
		t.Error("committed event matched a rolled-back filter")
	}
	if !f.Matches(NewEvent("alice", OpActivate).WithCheckpoint("rolled-back")) {
		t.Error("rolled-back event did not match")
	}
}

func TestFileLoggerClosed(t *testing.T) {
	l, _ := newLogger(t, RotationConfig{})
	l.Close()
	if err := l.Log(NewEvent("alice", OpActivate)); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Log() after Close = %v, want os.ErrClosed", err)
	}
}

func TestNewFileLoggerError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileLogger(filepath.Join(blocker, "audit.log"), RotationConfig{}); err == nil {
		t.Error("NewFileLogger() under a regular file succeeded")
	}
}

func TestDefaultLogger(t *testing.T) {
	t.Cleanup(func() { SetDefaultLogger(nil) })

	SetDefaultLogger(nil)
	if err := Log(NewEvent("alice", OpActivate)); err != nil {
		t.Errorf("Log() without a logger = %v", err)
	}
	if got, err := Query(Filter{}); err != nil || len(got) != 0 {
		t.Errorf("Query() without a logger = %v, %v", got, err)
	}

	l, _ := newLogger(t, RotationConfig{})
	SetDefaultLogger(l)
	if err := Log(NewEvent("alice", OpDisconnect).WithInterface("wlan0")); err != nil {
		t.Fatal(err)
	}
	got, err := Query(Filter{Interface: "wlan0"})
	if err != nil || len(got) != 1 {
		t.Errorf("Query() = %v, %v", got, err)
	}
}
