// Package audit records mutations sent to the network daemon.
package audit

import (
	"fmt"
	"time"
)

// Operations recorded by the console.
const (
	OpApplySettings    = "connection.apply"
	OpAddConnection    = "connection.add"
	OpDeleteConnection = "connection.delete"
	OpActivate         = "interface.activate"
	OpDeactivate       = "interface.deactivate"
	OpDisconnect       = "interface.disconnect"
	OpRetryUnguarded   = "checkpoint.retry"
)

// Event is one mutation attempt.
type Event struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	User       string        `json:"user"`
	Operation  string        `json:"operation"`
	Connection string        `json:"connection,omitempty"`
	Interface  string        `json:"interface,omitempty"`
	Checkpoint string        `json:"checkpoint,omitempty"` // outcome of the guarding checkpoint
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	ClientIP   string        `json:"client_ip,omitempty"`
}

// Filter defines criteria for querying audit events
type Filter struct {
	User        string
	Operation   string
	Connection  string
	Interface   string
	StartTime   time.Time
	EndTime     time.Time
	Checkpoint  string
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// Matches reports whether e passes every set criterion. Limit and Offset
// are not considered.
func (f Filter) Matches(e *Event) bool {
	switch {
	case f.User != "" && e.User != f.User,
		f.Operation != "" && e.Operation != f.Operation,
		f.Connection != "" && e.Connection != f.Connection,
		f.Interface != "" && e.Interface != f.Interface,
		f.Checkpoint != "" && e.Checkpoint != f.Checkpoint,
		!f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime),
		!f.EndTime.IsZero() && e.Timestamp.After(f.EndTime),
		f.SuccessOnly && !e.Success,
		f.FailureOnly && e.Success:
		return false
	}
	return true
}

// NewEvent creates a new audit event
func NewEvent(user, operation string) *Event {
	return &Event{
		ID:        generateID(),
		Timestamp: time.Now(),
		User:      user,
		Operation: operation,
	}
}

// WithConnection sets the connection the mutation targets.
func (e *Event) WithConnection(conn string) *Event {
	e.Connection = conn
	return e
}

// WithInterface sets the interface name
func (e *Event) WithInterface(iface string) *Event {
	e.Interface = iface
	return e
}

// WithCheckpoint records how the guarding checkpoint ended.
func (e *Event) WithCheckpoint(outcome string) *Event {
	e.Checkpoint = outcome
	return e
}

// WithClientIP sets the address of the HTTP client that asked for the change.
func (e *Event) WithClientIP(ip string) *Event {
	e.ClientIP = ip
	return e
}

// WithResult marks the event as successful when err is nil and failed otherwise.
func (e *Event) WithResult(err error) *Event {
	e.Success = err == nil
	e.Error = ""
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
