package util

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestValidationError(t *testing.T) {
	t.Run("single error", func(t *testing.T) {
		err := NewValidationError("invalid prefix \"33\"")
		msg := err.Error()
		if !strings.Contains(msg, "invalid prefix") {
			t.Errorf("Error message should contain the error: %s", msg)
		}
		if !errors.Is(err, ErrValidationFailed) {
			t.Errorf("ValidationError should unwrap to ErrValidationFailed")
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		err := NewValidationError("bad address", "bad gateway")
		msg := err.Error()
		if !strings.Contains(msg, "bad address") || !strings.Contains(msg, "bad gateway") {
			t.Errorf("Error message should contain all errors: %s", msg)
		}
	})
}

func TestValidationBuilder(t *testing.T) {
	t.Run("no errors", func(t *testing.T) {
		b := &ValidationBuilder{}
		b.Add(true, "never recorded")
		b.AddError(nil)
		if b.HasErrors() {
			t.Error("HasErrors() = true, want false")
		}
		if err := b.Build(); err != nil {
			t.Errorf("Build() = %v, want nil", err)
		}
	})

	t.Run("flattens nested validation errors", func(t *testing.T) {
		b := &ValidationBuilder{}
		b.Add(false, "first")
		b.AddError(NewValidationError("second", "third"))
		b.AddError(fmt.Errorf("fourth"))
		b.AddErrorf("fifth %d", 5)

		err := b.Build()
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("Build() = %T, want *ValidationError", err)
		}
		want := []string{"first", "second", "third", "fourth", "fifth 5"}
		if len(ve.Errors) != len(want) {
			t.Fatalf("Errors = %v, want %v", ve.Errors, want)
		}
		for i := range want {
			if ve.Errors[i] != want[i] {
				t.Errorf("Errors[%d] = %q, want %q", i, ve.Errors[i], want[i])
			}
		}
	})
}

func TestRemoteError(t *testing.T) {
	cause := errors.New("org.freedesktop.DBus.Error.UnknownMethod")
	err := NewRemoteError("/org/freedesktop/NetworkManager", "CheckpointCreate", cause)

	if !errors.Is(err, ErrRemoteCall) {
		t.Error("RemoteError should match ErrRemoteCall")
	}
	if !errors.Is(err, cause) {
		t.Error("RemoteError should match its cause")
	}
	msg := err.Error()
	if !strings.Contains(msg, "CheckpointCreate") || !strings.Contains(msg, "/org/freedesktop/NetworkManager") {
		t.Errorf("Error() = %q, want method and path", msg)
	}
}
