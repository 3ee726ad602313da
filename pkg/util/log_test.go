package util

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// captureLog sends log output to a buffer until the test ends.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	out, level, formatter := Logger.Out, Logger.Level, Logger.Formatter
	t.Cleanup(func() {
		Logger.SetOutput(out)
		Logger.SetLevel(level)
		Logger.SetFormatter(formatter)
	})
	var buf bytes.Buffer
	SetLogOutput(&buf)
	return &buf
}

func TestSetLogLevel(t *testing.T) {
	captureLog(t)
	for _, level := range []string{"debug", "info", "warn", "warning", "error"} {
		if err := SetLogLevel(level); err != nil {
			t.Errorf("SetLogLevel(%q) error: %v", level, err)
		}
	}
	if err := SetLogLevel("loud"); err == nil {
		t.Error("SetLogLevel(loud) succeeded")
	}
}

func TestSetLogFormat(t *testing.T) {
	buf := captureLog(t)

	if err := SetLogFormat(LogFormatJSON); err != nil {
		t.Fatal(err)
	}
	WithInterface("eth0").Infof("activated %s", "uplink")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("JSON log line %q: %v", buf.String(), err)
	}
	if entry["interface"] != "eth0" || entry["msg"] != "activated uplink" {
		t.Errorf("entry = %v", entry)
	}

	buf.Reset()
	if err := SetLogFormat(LogFormatText); err != nil {
		t.Fatal(err)
	}
	Infof("plain")
	if strings.HasPrefix(buf.String(), "{") {
		t.Errorf("text format wrote JSON: %s", buf.String())
	}

	if err := SetLogFormat("xml"); err == nil {
		t.Error("SetLogFormat(xml) succeeded")
	}
}

func TestScopedLoggers(t *testing.T) {
	buf := captureLog(t)

	WithPath("/org/freedesktop/NetworkManager/Devices/3").Info("refreshed")
	WithInterface("bond0").Info("dropped")
	WithOperation("checkpoint.destroy").Info("done")
	WithField("bus", "ssh").Info("connected")

	output := buf.String()
	for _, want := range []string{
		"path=/org/freedesktop/NetworkManager/Devices/3",
		"interface=bond0",
		"operation=checkpoint.destroy",
		"bus=ssh",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("log output missing %q:\n%s", want, output)
		}
	}
}

func TestLevels(t *testing.T) {
	buf := captureLog(t)

	Debugf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Errorf("debug output at info level: %s", buf.String())
	}
	SetLogLevel("debug")
	Debugf("shown %d", 2)
	if !strings.Contains(buf.String(), "shown 2") {
		t.Error("no debug output at debug level")
	}

	SetLogLevel("warn")
	buf.Reset()
	Infof("quiet")
	Warnf("warn %s", "x")
	Errorf("error %s", "y")
	out := buf.String()
	if strings.Contains(out, "quiet") || !strings.Contains(out, "warn x") || !strings.Contains(out, "error y") {
		t.Errorf("warn level output:\n%s", out)
	}
}
