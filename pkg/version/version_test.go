package version

import "testing"

func TestInfo(t *testing.T) {
	if !IsDev() {
		t.Fatalf("Version = %q, want dev in tests", Version)
	}
	if got := Info(); got != "dev build (use 'make build' for version info)" {
		t.Errorf("Info() = %q", got)
	}

	saved := [3]string{Version, GitCommit, BuildDate}
	defer func() { Version, GitCommit, BuildDate = saved[0], saved[1], saved[2] }()
	Version, GitCommit, BuildDate = "v0.3.0", "abc1234", "2026-10-01"
	if got := Info(); got != "v0.3.0 (abc1234, built 2026-10-01)" {
		t.Errorf("Info() = %q", got)
	}
	if got := UserAgent(); got != "netconsole/v0.3.0" {
		t.Errorf("UserAgent() = %q", got)
	}
}
