// Package settings manages persistent user settings for the netconsole CLI.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netconsole/netconsole/pkg/auth"
	"github.com/netconsole/netconsole/pkg/bus"
)

// Bus targets.
const (
	BusSystem  = "system"
	BusSession = "session"
	BusSSH     = "ssh"
)

const (
	DefaultListen    = "127.0.0.1:9180"
	DefaultRedisAddr = "127.0.0.1:6379"
)

// Settings holds persistent user preferences
type Settings struct {
	// Bus selects the bus NetworkManager is reached on.
	Bus string `yaml:"bus,omitempty"`

	SSH SSH `yaml:"ssh,omitempty"`

	// Durations are Go duration strings ("10ms", "7s").
	Debounce        string `yaml:"debounce,omitempty"`
	RollbackTimeout string `yaml:"rollback_timeout,omitempty"`
	SettleDelay     string `yaml:"settle_delay,omitempty"`

	// Checkpoints can be turned off for hosts whose daemon lacks them.
	DisableCheckpoints bool `yaml:"disable_checkpoints,omitempty"`

	RedisAddr string `yaml:"redis_addr,omitempty"`
	RedisDB   int    `yaml:"redis_db,omitempty"`

	Listen string `yaml:"listen,omitempty"`

	AuditLog        string `yaml:"audit_log,omitempty"`
	AuditMaxSize    int64  `yaml:"audit_max_size,omitempty"`
	AuditMaxBackups int    `yaml:"audit_max_backups,omitempty"`

	// Access restricts mutations to listed users. Without it every local
	// user may change the configuration.
	Access *auth.Policy `yaml:"access,omitempty"`
}

// SSH holds the remote host used when Bus is "ssh".
type SSH struct {
	Host       string `yaml:"host,omitempty"`
	User       string `yaml:"user,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	KeyFile    string `yaml:"key_file,omitempty"`
	KnownHosts string `yaml:"known_hosts,omitempty"`
}

// IsZero lets yaml omit an empty ssh block.
func (s SSH) IsZero() bool {
	return s == SSH{}
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	return filepath.Join(homeDir(), "settings.yaml")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".netconsole"
	}
	return filepath.Join(home, ".netconsole")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path. A missing file yields
// empty settings.
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// GetBus returns the bus target (with fallback).
func (s *Settings) GetBus() string {
	if s.Bus != "" {
		return s.Bus
	}
	return BusSystem
}

// GetSSHConfig returns the SSH settings in the form the bus package dials.
func (s *Settings) GetSSHConfig() bus.SSHConfig {
	return bus.SSHConfig{
		Host:           s.SSH.Host,
		Port:           s.SSH.Port,
		User:           s.SSH.User,
		KeyFile:        s.SSH.KeyFile,
		KnownHostsFile: s.SSH.KnownHosts,
	}
}

// GetDebounce returns the configured debounce, or 0 to use the model default.
func (s *Settings) GetDebounce() time.Duration {
	return parseDuration(s.Debounce)
}

// GetRollbackTimeout returns the configured checkpoint rollback timeout, or 0.
func (s *Settings) GetRollbackTimeout() time.Duration {
	return parseDuration(s.RollbackTimeout)
}

// GetSettleDelay returns the configured checkpoint settle delay, or 0.
func (s *Settings) GetSettleDelay() time.Duration {
	return parseDuration(s.SettleDelay)
}

// GetRedisAddr returns the Redis export address (with fallback).
func (s *Settings) GetRedisAddr() string {
	if s.RedisAddr != "" {
		return s.RedisAddr
	}
	return DefaultRedisAddr
}

// GetListen returns the HTTP listen address (with fallback).
func (s *Settings) GetListen() string {
	if s.Listen != "" {
		return s.Listen
	}
	return DefaultListen
}

// GetAuditLog returns the audit log path (with fallback).
func (s *Settings) GetAuditLog() string {
	if s.AuditLog != "" {
		return s.AuditLog
	}
	return filepath.Join(homeDir(), "audit.log")
}

func parseDuration(v string) time.Duration {
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

type setter func(s *Settings, v string) error

func stringField(f func(*Settings) *string) setter {
	return func(s *Settings, v string) error {
		*f(s) = v
		return nil
	}
}

func durationField(f func(*Settings) *string) setter {
	return func(s *Settings, v string) error {
		if v != "" {
			if _, err := time.ParseDuration(v); err != nil {
				return err
			}
		}
		*f(s) = v
		return nil
	}
}

var setters = map[string]setter{
	"bus": func(s *Settings, v string) error {
		switch v {
		case "", BusSystem, BusSession, BusSSH:
			s.Bus = v
			return nil
		}
		return fmt.Errorf("must be %s, %s or %s", BusSystem, BusSession, BusSSH)
	},
	"ssh.host":        stringField(func(s *Settings) *string { return &s.SSH.Host }),
	"ssh.user":        stringField(func(s *Settings) *string { return &s.SSH.User }),
	"ssh.key_file":    stringField(func(s *Settings) *string { return &s.SSH.KeyFile }),
	"ssh.known_hosts": stringField(func(s *Settings) *string { return &s.SSH.KnownHosts }),
	"ssh.port": func(s *Settings, v string) error {
		if v == "" {
			s.SSH.Port = 0
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 65535 {
			return fmt.Errorf("invalid port %q", v)
		}
		s.SSH.Port = n
		return nil
	},
	"debounce":         durationField(func(s *Settings) *string { return &s.Debounce }),
	"rollback_timeout": durationField(func(s *Settings) *string { return &s.RollbackTimeout }),
	"settle_delay":     durationField(func(s *Settings) *string { return &s.SettleDelay }),
	"disable_checkpoints": func(s *Settings, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		s.DisableCheckpoints = b
		return nil
	},
	"redis_addr": stringField(func(s *Settings) *string { return &s.RedisAddr }),
	"redis_db": func(s *Settings, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid database %q", v)
		}
		s.RedisDB = n
		return nil
	},
	"listen":    stringField(func(s *Settings) *string { return &s.Listen }),
	"audit_log": stringField(func(s *Settings) *string { return &s.AuditLog }),
}

// Keys returns the names accepted by Set.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns one setting by name. An empty value clears string settings.
func (s *Settings) Set(key, value string) error {
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := set(s, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

var getters = map[string]func(s *Settings) string{
	"bus":                 func(s *Settings) string { return s.Bus },
	"ssh.host":            func(s *Settings) string { return s.SSH.Host },
	"ssh.user":            func(s *Settings) string { return s.SSH.User },
	"ssh.key_file":        func(s *Settings) string { return s.SSH.KeyFile },
	"ssh.known_hosts":     func(s *Settings) string { return s.SSH.KnownHosts },
	"ssh.port":            func(s *Settings) string { return intString(s.SSH.Port) },
	"debounce":            func(s *Settings) string { return s.Debounce },
	"rollback_timeout":    func(s *Settings) string { return s.RollbackTimeout },
	"settle_delay":        func(s *Settings) string { return s.SettleDelay },
	"disable_checkpoints": func(s *Settings) string { return boolString(s.DisableCheckpoints) },
	"redis_addr":          func(s *Settings) string { return s.RedisAddr },
	"redis_db":            func(s *Settings) string { return intString(s.RedisDB) },
	"listen":              func(s *Settings) string { return s.Listen },
	"audit_log":           func(s *Settings) string { return s.AuditLog },
}

// Get returns the stored value of one setting, "" when unset.
func (s *Settings) Get(key string) (string, error) {
	get, ok := getters[key]
	if !ok {
		return "", fmt.Errorf("unknown setting %q", key)
	}
	return get(s), nil
}

func intString(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func boolString(b bool) string {
	if !b {
		return ""
	}
	return "true"
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
