package main

import (
	"context"
	"fmt"
	"io"

	"github.com/netconsole/netconsole/pkg/bus"
	"github.com/netconsole/netconsole/pkg/checkpoint"
	"github.com/netconsole/netconsole/pkg/cli"
	"github.com/netconsole/netconsole/pkg/console"
	"github.com/netconsole/netconsole/pkg/linkinfo"
	"github.com/netconsole/netconsole/pkg/metrics"
	"github.com/netconsole/netconsole/pkg/model"
	"github.com/netconsole/netconsole/pkg/settings"
	"github.com/netconsole/netconsole/pkg/util"
)

// session is one synchronized connection to the daemon.
type session struct {
	client *bus.DBusClient
	ssh    *bus.SSHTransport
	model  *model.Model
	svc    *console.Service
}

type sessionOptions struct {
	Presenter checkpoint.Presenter
	Metrics   *metrics.Collector
}

// selectedBus resolves the bus from flags, then settings.
func selectedBus() string {
	switch {
	case busName != "":
		return busName
	case sshHost != "":
		return settings.BusSSH
	}
	return userSettings.GetBus()
}

// sshConfig overlays the SSH flags on the saved SSH settings.
func sshConfig() bus.SSHConfig {
	cfg := userSettings.GetSSHConfig()
	if sshHost != "" {
		cfg.Host = sshHost
	}
	if sshUser != "" {
		cfg.User = sshUser
	}
	if sshPort != 0 {
		cfg.Port = sshPort
	}
	if sshKey != "" {
		cfg.KeyFile = sshKey
	}
	return cfg
}

// openSession connects to the selected bus, starts the model and waits
// for the initial state to settle.
func openSession(ctx context.Context, opts sessionOptions) (*session, error) {
	s := &session{}
	var err error
	local := true

	switch name := selectedBus(); name {
	case settings.BusSystem:
		s.client, err = bus.ConnectSystem()
	case settings.BusSession:
		s.client, err = bus.ConnectSession()
	case settings.BusSSH:
		cfg := sshConfig()
		if cfg.Host == "" {
			return nil, fmt.Errorf("ssh bus requires a host: use --host or 'netconsole settings set ssh.host <host>'")
		}
		s.client, s.ssh, err = bus.DialSSHBus(ctx, cfg)
		local = false
	default:
		return nil, fmt.Errorf("unknown bus: %s (valid: system, session, ssh)", name)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to bus: %w", err)
	}

	mopts := model.Options{Debounce: userSettings.GetDebounce()}
	// Kernel links are only visible for the host we run on.
	if local {
		mopts.Links = linkinfo.NewResolver()
	}
	cfg := checkpoint.Config{Presenter: opts.Presenter}
	if opts.Metrics != nil {
		mopts.Observer = opts.Metrics
		cfg.Observer = opts.Metrics
	}

	s.model = model.New(s.client, mopts)
	cp := checkpoint.New(s.client, cfg)
	cp.SetDisabled(noCheckpoint || userSettings.DisableCheckpoints)
	s.svc = console.New(s.model, cp, permChecker, console.Options{
		RollbackTimeout: userSettings.GetRollbackTimeout(),
		SettleDelay:     userSettings.GetSettleDelay(),
	})

	if err := s.model.Start(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("starting model: %w", err)
	}
	syncCtx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	if err := s.svc.Synchronize(syncCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("waiting for initial state: %w", err)
	}
	util.WithField("bus", selectedBus()).Debugf("synchronized %d interfaces", len(s.model.Snapshot().Interfaces))
	return s, nil
}

// Close stops the model and closes the bus. The bus client owns the SSH
// transport, if any.
func (s *session) Close() {
	if s.model != nil {
		s.model.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
}

func (s *session) actor() console.Actor {
	return console.Actor{User: permChecker.CurrentUser()}
}

// withSession opens a session for the duration of fn. Curtain changes are
// reported on stderr.
func withSession(ctx context.Context, stderr io.Writer, fn func(ctx context.Context, s *session) error) error {
	s, err := openSession(ctx, sessionOptions{Presenter: &termPresenter{out: stderr}})
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

// termPresenter shows checkpoint progress on a terminal.
type termPresenter struct {
	out io.Writer
}

func (p *termPresenter) ShowCurtain(c checkpoint.Curtain) {
	switch c {
	case checkpoint.CurtainTesting:
		fmt.Fprintln(p.out, cli.Yellow(cli.DotPad("Testing connectivity", 32)))
	case checkpoint.CurtainRestoring:
		fmt.Fprintln(p.out, cli.Red(cli.DotPad("Connectivity lost, restoring", 32)))
	}
}

func (p *termPresenter) ShowBreakingChange(e *checkpoint.BreakingChangeError) {
	fmt.Fprintln(p.out, cli.Red(e.FailText))
}
