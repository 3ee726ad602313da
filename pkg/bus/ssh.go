package bus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/netconsole/netconsole/pkg/util"
)

// BridgeCommand is run on the remote host to splice our SSH session onto
// its system bus.
const BridgeCommand = "systemd-stdio-bridge"

// SSHConfig describes how to reach a remote host.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	KeyFile        string
	KnownHostsFile string
}

// SSHTransport is an SSH connection to a managed host. It carries the
// D-Bus bridge and can forward local TCP ports to services on the host.
type SSHTransport struct {
	client *ssh.Client
	addr   string

	mu        sync.Mutex
	listeners []net.Listener
	done      chan struct{}
	wg        sync.WaitGroup
}

// DialSSH opens an SSH connection to cfg.Host. If cfg.Port is 0 it
// defaults to 22.
func DialSSH(cfg SSHConfig) (*SSHTransport, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parsing SSH key %s: %w", cfg.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKey = cb
	} else {
		util.Logger.Warnf("SSH to %s: host key verification disabled (no known_hosts file configured)", addr)
	}

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s@%s: %w", cfg.User, addr, err)
	}
	return &SSHTransport{client: client, addr: addr, done: make(chan struct{})}, nil
}

// ExecCommandContext runs cmd on the remote host and returns its combined
// output. The session is killed if ctx ends first.
func (t *SSHTransport) ExecCommandContext(ctx context.Context, cmd string) (string, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("SSH session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if err := session.Start(cmd); err != nil {
		return "", fmt.Errorf("SSH start '%s': %w", cmd, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return out.String(), fmt.Errorf("SSH exec '%s': %w", cmd, ctx.Err())
	case err := <-done:
		if err != nil {
			return out.String(), fmt.Errorf("SSH exec '%s': %w", cmd, err)
		}
		return out.String(), nil
	}
}

// RemoteEndianFlag asks the remote host for its byte order.
func (t *SSHTransport) RemoteEndianFlag(ctx context.Context) (byte, error) {
	out, err := t.ExecCommandContext(ctx, `printf '\001\000' | od -An -tu2`)
	if err != nil {
		return 0, err
	}
	return parseEndianProbe(out)
}

// parseEndianProbe interprets the od output of the bytes 01 00 read as
// one native 16-bit word.
func parseEndianProbe(out string) (byte, error) {
	switch strings.TrimSpace(out) {
	case "1":
		return 'l', nil
	case "256":
		return 'B', nil
	}
	return 0, fmt.Errorf("unexpected byte order probe output %q", out)
}

// OpenBus starts the stdio bridge and returns an authenticated D-Bus
// connection to the remote system bus.
func (t *SSHTransport) OpenBus(ctx context.Context) (*dbus.Conn, error) {
	uid, err := t.ExecCommandContext(ctx, "id -u")
	if err != nil {
		return nil, err
	}

	session, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("SSH session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("bridge stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("bridge stdout: %w", err)
	}
	if err := session.Start(BridgeCommand); err != nil {
		session.Close()
		return nil, fmt.Errorf("starting %s on %s: %w", BridgeCommand, t.addr, err)
	}

	rwc := &sessionPipe{Reader: stdout, WriteCloser: stdin, session: session}
	conn, err := dbus.NewConn(rwc)
	if err != nil {
		rwc.Close()
		return nil, fmt.Errorf("bus over SSH: %w", err)
	}
	if err := conn.Auth([]dbus.Auth{dbus.AuthExternal(strings.TrimSpace(uid)), dbus.AuthAnonymous()}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus auth over SSH: %w", err)
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus hello over SSH: %w", err)
	}
	return conn, nil
}

// Forward listens on a random local port and forwards each connection to
// remoteAddr as seen from the SSH host. It returns the local address.
func (t *SSHTransport) Forward(remoteAddr string) (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("local listen: %w", err)
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(l, remoteAddr)
	return l.Addr().String(), nil
}

// Close stops all forwards and closes the SSH connection.
func (t *SSHTransport) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	close(t.done)
	t.mu.Lock()
	for _, l := range t.listeners {
		l.Close()
	}
	t.mu.Unlock()
	// Closing the client first unblocks copies waiting on remote reads.
	err := t.client.Close()
	t.wg.Wait()
	return err
}

func (t *SSHTransport) acceptLoop(l net.Listener, remoteAddr string) {
	defer t.wg.Done()
	for {
		local, err := l.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				continue
			}
		}
		t.wg.Add(1)
		go t.forward(local, remoteAddr)
	}
}

func (t *SSHTransport) forward(local net.Conn, remoteAddr string) {
	defer t.wg.Done()
	defer local.Close()

	remote, err := t.client.Dial("tcp", remoteAddr)
	if err != nil {
		util.Logger.Warnf("SSH forward to %s via %s: %v", remoteAddr, t.addr, err)
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()
	<-done
}

type sessionPipe struct {
	io.Reader
	io.WriteCloser
	session *ssh.Session
}

func (p *sessionPipe) Close() error {
	p.WriteCloser.Close()
	return p.session.Close()
}

// DialSSHBus connects to NetworkManager on a remote host. The returned
// client owns the transport and closes it on Close.
func DialSSHBus(ctx context.Context, cfg SSHConfig) (*DBusClient, *SSHTransport, error) {
	t, err := DialSSH(cfg)
	if err != nil {
		return nil, nil, err
	}
	flag, err := t.RemoteEndianFlag(ctx)
	if err != nil {
		util.Logger.Warnf("SSH %s: byte order probe failed, assuming local order: %v", t.addr, err)
		flag = NativeEndianFlag()
	}
	conn, err := t.OpenBus(ctx)
	if err != nil {
		t.Close()
		return nil, nil, err
	}
	c, err := NewDBusClient(conn, flag, t.Close)
	if err != nil {
		conn.Close()
		t.Close()
		return nil, nil, err
	}
	return c, t, nil
}
