// Package sshtransport owns the single multiplexed SSH session a tunnel
// session is built on (spec.md §4.B): it authenticates one or two hops
// (direct, or via a jump host using direct-tcpip chaining), exposes Open to
// front-ends for per-connection channels, and tears everything down on
// Close or on an unexpected drop.
package sshtransport

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/skeema/knownhosts"
	"golang.org/x/crypto/ssh"

	"github.com/kekexiaoai/sshvpn/internal/safego"
	"github.com/kekexiaoai/sshvpn/internal/types"
)

const (
	dialTimeout             = 30 * time.Second
	keepAliveInterval       = 15 * time.Second
	keepAliveRequestTimeout = 10 * time.Second
)

// Manager is the transport for one session. It is safe for concurrent use;
// Open may be called from many front-end goroutines at once.
type Manager struct {
	logger         *log.Logger
	knownHostsPath string

	// id correlates this transport's log lines across a session's lifetime,
	// since a host can run more than one sshvpn session concurrently.
	id string

	state atomic.Int32

	mu         sync.RWMutex
	jumpClient *ssh.Client // nil when no jump hop is configured
	client     *ssh.Client // the final, target-connected client
	lastErr    error

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Manager in the IDLE state. knownHostsPath is only consulted
// when a SessionConfig asks for host-key verification.
func New(logger *log.Logger, knownHostsPath string) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{logger: logger, knownHostsPath: knownHostsPath, id: uuid.NewString(), done: make(chan struct{})}
	m.state.Store(int32(Idle))
	return m
}

// ID returns the correlation ID this transport stamps onto its own log
// lines, stable for the transport's lifetime.
func (m *Manager) ID() string {
	return m.id
}

// State returns the current transport state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// LastErr returns the error that caused the most recent CLOSED transition,
// or nil if the transport is healthy or was never connected.
func (m *Manager) LastErr() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Done returns a channel that is closed once the transport reaches CLOSED,
// whether via Close or an unexpected drop. Callers that need to react to a
// mid-session drop (supervisor.watchTransport) should select on this
// instead of polling State.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Connect dials cfg.Target, optionally chaining through cfg.Jump first
// (ProxyJump style, grounded on ai-help-me-sshm's JumpChain), and moves the
// transport from IDLE to READY. On any failure the transport moves straight
// to CLOSED; there is no automatic reconnect at this layer (spec.md §7).
func (m *Manager) Connect(ctx context.Context, cfg types.SessionConfig) error {
	if !m.state.CompareAndSwap(int32(Idle), int32(Connecting)) {
		return fmt.Errorf("sshtransport: Connect called from state %s", m.State())
	}

	hostKeyCallback, err := m.hostKeyCallback(cfg.VerifyHostKey)
	if err != nil {
		m.fail(err)
		return err
	}

	var jumpClient *ssh.Client
	if cfg.Jump != nil {
		jumpClient, err = m.dialDirect(ctx, *cfg.Jump, hostKeyCallback)
		if err != nil {
			m.fail(fmt.Errorf("jump hop: %w", err))
			return m.LastErr()
		}
	}

	var client *ssh.Client
	if jumpClient != nil {
		client, err = m.dialViaJump(jumpClient, cfg.Target, hostKeyCallback)
	} else {
		client, err = m.dialDirect(ctx, cfg.Target, hostKeyCallback)
	}
	if err != nil {
		if jumpClient != nil {
			jumpClient.Close()
		}
		m.fail(fmt.Errorf("target hop: %w", err))
		return m.LastErr()
	}

	m.mu.Lock()
	m.jumpClient = jumpClient
	m.client = client
	m.mu.Unlock()

	m.state.Store(int32(Ready))

	safego.Go(m.logger, func() { m.monitor(client) })
	safego.Go(m.logger, func() { m.keepAlive(client) })

	return nil
}

// dialDirect opens a TCP connection from this process and completes an SSH
// handshake over it.
func (m *Manager) dialDirect(ctx context.Context, hop types.HopConfig, hostKeyCallback ssh.HostKeyCallback) (*ssh.Client, error) {
	cfg, err := m.clientConfig(hop, hostKeyCallback)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", hop.Endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", hop.Endpoint, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, hop.Endpoint.String(), cfg)
	if err != nil {
		conn.Close()
		return nil, m.classifyHandshakeError(hop.Endpoint.Host, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// dialViaJump opens a direct-tcpip channel from jumpClient to hop and
// completes hop's SSH handshake over that channel (RFC 4254 §7.2), chaining
// exactly the way ai-help-me-sshm's JumpChain.connectHop does.
func (m *Manager) dialViaJump(jumpClient *ssh.Client, hop types.HopConfig, hostKeyCallback ssh.HostKeyCallback) (*ssh.Client, error) {
	cfg, err := m.clientConfig(hop, hostKeyCallback)
	if err != nil {
		return nil, err
	}
	conn, err := jumpClient.Dial("tcp", hop.Endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("dial via jump to %s: %w", hop.Endpoint, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, hop.Endpoint.String(), cfg)
	if err != nil {
		conn.Close()
		return nil, m.classifyHandshakeError(hop.Endpoint.Host, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (m *Manager) clientConfig(hop types.HopConfig, hostKeyCallback ssh.HostKeyCallback) (*ssh.ClientConfig, error) {
	auth, err := authMethods(hop)
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            hop.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}, nil
}

// hostKeyCallback returns ssh.InsecureIgnoreHostKey() by default (spec.md
// §9's documented default) or a github.com/skeema/knownhosts callback when
// verify is true.
func (m *Manager) hostKeyCallback(verify bool) (ssh.HostKeyCallback, error) {
	if !verify {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(m.knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", m.knownHostsPath, err)
	}
	return cb.HostKeyCallback(), nil
}

func (m *Manager) classifyHandshakeError(host string, err error) error {
	if _, ok := err.(*knownhosts.KeyError); ok {
		return &types.HostKeyVerificationRequiredError{Host: host, Fingerprint: err.Error()}
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return &types.AuthenticationFailedError{Host: host}
	}
	return err
}

// Open requests a direct-tcpip channel to ep over the already-established
// transport. This is the idiomatic x/crypto/ssh way to open a remote-side
// connection: the address is sent as a literal string, so resolution
// happens on the remote server, not locally (spec.md §4.B).
func (m *Manager) Open(ctx context.Context, ep types.Endpoint) (net.Conn, error) {
	if m.State() != Ready {
		return nil, &TransportDownError{Cause: m.LastErr()}
	}
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return nil, &TransportDownError{}
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := client.Dial("tcp", ep.String())
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, &TransportDownError{Cause: m.LastErr()}
	case r := <-ch:
		if r.err != nil {
			if m.State() != Ready {
				return nil, &TransportDownError{Cause: m.LastErr()}
			}
			return nil, &UpstreamOpenError{Endpoint: ep.String(), Cause: r.err}
		}
		return r.conn, nil
	}
}

// monitor blocks until the target client's connection drops, then moves the
// transport to CLOSED. Adapted from tunnel_manager.go's monitorSSHConnection.
func (m *Manager) monitor(client *ssh.Client) {
	waitErr := client.Wait()
	if m.State() == Closing || m.State() == Closed {
		return
	}
	m.logger.Printf("sshtransport[%s]: connection closed: %v", m.id, waitErr)
	m.fail(waitErr)
}

// keepAlive periodically probes the session so a half-open connection is
// detected and closed instead of silently hanging. Adapted near-verbatim
// from backend/internal/sshmanager/keepalive.go's StartKeepAlive, whose
// timeout-protected SendRequest avoids blocking forever on a dead socket.
func (m *Manager) keepAlive(client *ssh.Client) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			errC := make(chan error, 1)
			go func() {
				_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
				errC <- err
			}()
			select {
			case err := <-errC:
				if err != nil {
					m.logger.Printf("sshtransport[%s]: keep-alive failed: %v", m.id, err)
					client.Close()
					return
				}
			case <-time.After(keepAliveRequestTimeout):
				m.logger.Printf("sshtransport[%s]: keep-alive timed out after %s", m.id, keepAliveRequestTimeout)
				client.Close()
				return
			case <-m.done:
				return
			}
		case <-m.done:
			return
		}
	}
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.state.Store(int32(Closed))
	m.closeOnce.Do(func() { close(m.done) })
}

// Close moves the transport CLOSING -> CLOSED and releases both SSH
// clients. It is idempotent.
func (m *Manager) Close() error {
	prev := State(m.state.Swap(int32(Closing)))
	if prev == Closed || prev == Idle {
		m.state.Store(int32(Closed))
		m.closeOnce.Do(func() { close(m.done) })
		return nil
	}

	m.closeOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			firstErr = err
		}
	}
	if m.jumpClient != nil {
		if err := m.jumpClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.state.Store(int32(Closed))
	return firstErr
}
