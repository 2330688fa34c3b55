// Package supervisor is the Lifecycle Supervisor (spec.md §4.E): it owns
// the transport and both front-ends as one "tunnel session", drives the
// STOPPED -> STARTING -> RUNNING -> STOPPING -> STOPPED state machine, and
// exposes a read-only snapshot (state, counters, last error) for the CLI
// and the observe package to poll or stream. Grounded on the status field
// and StopForward/cleanupTunnel lifecycle in
// backend/internal/sshtunnel/tunnel_manager.go, generalized from per-tunnel
// bookkeeping in a map to one owned session.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kekexiaoai/sshvpn/internal/counters"
	"github.com/kekexiaoai/sshvpn/internal/httpproxy"
	"github.com/kekexiaoai/sshvpn/internal/safego"
	"github.com/kekexiaoai/sshvpn/internal/socks5"
	"github.com/kekexiaoai/sshvpn/internal/sshtransport"
	"github.com/kekexiaoai/sshvpn/internal/sysproxy"
	"github.com/kekexiaoai/sshvpn/internal/types"
)

// drainTimeout bounds how long teardown waits for in-flight RelayPairs to
// finish on their own before the transport is force-closed (spec.md §7
// step 5: "wait bounded ... for active_relays to drain").
const drainTimeout = 3 * time.Second

// State is one of the session lifecycle states from spec.md §4.E.
type State string

const (
	Stopped  State = "STOPPED"
	Starting State = "STARTING"
	Running  State = "RUNNING"
	Stopping State = "STOPPING"
)

// Snapshot is the read-only view exposed to the CLI and internal/observe.
type Snapshot struct {
	State     State             `json:"state"`
	LastError string            `json:"lastError,omitempty"`
	Counters  counters.Snapshot `json:"counters"`
}

// Supervisor owns one tunnel session's transport, front-ends and
// system-proxy hook.
type Supervisor struct {
	logger         *log.Logger
	knownHostsPath string
	sysproxy       sysproxy.Hook

	mu        sync.Mutex
	state     State
	lastErr   error
	cancel    context.CancelFunc
	transport *sshtransport.Manager
	socksSrv  *socks5.Server
	httpSrv   *httpproxy.Server
	counters  *counters.Counters
	proxyOn   bool

	// OnChange, if set, is invoked after every state transition (mirroring
	// the "ssh:status" event emission in app.go's SSH lifecycle methods).
	// cmd/sshvpn wires this to observe's Hub.Notify so connected clients see
	// transitions immediately instead of waiting for the next poll tick.
	OnChange func()
}

// New creates a Supervisor in the STOPPED state.
func New(logger *log.Logger, knownHostsPath string, hook sysproxy.Hook) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	if hook == nil {
		hook = sysproxy.Noop{}
	}
	return &Supervisor{logger: logger, knownHostsPath: knownHostsPath, sysproxy: hook, state: Stopped}
}

// Snapshot returns the current state, last error and counters.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{State: s.state}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	if s.counters != nil {
		snap.Counters = s.counters.Snapshot()
	}
	return snap
}

// Start brings up the transport and both front-ends per spec.md §4.E's
// five-step sequence: connect transport, bind SOCKS5, bind HTTP, invoke the
// system-proxy hook, transition to RUNNING. A failure in any of the first
// three steps tears the partial session down and leaves the supervisor
// STOPPED with lastErr set; a system-proxy hook failure is only logged.
func (s *Supervisor) Start(ctx context.Context, cfg types.SessionConfig) error {
	s.mu.Lock()
	if s.state != Stopped {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: Start called from state %s", s.state)
	}
	s.state = Starting
	s.lastErr = nil
	s.mu.Unlock()
	s.notify()

	runCtx, cancel := context.WithCancel(context.Background())
	cnt := counters.New()
	transport := sshtransport.New(s.logger, s.knownHostsPath)

	if err := transport.Connect(ctx, cfg); err != nil {
		cancel()
		s.fail(err)
		return err
	}

	socksAddr := fmt.Sprintf("127.0.0.1:%d", cfg.SocksPort)
	idle := time.Duration(cfg.IdleTimeoutSec) * time.Second
	socksSrv := &socks5.Server{Addr: socksAddr, Transport: transport, Counters: cnt, IdleTimeout: idle, Logger: s.logger}
	if err := socksSrv.Listen(); err != nil {
		transport.Close()
		cancel()
		s.fail(err)
		return err
	}

	httpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.HTTPPort)
	httpSrv := &httpproxy.Server{Addr: httpAddr, Transport: transport, Counters: cnt, IdleTimeout: idle, Logger: s.logger}
	if err := httpSrv.Listen(); err != nil {
		socksSrv.Close()
		transport.Close()
		cancel()
		s.fail(err)
		return err
	}

	safego.Go(s.logger, func() { socksSrv.Serve(runCtx) })
	safego.Go(s.logger, func() { httpSrv.Serve(runCtx) })

	if cfg.ManageSystemProxy {
		if err := s.sysproxy.Enable(socksAddr, httpAddr); err != nil {
			s.logger.Printf("supervisor: enable system proxy: %v", err)
		} else {
			s.proxyOn = true
		}
	}

	s.mu.Lock()
	s.cancel = cancel
	s.transport = transport
	s.socksSrv = socksSrv
	s.httpSrv = httpSrv
	s.counters = cnt
	s.state = Running
	s.mu.Unlock()
	s.notify()

	safego.Go(s.logger, func() { s.watchTransport(transport) })

	return nil
}

// watchTransport moves the supervisor to STOPPED once the transport
// reports CLOSED, matching spec.md §7's "transport mid-session drop has
// the same disposition as auth fail" rule: in-flight relays terminate
// naturally, there is no in-core reconnection.
func (s *Supervisor) watchTransport(transport *sshtransport.Manager) {
	<-transport.Done()
	s.mu.Lock()
	if s.state == Stopping || s.state == Stopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.fail(transport.LastErr())
	s.teardown()
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.state = Stopped
	s.mu.Unlock()
	s.notify()
}

// notify invokes OnChange, if set, guarding against a nil hook so callers
// that never wire internal/observe pay nothing for it.
func (s *Supervisor) notify() {
	if s.OnChange != nil {
		s.OnChange()
	}
}

// Stop tears the session down (close both listeners, wait up to
// drainTimeout for active relays, clear the system proxy, close the
// transport) and returns to STOPPED.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: Stop called from state %s", s.state)
	}
	s.state = Stopping
	s.mu.Unlock()
	s.notify()

	s.teardown()

	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Supervisor) teardown() {
	s.mu.Lock()
	cancel := s.cancel
	socksSrv := s.socksSrv
	httpSrv := s.httpSrv
	transport := s.transport
	cnt := s.counters
	proxyOn := s.proxyOn
	s.proxyOn = false
	s.mu.Unlock()

	// Stop accepting new connections first so ActiveRelays can only drop
	// while we wait for it to drain below.
	if socksSrv != nil {
		socksSrv.Close()
	}
	if httpSrv != nil {
		httpSrv.Close()
	}
	if cnt != nil {
		waitForDrain(cnt, drainTimeout)
	}

	if proxyOn {
		if err := s.sysproxy.Disable(); err != nil {
			s.logger.Printf("supervisor: disable system proxy: %v", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if transport != nil {
		transport.Close()
	}
}

// waitForDrain polls c's ActiveRelays until it reaches zero or timeout
// elapses, whichever comes first; any RelayPairs still active at that point
// are force-terminated by the transport.Close that follows.
func waitForDrain(c *counters.Counters, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Snapshot().ActiveRelays == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
