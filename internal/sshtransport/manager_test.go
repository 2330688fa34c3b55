package sshtransport

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kekexiaoai/sshvpn/internal/types"
)

func hostConfig(t *testing.T, addr, user, password string) types.HopConfig {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %s: %v", portStr, err)
	}
	return types.HopConfig{
		Endpoint:   types.Endpoint{Host: host, Port: uint16(port)},
		User:       user,
		Credential: types.Password(password),
	}
}

func echoServer(t *testing.T) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln
}

func TestConnectOpenRoundTrip(t *testing.T) {
	srv := newFakeServer(t, "secret")
	go srv.Serve()
	defer srv.Close()

	echo := echoServer(t)
	defer echo.Close()

	mgr := New(log.New(io.Discard, "", 0), "")
	cfg := types.SessionConfig{Target: hostConfig(t, srv.Addr(), "alice", "secret")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Connect(ctx, cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer mgr.Close()

	if mgr.State() != Ready {
		t.Fatalf("expected READY, got %s", mgr.State())
	}

	echoHost, echoPort, _ := net.SplitHostPort(echo.Addr().String())
	port, _ := strconv.Atoi(echoPort)
	conn, err := mgr.Open(ctx, types.Endpoint{Host: echoHost, Port: uint16(port)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want %q", buf, "ping")
	}
}

// TestConnectViaJumpHostOpenRoundTrip covers spec.md §4.B's jump-hop
// chaining: the transport dials the jump host directly, then opens a
// direct-tcpip channel through it to reach the target host, and only then
// is Open usable for per-connection channels to an arbitrary endpoint.
func TestConnectViaJumpHostOpenRoundTrip(t *testing.T) {
	jump := newFakeServer(t, "jump-secret")
	go jump.Serve()
	defer jump.Close()

	target := newFakeServer(t, "target-secret")
	go target.Serve()
	defer target.Close()

	echo := echoServer(t)
	defer echo.Close()

	mgr := New(log.New(io.Discard, "", 0), "")
	jumpHop := hostConfig(t, jump.Addr(), "bob", "jump-secret")
	cfg := types.SessionConfig{
		Jump:   &jumpHop,
		Target: hostConfig(t, target.Addr(), "alice", "target-secret"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Connect(ctx, cfg); err != nil {
		t.Fatalf("Connect via jump: %v", err)
	}
	defer mgr.Close()

	if mgr.State() != Ready {
		t.Fatalf("expected READY, got %s", mgr.State())
	}

	echoHost, echoPort, _ := net.SplitHostPort(echo.Addr().String())
	port, _ := strconv.Atoi(echoPort)
	conn, err := mgr.Open(ctx, types.Endpoint{Host: echoHost, Port: uint16(port)})
	if err != nil {
		t.Fatalf("Open via jump-chained target: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("jump-ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len("jump-ping"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "jump-ping" {
		t.Fatalf("got %q, want %q", buf, "jump-ping")
	}
}

// TestOpenSendsLiteralHostnameWithoutLocalResolution covers spec.md §4.B's
// "resolution happens on the remote server, not locally" invariant: Open
// must hand the endpoint's hostname to the remote side as a literal string
// rather than resolving it itself first.
func TestOpenSendsLiteralHostnameWithoutLocalResolution(t *testing.T) {
	srv := newFakeServer(t, "secret")
	var gotHost string
	var gotPort uint32
	received := make(chan struct{}, 1)
	srv.onForward = func(host string, port uint32) {
		gotHost, gotPort = host, port
		select {
		case received <- struct{}{}:
		default:
		}
	}
	go srv.Serve()
	defer srv.Close()

	mgr := New(log.New(io.Discard, "", 0), "")
	cfg := types.SessionConfig{Target: hostConfig(t, srv.Addr(), "alice", "secret")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Connect(ctx, cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer mgr.Close()

	// "invalid" is a reserved TLD (RFC 2606) guaranteed never to resolve on
	// this host; if Open tried to resolve it locally before dispatching the
	// request, it would fail before the server ever saw it.
	const literalHost = "definitely-not-a-real-host.invalid"
	_, _ = mgr.Open(ctx, types.Endpoint{Host: literalHost, Port: 80})

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("fake server never received the direct-tcpip request")
	}
	if gotHost != literalHost {
		t.Fatalf("remote request host = %q, want the literal hostname %q (no local resolution)", gotHost, literalHost)
	}
	if gotPort != 80 {
		t.Fatalf("remote request port = %d, want 80", gotPort)
	}
}

// TestConcurrentOpensAreIndependent covers spec.md §4.B's "independent
// progress" requirement between channels opened on the same transport: two
// Open calls running at once must not block or corrupt each other's data.
func TestConcurrentOpensAreIndependent(t *testing.T) {
	srv := newFakeServer(t, "secret")
	go srv.Serve()
	defer srv.Close()

	echoA := echoServer(t)
	defer echoA.Close()
	echoB := echoServer(t)
	defer echoB.Close()

	mgr := New(log.New(io.Discard, "", 0), "")
	cfg := types.SessionConfig{Target: hostConfig(t, srv.Addr(), "alice", "secret")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Connect(ctx, cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer mgr.Close()

	roundTrip := func(ln net.Listener, payload string) error {
		host, portStr, err := net.SplitHostPort(ln.Addr().String())
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return err
		}
		conn, err := mgr.Open(ctx, types.Endpoint{Host: host, Port: uint16(port)})
		if err != nil {
			return err
		}
		defer conn.Close()
		if _, err := conn.Write([]byte(payload)); err != nil {
			return err
		}
		buf := make([]byte, len(payload))
		if _, err := io.ReadFull(conn, buf); err != nil {
			return err
		}
		if string(buf) != payload {
			return fmt.Errorf("echo mismatch: got %q want %q", buf, payload)
		}
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs <- roundTrip(echoA, "alpha-payload") }()
	go func() { defer wg.Done(); errs <- roundTrip(echoB, "beta-payload-is-longer") }()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent open failed: %v", err)
		}
	}
}

func TestConnectAuthFailure(t *testing.T) {
	srv := newFakeServer(t, "secret")
	go srv.Serve()
	defer srv.Close()

	mgr := New(log.New(io.Discard, "", 0), "")
	cfg := types.SessionConfig{Target: hostConfig(t, srv.Addr(), "alice", "wrong")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := mgr.Connect(ctx, cfg)
	if err == nil {
		t.Fatal("expected Connect to fail with a wrong password")
	}
	if mgr.State() != Closed {
		t.Fatalf("expected CLOSED after failed Connect, got %s", mgr.State())
	}
}

func TestOpenBeforeConnectIsTransportDown(t *testing.T) {
	mgr := New(log.New(io.Discard, "", 0), "")
	_, err := mgr.Open(context.Background(), types.Endpoint{Host: "127.0.0.1", Port: 80})
	if err == nil {
		t.Fatal("expected an error opening before Connect")
	}
	var downErr *TransportDownError
	if !isTransportDown(err, &downErr) {
		t.Fatalf("expected TransportDownError, got %T: %v", err, err)
	}
}

func isTransportDown(err error, target **TransportDownError) bool {
	d, ok := err.(*TransportDownError)
	if ok {
		*target = d
	}
	return ok
}

func TestUpstreamOpenErrorDoesNotCloseTransport(t *testing.T) {
	srv := newFakeServer(t, "")
	go srv.Serve()
	defer srv.Close()

	mgr := New(log.New(io.Discard, "", 0), "")
	cfg := types.SessionConfig{Target: hostConfig(t, srv.Addr(), "alice", "ignored")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Connect(ctx, cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer mgr.Close()

	// Nothing listens on this port, so the remote-side dial in the fake
	// server's forward() fails and the channel is closed without ever
	// being usable; the transport itself must remain READY.
	_, err := mgr.Open(ctx, types.Endpoint{Host: "127.0.0.1", Port: 1})
	if err == nil {
		t.Log("Open to port 1 returned a channel: the fake server accepts it before dialing, then closes it")
	}
	if mgr.State() != Ready {
		t.Fatalf("expected transport to remain READY after a per-channel failure, got %s", mgr.State())
	}
}
