package httpproxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kekexiaoai/sshvpn/internal/counters"
	"github.com/kekexiaoai/sshvpn/internal/types"
)

type fakeOpener struct {
	dialAddr string
	lastReq  types.Endpoint
}

func (f *fakeOpener) Open(ctx context.Context, ep types.Endpoint) (net.Conn, error) {
	f.lastReq = ep
	return net.Dial("tcp", f.dialAddr)
}

func startEcho(t *testing.T) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) { defer c.Close(); io.Copy(c, c) }(c)
		}
	}()
	return ln
}

func newServer(opener Opener) (*Server, net.Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	srv := &Server{Transport: opener, Counters: counters.New(), IdleTimeout: time.Second, listener: ln}
	return srv, ln, nil
}

func serveOne(ctx context.Context, srv *Server, ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	srv.handle(ctx, conn)
}

func TestConnectTunnel(t *testing.T) {
	echo := startEcho(t)
	defer echo.Close()

	opener := &fakeOpener{dialAddr: echo.Addr().String()}
	srv, ln, err := newServer(opener)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	ctx := context.Background()
	go serveOne(ctx, srv, ln)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	fmtWrite(t, client, "CONNECT example:443 HTTP/1.1\r\nHost: example:443\r\n\r\n")

	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.HasPrefix(line, "HTTP/1.1 200") {
		t.Fatalf("unexpected status line: %q", line)
	}
	// consume the blank line terminating the response headers
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read blank line: %v", err)
	}

	if opener.lastReq.Host != "example" || opener.lastReq.Port != 443 {
		t.Fatalf("unexpected upstream request: %+v", opener.lastReq)
	}

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write tls bytes: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(reader, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want ping", buf)
	}
}

func TestAbsoluteURIRewrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			received <- "read error: " + err.Error()
			return
		}
		var sb strings.Builder
		sb.WriteString(req.Method + " " + req.URL.RequestURI() + " " + req.Proto + "\r\n")
		sb.WriteString("Host: " + req.Host + "\r\n")
		if req.Header.Get("Proxy-Connection") != "" {
			sb.WriteString("Proxy-Connection-PRESENT\r\n")
		}
		received <- sb.String()
	}()

	opener := &fakeOpener{dialAddr: ln.Addr().String()}
	srv, front, err := newServer(opener)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	ctx := context.Background()
	go serveOne(ctx, srv, front)

	client, err := net.Dial("tcp", front.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	fmtWrite(t, client, "GET http://example/path HTTP/1.1\r\nProxy-Connection: keep-alive\r\nHost: example\r\n\r\n")

	select {
	case got := <-received:
		if strings.Contains(got, "Proxy-Connection-PRESENT") {
			t.Fatalf("Proxy-Connection header leaked through: %s", got)
		}
		if !strings.HasPrefix(got, "GET /path HTTP/1.1") {
			t.Fatalf("unexpected rewritten request line: %s", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("origin server never received a request")
	}
}

// TestHTTPProxyMaxRelaysCapClosesExcessConnections mirrors
// internal/socks5's equivalent test: spec.md §7's static cap on concurrent
// RelayPairs applies to this front-end too, closing a newly accepted
// connection immediately once MaxRelays are active.
func TestHTTPProxyMaxRelaysCapClosesExcessConnections(t *testing.T) {
	echo := startEcho(t)
	defer echo.Close()

	opener := &fakeOpener{dialAddr: echo.Addr().String()}
	cnt := counters.New()
	srv := &Server{Transport: opener, Counters: cnt, IdleTimeout: 2 * time.Second, MaxRelays: 1}
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	first, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	fmtWrite(t, first, "CONNECT example:443 HTTP/1.1\r\nHost: example:443\r\n\r\n")
	reader := bufio.NewReader(first)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.HasPrefix(line, "HTTP/1.1 200") {
		t.Fatalf("unexpected status line: %q", line)
	}

	deadline := time.Now().Add(time.Second)
	for cnt.Snapshot().ActiveRelays < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if cnt.Snapshot().ActiveRelays != 1 {
		t.Fatalf("first connection never became active")
	}

	second, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	buf := make([]byte, 1)
	second.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := second.Read(buf); err == nil {
		t.Fatal("expected the second connection to be closed once MaxRelays was reached")
	}
}

func fmtWrite(t *testing.T, conn net.Conn, s string) {
	t.Helper()
	if _, err := conn.Write([]byte(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
}
