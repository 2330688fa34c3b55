// Package httpproxy is the HTTP/HTTPS CONNECT front-end (spec.md §4.D). It
// terminates both `CONNECT host:port` tunnels and absolute-URI requests,
// rewriting the latter to origin-form before forwarding to the remote
// target over the shared transport. Grounded on the accept-loop/handler
// shape of ayanrajpoot10-tunn's pkg/proxy.Server, adapted from its fixed
// SSHClient dependency to the socks5.Opener abstraction shared with the
// SOCKS5 front-end.
package httpproxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kekexiaoai/sshvpn/internal/counters"
	"github.com/kekexiaoai/sshvpn/internal/relay"
	"github.com/kekexiaoai/sshvpn/internal/safego"
	"github.com/kekexiaoai/sshvpn/internal/types"
)

// Opener is the subset of sshtransport.Manager the front-end needs.
type Opener interface {
	Open(ctx context.Context, ep types.Endpoint) (net.Conn, error)
}

// Server is an HTTP/HTTPS proxy listener bound to one transport.
type Server struct {
	Addr          string
	Transport     Opener
	Counters      *counters.Counters
	IdleTimeout   time.Duration
	HandshakeTime time.Duration // bound on reading the first request line+headers
	// MaxRelays caps concurrent RelayPairs accepted by this listener;
	// <=0 uses defaultMaxRelays (spec.md §7).
	MaxRelays int64
	Logger    *log.Logger

	listener net.Listener
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	// defaultMaxRelays is the default static cap on concurrent RelayPairs
	// (spec.md §7): connections beyond it are closed immediately at accept
	// time rather than queued.
	defaultMaxRelays = 256
)

// ListenAndServe binds Addr and accepts connections until ctx is cancelled
// or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen binds Addr synchronously so a caller (supervisor.Start) can treat
// port-in-use as an immediate, fatal start error.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("httpproxy listen %s: %w", s.Addr, err)
	}
	s.listener = ln
	return nil
}

// Serve runs the accept loop against a listener already created by Listen.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		if s.Counters != nil {
			max := s.MaxRelays
			if max <= 0 {
				max = defaultMaxRelays
			}
			if !s.Counters.TryStart(max) {
				conn.Close()
				continue
			}
		}
		safego.Go(s.Logger, func() { s.handle(ctx, conn) })
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

func (s *Server) handle(ctx context.Context, client net.Conn) {
	defer func() {
		if s.Counters != nil {
			s.Counters.RelayFinished()
		}
	}()

	handshake := s.HandshakeTime
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	client.SetReadDeadline(time.Now().Add(handshake))

	reader := bufio.NewReader(client)
	req, err := http.ReadRequest(reader)
	if err != nil {
		writeStatus(client, http.StatusBadRequest, "Bad Request")
		client.Close()
		return
	}
	client.SetReadDeadline(time.Time{})

	if req.Method == http.MethodConnect {
		s.handleConnect(ctx, client, req)
		return
	}
	s.handleAbsoluteURI(ctx, client, reader, req)
}

// handleConnect implements the CONNECT tunnel: `200 Connection Established`
// on success, `502 Bad Gateway` if the upstream open fails, then an opaque
// byte relay (spec.md §4.D, seed test 2).
func (s *Server) handleConnect(ctx context.Context, client net.Conn, req *http.Request) {
	ep, ok := parseHostPort(req.Host, 443)
	if !ok {
		writeStatus(client, http.StatusBadRequest, "Bad Request")
		client.Close()
		return
	}

	upstream, err := s.Transport.Open(ctx, ep)
	if err != nil {
		s.logf("httpproxy: CONNECT open %s: %v", ep, err)
		writeStatus(client, http.StatusBadGateway, "Bad Gateway")
		client.Close()
		return
	}

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	relay.Run(relay.Pair{Left: client, Right: upstream, IdleTimeout: s.IdleTimeout}, s.Counters)
}

// handleAbsoluteURI rewrites an absolute-URI request to origin-form,
// strips hop-by-hop proxy headers, and forwards it over a fresh upstream
// channel (spec.md §4.D, seed test 3). Only the first request on the
// connection is proxied; the upstream byte stream is then relayed opaquely,
// since re-parsing HTTP framing for keep-alive pipelining is out of scope.
func (s *Server) handleAbsoluteURI(ctx context.Context, client net.Conn, reader *bufio.Reader, req *http.Request) {
	if req.URL.Host == "" {
		writeStatus(client, http.StatusBadRequest, "Bad Request")
		client.Close()
		return
	}
	ep, ok := parseHostPort(req.URL.Host, 80)
	if !ok {
		writeStatus(client, http.StatusBadRequest, "Bad Request")
		client.Close()
		return
	}

	upstream, err := s.Transport.Open(ctx, ep)
	if err != nil {
		s.logf("httpproxy: absolute-URI open %s: %v", ep, err)
		writeStatus(client, http.StatusBadGateway, "Bad Gateway")
		client.Close()
		return
	}

	req.Header.Del("Proxy-Connection")
	req.Header.Del("Proxy-Authorization")
	req.Header.Set("Connection", "close")
	req.RequestURI = ""
	req.URL.Scheme = ""
	req.URL.Host = ""

	if err := req.Write(upstream); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	// Anything already buffered past the request (a request body the
	// http.Request parser left in reader) must still reach upstream before
	// the relay takes over the raw sockets.
	if reader.Buffered() > 0 {
		buffered := make([]byte, reader.Buffered())
		reader.Read(buffered)
		upstream.Write(buffered)
	}

	relay.Run(relay.Pair{Left: client, Right: upstream, IdleTimeout: s.IdleTimeout}, s.Counters)
}

func writeStatus(w io.Writer, code int, text string) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, text)
}

// parseHostPort splits a "host:port" or bare "host" authority into an
// Endpoint, applying defaultPort when no port is present.
func parseHostPort(authority string, defaultPort uint16) (types.Endpoint, bool) {
	if authority == "" {
		return types.Endpoint{}, false
	}
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		if strings.Contains(err.Error(), "missing port") {
			return types.Endpoint{Host: authority, Port: defaultPort}, true
		}
		return types.Endpoint{}, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return types.Endpoint{}, false
	}
	return types.Endpoint{Host: host, Port: uint16(port)}, true
}
