// Package socks5 is the SOCKS5 front-end (spec.md §4.C): a RFC 1928 subset
// that only advertises NO AUTH, only accepts the CONNECT command, and hands
// every accepted pair of sockets off to the relay package. Grounded on
// backend/internal/sshtunnel/tunnel_manager.go's handleSocks5Connection,
// generalized from one fixed tunnel to any sshtransport.Manager.
package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/kekexiaoai/sshvpn/internal/counters"
	"github.com/kekexiaoai/sshvpn/internal/relay"
	"github.com/kekexiaoai/sshvpn/internal/safego"
	"github.com/kekexiaoai/sshvpn/internal/types"
)

const (
	version = 0x05

	cmdConnect      = 0x01
	cmdBind         = 0x02
	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSucceeded           = 0x00
	repRefused             = 0x05
	repCommandNotSupported = 0x07
	repAddressNotSupported = 0x08

	maxDomainLen = 255

	// defaultMaxRelays is the default static cap on concurrent RelayPairs
	// (spec.md §7): connections beyond it are closed immediately at accept
	// time rather than queued.
	defaultMaxRelays = 256
)

// Opener is the subset of sshtransport.Manager the front-end needs.
type Opener interface {
	Open(ctx context.Context, ep types.Endpoint) (net.Conn, error)
}

// Server is a SOCKS5 listener bound to one transport.
type Server struct {
	Addr        string
	Transport   Opener
	Counters    *counters.Counters
	IdleTimeout time.Duration
	// MaxRelays caps concurrent RelayPairs accepted by this listener;
	// <=0 uses defaultMaxRelays (spec.md §7).
	MaxRelays int64
	Logger    *log.Logger

	listener net.Listener
}

// ListenAndServe binds Addr and accepts connections until ctx is cancelled
// or Close is called. Port-in-use is returned verbatim to the caller, which
// spec.md §4.E treats as a fatal start error.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen binds Addr synchronously so a caller (supervisor.Start) can treat
// port-in-use as an immediate, fatal start error rather than racing an
// error out of a background accept loop.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("socks5 listen %s: %w", s.Addr, err)
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

// handle calls RelayFinished exactly once per connection, releasing the
// slot Serve's TryStart took on accept, matching spec.md §7: total_relays
// is incremented on accept even when the client protocol turns out
// malformed, before Run ever runs.
func (s *Server) handle(ctx context.Context, client net.Conn) {
	defer func() {
		if s.Counters != nil {
			s.Counters.RelayFinished()
		}
	}()

	ep, ok := s.negotiate(client)
	if !ok {
		client.Close()
		return
	}

	upstream, err := s.Transport.Open(ctx, ep)
	if err != nil {
		s.logf("socks5: open %s: %v", ep, err)
		sendReply(client, repRefused)
		client.Close()
		return
	}

	if err := sendReply(client, repSucceeded); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	relay.Run(relay.Pair{Left: client, Right: upstream, IdleTimeout: s.IdleTimeout}, s.Counters)
}

// negotiate performs the greeting and the CONNECT request, returning the
// requested endpoint. It writes whatever error reply the protocol calls for
// and reports ok=false when the caller should simply close the socket with
// no further writes (malformed greeting, per spec.md §7 edge cases). The
// whole greeting and the whole request (address and port included) are
// read before the version or command is rejected.
func (s *Server) negotiate(client net.Conn) (types.Endpoint, bool) {
	buf := make([]byte, 256)

	if _, err := io.ReadFull(client, buf[:2]); err != nil {
		return types.Endpoint{}, false
	}
	ver, nMethods := buf[0], buf[1]
	if _, err := io.ReadFull(client, buf[:nMethods]); err != nil {
		return types.Endpoint{}, false
	}
	if ver != version {
		return types.Endpoint{}, false
	}
	if _, err := client.Write([]byte{version, 0x00}); err != nil {
		return types.Endpoint{}, false
	}

	if _, err := io.ReadFull(client, buf[:4]); err != nil {
		return types.Endpoint{}, false
	}
	ver, cmd, atyp := buf[0], buf[1], buf[3]
	if ver != version {
		return types.Endpoint{}, false
	}
	if cmd != cmdConnect {
		sendReply(client, repCommandNotSupported)
		return types.Endpoint{}, false
	}

	var host string
	switch atyp {
	case atypIPv4:
		if _, err := io.ReadFull(client, buf[:4]); err != nil {
			return types.Endpoint{}, false
		}
		host = net.IP(buf[:4]).String()
	case atypDomain:
		if _, err := io.ReadFull(client, buf[:1]); err != nil {
			return types.Endpoint{}, false
		}
		n := int(buf[0])
		if n > maxDomainLen {
			return types.Endpoint{}, false
		}
		if _, err := io.ReadFull(client, buf[:n]); err != nil {
			return types.Endpoint{}, false
		}
		host = string(buf[:n])
	case atypIPv6:
		if _, err := io.ReadFull(client, buf[:16]); err != nil {
			return types.Endpoint{}, false
		}
		host = net.IP(buf[:16]).String()
	default:
		sendReply(client, repAddressNotSupported)
		return types.Endpoint{}, false
	}

	if _, err := io.ReadFull(client, buf[:2]); err != nil {
		return types.Endpoint{}, false
	}
	port := binary.BigEndian.Uint16(buf[:2])

	if cmd != cmdConnect {
		sendReply(client, repCommandNotSupported)
		return types.Endpoint{}, false
	}

	return types.Endpoint{Host: host, Port: port}, true
}

func sendReply(w io.Writer, rep byte) error {
	_, err := w.Write([]byte{version, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
