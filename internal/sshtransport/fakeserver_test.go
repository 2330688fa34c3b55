package sshtransport

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"net"

	"golang.org/x/crypto/ssh"
)

// fakeServer is a minimal in-process SSH server accepting only
// "direct-tcpip" channels and dialing the requested address locally. It
// mirrors the ServeConn/ServePortForward shape from ayanrajpoot10-ssh-ify's
// internal/ssh package, trimmed to what these tests need.
type fakeServer struct {
	listener net.Listener
	config   *ssh.ServerConfig

	// onForward, if set, is invoked with the literal host/port requested by
	// an incoming direct-tcpip channel before forward() attempts to dial it
	// — used by tests to observe exactly what the client sent, independent
	// of whether the subsequent dial succeeds.
	onForward func(host string, port uint32)
}

func newFakeServer(t interface{ Fatalf(string, ...any) }, password string) *fakeServer {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if password != "" && string(pass) != password {
				return nil, errors.New("wrong password")
			}
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeServer{listener: ln, config: config}
}

func (s *fakeServer) Addr() string { return s.listener.Addr().String() }

func (s *fakeServer) Close() error { return s.listener.Close() }

// Serve accepts connections until the listener is closed, handling each in
// its own goroutine and rejecting everything except direct-tcpip channels.
func (s *fakeServer) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for newChannel := range chans {
		if newChannel.ChannelType() != "direct-tcpip" {
			newChannel.Reject(ssh.UnknownChannelType, "only direct-tcpip allowed")
			continue
		}
		var payload struct {
			Host       string
			Port       uint32
			OriginHost string
			OriginPort uint32
		}
		if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
			newChannel.Reject(ssh.Prohibited, "malformed direct-tcpip request")
			continue
		}
		ch, chReqs, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(chReqs)
		if s.onForward != nil {
			s.onForward(payload.Host, payload.Port)
		}
		go forward(ch, payload.Host, payload.Port)
	}
	sshConn.Close()
}

func forward(ch ssh.Channel, host string, port uint32) {
	defer ch.Close()
	dst, err := net.Dial("tcp", net.JoinHostPort(host, itoa(port)))
	if err != nil {
		return
	}
	defer dst.Close()

	done := make(chan struct{}, 2)
	go func() { copyAndSignal(dst, ch, done) }()
	go func() { copyAndSignal(ch, dst, done) }()
	<-done
}

func copyAndSignal(dst io.Writer, src io.Reader, done chan struct{}) {
	io.Copy(dst, src)
	done <- struct{}{}
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	digits := [10]byte{}
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}
