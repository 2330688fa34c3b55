// Package relay implements the bidirectional byte-pump copying data
// between a local client socket and an SSH channel (spec.md §4.A).
//
// The shape follows sshtunnel.Manager.proxyData (two goroutines, a
// WaitGroup, close-once semantics) enriched with the idle-timeout and
// per-direction accounting spec.md §4.A requires.
package relay

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/kekexiaoai/sshvpn/internal/counters"
)

// DefaultIdleTimeout is the idle timeout applied when a Pair does not
// specify one (spec.md §4.A).
const DefaultIdleTimeout = 300 * time.Second

// bufSize is the per-direction copy buffer. spec.md §4.A requires at least
// 32 KiB; 64 KiB is the recommended, and teacher-sized, default.
const bufSize = 64 * 1024

// Pair describes one RelayPair: two byte-streams and the idle timeout that
// governs their shared lifetime (spec.md §3).
type Pair struct {
	Left        net.Conn
	Right       net.Conn
	IdleTimeout time.Duration
}

// Run copies bytes in both directions between p.Left and p.Right until one
// side reports EOF or an error, or until no byte crosses either direction
// for p.IdleTimeout. Both streams are closed exactly once before Run
// returns. Per-direction byte counts are added to c as each write succeeds.
//
// Run does not touch c's relay-count fields: spec.md §7 requires
// total_relays to be incremented on accept, before the protocol handshake
// that precedes Run even begins, so callers own RelayStarted/RelayFinished
// themselves (see internal/socks5 and internal/httpproxy).
//
// The two directions make independent progress: a slow Right never blocks
// bytes flowing Right->Left for more than one buffer, and vice versa,
// because each direction runs in its own goroutine.
func Run(p Pair, c *counters.Counters) {
	idle := p.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	var closeOnce sync.Once
	closeBoth := func() {
		p.Left.Close()
		p.Right.Close()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer closeOnce.Do(closeBoth)
		// dst=Left (client), src=Right (upstream): remote-to-local, i.e. download.
		pump(p.Left, p.Right, idle, c.AddDown)
	}()
	go func() {
		defer wg.Done()
		defer closeOnce.Do(closeBoth)
		// dst=Right (upstream), src=Left (client): local-to-remote, i.e. upload.
		pump(p.Right, p.Left, idle, c.AddUp)
	}()

	wg.Wait()
}

// deadlineSetter is satisfied by net.Conn; kept as its own interface so
// pump can take plain io.Reader/io.Writer values and set idle deadlines
// only on those that support them.
type deadlineSetter interface {
	SetDeadline(time.Time) error
}

// pump copies from src to dst until EOF, error, or idle timeout, calling
// account with the number of bytes flushed after every successful write.
// Partial writes are retried until the whole chunk is flushed or the write
// side fails; a write failure tears the connection down exactly like a read
// EOF (spec.md §4.A).
func pump(dst io.Writer, src io.Reader, idle time.Duration, account func(int64)) {
	buf := make([]byte, bufSize)

	resetDeadline := func(c any) {
		if d, ok := c.(deadlineSetter); ok {
			d.SetDeadline(time.Now().Add(idle))
		}
	}
	resetDeadline(src)
	resetDeadline(dst)

	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			resetDeadline(src)
			resetDeadline(dst)

			nw, ew := writeAll(dst, buf[:nr])
			if nw > 0 {
				account(int64(nw))
			}
			if ew != nil {
				return
			}
		}
		if er != nil {
			return
		}
	}
}

// writeAll retries partial writes until the whole buffer is flushed or the
// write side errors.
func writeAll(dst io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := dst.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}
