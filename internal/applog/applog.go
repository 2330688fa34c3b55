// Package applog constructs the *log.Logger every other package takes by
// constructor injection. It follows the log-file-under-user-config-dir
// pattern from backend/app.go's Startup, trimmed to a single function: no
// Wails event bridging, and a debug flag that tees to stderr instead of
// the GUI devtools console.
package applog

import (
	"io"
	"log"
	"os"
	"path/filepath"
)

// New opens <dir>/sshvpn.log in append mode and returns a logger that
// writes to it. When debug is true, output is also duplicated to stderr.
// dir is created if missing.
func New(dir string, debug bool) (*log.Logger, func() error, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, nil, err
	}
	path := filepath.Join(dir, "sshvpn.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = f
	if debug {
		w = io.MultiWriter(f, os.Stderr)
	}

	logger := log.New(w, "", log.LstdFlags|log.Lmicroseconds)
	return logger, f.Close, nil
}
