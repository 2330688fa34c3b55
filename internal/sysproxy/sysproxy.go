// Package sysproxy is the opaque "set system proxy / clear system proxy"
// capability invoked by the Lifecycle Supervisor (spec.md §4.F). Per
// spec.md §1 this is an external collaborator from the core's point of
// view; this package gives it a real, per-OS implementation in the same
// os/exec-driven style as connect_darwin.go/connect_windows.go rather than
// leaving it as a stub, with a Noop fallback when ManageSystemProxy is
// false or the platform is unsupported.
package sysproxy

// Hook enables and disables the OS per-user HTTP/SOCKS proxy settings.
// Enable is called with the bound SOCKS5 and HTTP listener addresses when
// cfg.ManageSystemProxy is set (spec.md §4.E step 4); Disable restores the
// previous settings on session stop.
type Hook interface {
	Enable(socksAddr, httpAddr string) error
	Disable() error
}

// Noop is the default Hook: it does nothing, used when ManageSystemProxy
// is false or no platform-specific hook is registered for the current OS.
type Noop struct{}

func (Noop) Enable(string, string) error { return nil }
func (Noop) Disable() error              { return nil }
