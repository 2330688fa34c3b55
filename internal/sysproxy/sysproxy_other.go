//go:build !darwin && !windows && !linux

package sysproxy

// New returns Noop on platforms with no wired system-proxy mechanism.
func New() Hook { return Noop{} }
