//go:build darwin

package sysproxy

import (
	"bytes"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
)

// macHook drives networksetup(8), matching the way macOS system proxy
// settings are per-network-service rather than global. Adapted from
// paulGUZU-fsak's internal/client/system_proxy_darwin.go, generalized from
// a SOCKS-only session to setting both the SOCKS and web (HTTP) proxy
// entries spec.md §4.F's hook is invoked with.
type macHook struct {
	services []string
	previous map[string]proxyState
}

type proxyState struct {
	socksEnabled bool
	socksServer  string
	socksPort    string
	httpEnabled  bool
	httpServer   string
	httpPort     string
}

// New returns the platform Hook for macOS.
func New() Hook { return &macHook{} }

func (h *macHook) Enable(socksAddr, httpAddr string) error {
	services, err := listNetworkServices()
	if err != nil {
		return err
	}
	if len(services) == 0 {
		return fmt.Errorf("no active macOS network services found")
	}

	socksHost, socksPort, err := net.SplitHostPort(socksAddr)
	if err != nil {
		return fmt.Errorf("parse socks addr %s: %w", socksAddr, err)
	}
	httpHost, httpPort, err := net.SplitHostPort(httpAddr)
	if err != nil {
		return fmt.Errorf("parse http addr %s: %w", httpAddr, err)
	}

	previous := make(map[string]proxyState, len(services))
	var changed []string

	for _, service := range services {
		state, err := getProxyState(service)
		if err != nil {
			rollback(changed, previous)
			return fmt.Errorf("read proxy state for %q: %w", service, err)
		}
		previous[service] = state

		if err := runNetworkSetup("-setsocksfirewallproxy", service, socksHost, socksPort); err != nil {
			rollback(changed, previous)
			return fmt.Errorf("enable socks for %q: %w", service, err)
		}
		if err := runNetworkSetup("-setsocksfirewallproxystate", service, "on"); err != nil {
			rollback(changed, previous)
			return fmt.Errorf("enable socks state for %q: %w", service, err)
		}
		if err := runNetworkSetup("-setwebproxy", service, httpHost, httpPort); err != nil {
			rollback(changed, previous)
			return fmt.Errorf("enable web proxy for %q: %w", service, err)
		}
		if err := runNetworkSetup("-setwebproxystate", service, "on"); err != nil {
			rollback(changed, previous)
			return fmt.Errorf("enable web proxy state for %q: %w", service, err)
		}
		changed = append(changed, service)
	}

	h.services = services
	h.previous = previous
	return nil
}

func (h *macHook) Disable() error {
	return rollback(h.services, h.previous)
}

func rollback(services []string, previous map[string]proxyState) error {
	for _, service := range services {
		state, ok := previous[service]
		if !ok {
			continue
		}
		if state.socksEnabled {
			runNetworkSetup("-setsocksfirewallproxy", service, state.socksServer, state.socksPort)
			runNetworkSetup("-setsocksfirewallproxystate", service, "on")
		} else {
			runNetworkSetup("-setsocksfirewallproxystate", service, "off")
		}
		if state.httpEnabled {
			runNetworkSetup("-setwebproxy", service, state.httpServer, state.httpPort)
			runNetworkSetup("-setwebproxystate", service, "on")
		} else {
			runNetworkSetup("-setwebproxystate", service, "off")
		}
	}
	return nil
}

func listNetworkServices() ([]string, error) {
	out, err := runNetworkSetupOutput("-listallnetworkservices")
	if err != nil {
		return nil, err
	}
	var services []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "An asterisk") || strings.HasPrefix(line, "*") {
			continue
		}
		services = append(services, line)
	}
	return services, nil
}

func getProxyState(service string) (proxyState, error) {
	var state proxyState
	if out, err := runNetworkSetupOutput("-getsocksfirewallproxy", service); err == nil {
		parseProxyFields(out, &state.socksEnabled, &state.socksServer, &state.socksPort)
	}
	if out, err := runNetworkSetupOutput("-getwebproxy", service); err == nil {
		parseProxyFields(out, &state.httpEnabled, &state.httpServer, &state.httpPort)
	}
	return state, nil
}

func parseProxyFields(out string, enabled *bool, server, port *string) {
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		switch key {
		case "Enabled":
			*enabled = strings.EqualFold(val, "Yes")
		case "Server":
			*server = val
		case "Port":
			*port = val
		}
	}
	if *port == "" {
		*port = strconv.Itoa(0)
	}
}

func runNetworkSetup(args ...string) error {
	_, err := runNetworkSetupOutput(args...)
	return err
}

func runNetworkSetupOutput(args ...string) (string, error) {
	cmd := exec.Command("networksetup", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("networksetup %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.String(), nil
}
