//go:build windows

package sysproxy

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/windows/registry"
)

const internetSettingsPath = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`

const (
	proxyEnableKey   = "ProxyEnable"
	proxyServerKey   = "ProxyServer"
	proxyOverrideKey = "ProxyOverride"
)

// windowsHook writes the per-user Internet Settings registry keys Windows
// applications read for their proxy configuration, adapted from
// paulGUZU-fsak's internal/client/system_proxy_windows.go. ProxyServer
// holds all three protocols as "socks=host:port;http=host:port;https=host:port"
// (https pointing at the HTTP listener), matching the per-protocol format
// Windows itself writes when configured through the Settings UI.
type windowsHook struct {
	previousEnable   uint32
	previousServer   string
	previousOverride string
}

// New returns the platform Hook for Windows.
func New() Hook { return &windowsHook{} }

func (h *windowsHook) Enable(socksAddr, httpAddr string) error {
	key, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsPath, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open registry key: %w", err)
	}
	defer key.Close()

	if val, _, err := key.GetIntegerValue(proxyEnableKey); err == nil {
		h.previousEnable = uint32(val)
	}
	if val, _, err := key.GetStringValue(proxyServerKey); err == nil {
		h.previousServer = val
	}
	if val, _, err := key.GetStringValue(proxyOverrideKey); err == nil {
		h.previousOverride = val
	}

	proxyServer := fmt.Sprintf("socks=%s;http=%s;https=%s", socksAddr, httpAddr, httpAddr)

	if err := key.SetDWordValue(proxyEnableKey, 1); err != nil {
		return fmt.Errorf("enable proxy: %w", err)
	}
	if err := key.SetStringValue(proxyServerKey, proxyServer); err != nil {
		key.SetDWordValue(proxyEnableKey, h.previousEnable)
		return fmt.Errorf("set proxy server: %w", err)
	}
	key.SetStringValue(proxyOverrideKey, "<local>")

	refreshInternetSettings()
	return nil
}

func (h *windowsHook) Disable() error {
	key, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsPath, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open registry key: %w", err)
	}
	defer key.Close()

	var errs []string

	if h.previousEnable == 0 {
		if err := key.DeleteValue(proxyEnableKey); err != nil {
			errs = append(errs, fmt.Sprintf("disable proxy: %v", err))
		}
	} else if err := key.SetDWordValue(proxyEnableKey, h.previousEnable); err != nil {
		errs = append(errs, fmt.Sprintf("restore proxy enable: %v", err))
	}

	if h.previousServer == "" {
		key.DeleteValue(proxyServerKey)
	} else if err := key.SetStringValue(proxyServerKey, h.previousServer); err != nil {
		errs = append(errs, fmt.Sprintf("restore proxy server: %v", err))
	}

	if h.previousOverride == "" {
		key.DeleteValue(proxyOverrideKey)
	} else {
		key.SetStringValue(proxyOverrideKey, h.previousOverride)
	}

	refreshInternetSettings()

	if len(errs) > 0 {
		return fmt.Errorf("failed to restore some proxy settings: %s", errs[0])
	}
	return nil
}

func refreshInternetSettings() {
	wininet := syscall.NewLazyDLL("wininet.dll")
	internetSetOption := wininet.NewProc("InternetSetOptionW")

	const (
		internetOptionSettingsChanged = 39
		internetOptionRefresh         = 37
	)

	internetSetOption.Call(0, uintptr(internetOptionSettingsChanged), 0, 0)
	internetSetOption.Call(0, uintptr(internetOptionRefresh), 0, 0)
}
