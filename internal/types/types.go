// Package types holds the data model shared across the transport manager,
// the front-ends and the lifecycle supervisor (spec.md §3). It plays the
// role backend/internal/types/types.go played: plain structs plus a
// handful of sentinel error types matched with errors.As.
package types

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint is a host/port pair. Host may be a dotted/colon literal or a DNS
// name; resolution policy is left to the consumer (spec.md §3, §4.B).
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// CredentialKind tags a Credential as carrying a password or a private key.
type CredentialKind int

const (
	// CredentialNone means no credential was supplied for this hop.
	CredentialNone CredentialKind = iota
	CredentialPassword
	CredentialKey
)

// Credential is the tagged variant from spec.md §3: Password(string) or
// Key(path, optional-passphrase). It is a plain struct with a Kind tag
// rather than an interface hierarchy, matching the "tagged variant, not a
// class hierarchy" design note in spec.md §9.
type Credential struct {
	Kind          CredentialKind
	Password      string
	KeyPath       string
	KeyPassphrase string
}

// Password builds a password Credential.
func Password(pw string) Credential {
	return Credential{Kind: CredentialPassword, Password: pw}
}

// Key builds a private-key Credential. passphrase may be empty.
func Key(path, passphrase string) Credential {
	return Credential{Kind: CredentialKey, KeyPath: path, KeyPassphrase: passphrase}
}

// IsZero reports whether no credential was configured for this hop.
func (c Credential) IsZero() bool {
	return c.Kind == CredentialNone
}

// HopConfig describes one SSH hop: the endpoint, the user to authenticate
// as, and the credential to use.
type HopConfig struct {
	Endpoint   Endpoint
	User       string
	Credential Credential
}

// SessionConfig is the full configuration for one tunnel session
// (spec.md §3). If Jump is non-nil its Endpoint/Credential are validated
// identically to Target's.
type SessionConfig struct {
	Target            HopConfig
	Jump              *HopConfig
	SocksPort         uint16
	HTTPPort          uint16
	ManageSystemProxy bool
	// VerifyHostKey opts into known_hosts checking (spec.md §4.B, §9 open
	// question). Default false preserves the source's default of disabled
	// strict host-key checking.
	VerifyHostKey bool
	// IdleTimeoutSec bounds relay idle time; 0 means use the package
	// default (spec.md §4.A).
	IdleTimeoutSec int
}

// Validate checks the invariants spec.md §3 places on SessionConfig.
func (c SessionConfig) Validate() error {
	if c.Target.Endpoint.Host == "" {
		return fmt.Errorf("target host is required")
	}
	if c.Target.Endpoint.Port == 0 {
		return fmt.Errorf("target port is required")
	}
	if c.Target.User == "" {
		return fmt.Errorf("target user is required")
	}
	if c.Jump != nil {
		if c.Jump.Endpoint.Host == "" {
			return fmt.Errorf("jump host is required when jump is configured")
		}
		if c.Jump.Endpoint.Port == 0 {
			return fmt.Errorf("jump port is required when jump is configured")
		}
		if c.Jump.User == "" {
			return fmt.Errorf("jump user is required when jump is configured")
		}
	}
	return nil
}

// PasswordRequiredError indicates a hop has no usable credential and needs
// an interactive password (spec.md §7 disposition: auth errors are fatal
// for the session but the caller may retry with a password).
type PasswordRequiredError struct {
	Host string
}

func (e *PasswordRequiredError) Error() string {
	return fmt.Sprintf("password is required for host %s", e.Host)
}

// AuthenticationFailedError indicates the server rejected every offered
// credential.
type AuthenticationFailedError struct {
	Host string
}

func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("authentication failed for host %s", e.Host)
}

// HostKeyVerificationRequiredError indicates known_hosts mode is enabled
// and the server presented an unrecognized or changed host key.
type HostKeyVerificationRequiredError struct {
	Host        string
	Fingerprint string
}

func (e *HostKeyVerificationRequiredError) Error() string {
	return fmt.Sprintf("host key verification required for host %s (%s)", e.Host, e.Fingerprint)
}
