package sshtransport

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/kekexiaoai/sshvpn/internal/types"
)

// authMethods builds the []ssh.AuthMethod list for hop. A Credential carries
// either a key or a password, never both, so the list holds exactly one
// method: public-key auth for a key credential, password auth for a
// password credential. There is no password fallback after a rejected key.
// Key-over-password precedence is applied earlier, when cmd/sshvpn's
// buildConfig keeps --key over --password if both are given (the opposite
// of sshmanager._getAuthMethods, which tries a UI-supplied password first).
func authMethods(hop types.HopConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if hop.Credential.Kind == types.CredentialKey && hop.Credential.KeyPath != "" {
		signer, err := loadSigner(hop.Credential.KeyPath, hop.Credential.KeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("load key for %s: %w", hop.Endpoint.Host, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if hop.Credential.Kind == types.CredentialPassword && hop.Credential.Password != "" {
		methods = append(methods, ssh.Password(hop.Credential.Password))
	}

	if len(methods) == 0 {
		return nil, &types.PasswordRequiredError{Host: hop.Endpoint.Host}
	}
	return methods, nil
}

// loadSigner reads and parses a private key file, expanding a leading "~"
// the way backend/internal/sshmanager/sshmanager.go's readKeyFile does, and
// decrypting it with passphrase when the key is encrypted.
func loadSigner(path, passphrase string) (ssh.Signer, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse encrypted key: %w", err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return signer, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
