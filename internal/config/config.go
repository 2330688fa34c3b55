// Package config persists the last-used SessionConfig to a JSON document
// under the user's config directory, following the ConfigManager shape from
// internal/config/config.go (RWMutex-guarded in-memory copy,
// MarshalIndent + WriteFile, MkdirAll on first save).
//
// That source wrote SSHConfig.Password straight into the JSON document;
// this package never writes secrets to disk (spec.md §9 open question,
// resolved in SPEC_FULL.md §10.3): passwords and key passphrases are
// handed to a SecretStore (by default the OS keyring, via
// github.com/zalando/go-keyring) keyed by a stable profile ID, and the JSON
// document stores only non-secret fields.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/kekexiaoai/sshvpn/internal/types"
)

// keyringService namespaces this application's entries in the OS keyring,
// mirroring the keyringService constant in sshmanager.go.
const keyringService = "sshvpn"

// profileID is fixed because spec.md's SessionConfig document holds a
// single last-used profile, not a list of named profiles.
const profileID = "default"

// SecretStore abstracts credential storage so tests can substitute an
// in-memory fake instead of touching the real OS keyring.
type SecretStore interface {
	Set(key, value string) error
	Get(key string) (string, error)
	Delete(key string) error
}

// osKeyring is the default SecretStore, backed by the OS-native keyring.
type osKeyring struct{}

func (osKeyring) Set(key, value string) error { return keyring.Set(keyringService, key, value) }

func (osKeyring) Get(key string) (string, error) { return keyring.Get(keyringService, key) }

func (osKeyring) Delete(key string) error {
	if _, err := keyring.Get(keyringService, key); err != nil {
		// Nothing stored: deleting an absent entry is not an error, matching
		// sshmanager.DeletePassword's defensive check.
		return nil
	}
	return keyring.Delete(keyringService, key)
}

// storedHop is the non-secret, on-disk form of types.HopConfig.
type storedHop struct {
	Host          string `json:"host"`
	Port          uint16 `json:"port"`
	User          string `json:"user"`
	CredentialKey string `json:"credentialKey,omitempty"` // keyring key, if a credential is set
	KeyPath       string `json:"keyPath,omitempty"`
}

// storedProfile is the on-disk document shape.
type storedProfile struct {
	Target            storedHop  `json:"target"`
	Jump              *storedHop `json:"jump,omitempty"`
	SocksPort         uint16     `json:"socksPort"`
	HTTPPort          uint16     `json:"httpPort"`
	ManageSystemProxy bool       `json:"manageSystemProxy"`
	VerifyHostKey     bool       `json:"verifyHostKey"`
	IdleTimeoutSec    int        `json:"idleTimeoutSec,omitempty"`
}

// Store is the JSON-backed SessionConfig store.
type Store struct {
	path    string
	secrets SecretStore
	mu      sync.RWMutex
	stored  storedProfile
	loaded  bool
}

// NewStore creates a Store that persists to path and stores secrets in the
// OS keyring. path is typically <os.UserConfigDir()>/sshvpn/config.json.
func NewStore(path string) *Store {
	return &Store{path: path, secrets: osKeyring{}}
}

// NewStoreWithSecrets is NewStore with an injectable SecretStore, used by
// tests to avoid depending on a real OS keyring.
func NewStoreWithSecrets(path string, secrets SecretStore) *Store {
	return &Store{path: path, secrets: secrets}
}

// Path returns the on-disk location this Store persists to.
func (s *Store) Path() string {
	return s.path
}

// Load reads the on-disk document, if any. A missing file is not an error
// (first run).
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, &s.stored); err != nil {
		return fmt.Errorf("parse config %s: %w", s.path, err)
	}
	s.loaded = true
	return nil
}

// Current returns the last-loaded/saved SessionConfig with secrets resolved
// back from the SecretStore. ok is false if nothing has ever been saved.
func (s *Store) Current() (cfg types.SessionConfig, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.loaded {
		return types.SessionConfig{}, false, nil
	}

	target, err := s.resolveHop(s.stored.Target, "target")
	if err != nil {
		return types.SessionConfig{}, false, err
	}
	cfg.Target = target
	cfg.SocksPort = s.stored.SocksPort
	cfg.HTTPPort = s.stored.HTTPPort
	cfg.ManageSystemProxy = s.stored.ManageSystemProxy
	cfg.VerifyHostKey = s.stored.VerifyHostKey
	cfg.IdleTimeoutSec = s.stored.IdleTimeoutSec

	if s.stored.Jump != nil {
		jump, err := s.resolveHop(*s.stored.Jump, "jump")
		if err != nil {
			return types.SessionConfig{}, false, err
		}
		cfg.Jump = &jump
	}
	return cfg, true, nil
}

func (s *Store) resolveHop(h storedHop, label string) (types.HopConfig, error) {
	hop := types.HopConfig{
		Endpoint: types.Endpoint{Host: h.Host, Port: h.Port},
		User:     h.User,
	}
	if h.KeyPath != "" {
		passphrase := ""
		if h.CredentialKey != "" {
			p, err := s.secrets.Get(h.CredentialKey + ":passphrase")
			if err == nil {
				passphrase = p
			}
		}
		hop.Credential = types.Key(h.KeyPath, passphrase)
		return hop, nil
	}
	if h.CredentialKey != "" {
		pw, err := s.secrets.Get(h.CredentialKey)
		if err != nil {
			return hop, fmt.Errorf("resolve %s credential: %w", label, err)
		}
		hop.Credential = types.Password(pw)
	}
	return hop, nil
}

// Save validates cfg, writes its non-secret fields to disk, and stores any
// password/passphrase in the SecretStore under a key derived from
// profileID and the hop label ("target" or "jump").
func (s *Store) Save(cfg types.SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.storeHop(cfg.Target, "target")
	if err != nil {
		return err
	}

	stored := storedProfile{
		Target:            target,
		SocksPort:         cfg.SocksPort,
		HTTPPort:          cfg.HTTPPort,
		ManageSystemProxy: cfg.ManageSystemProxy,
		VerifyHostKey:     cfg.VerifyHostKey,
		IdleTimeoutSec:    cfg.IdleTimeoutSec,
	}
	if cfg.Jump != nil {
		jump, err := s.storeHop(*cfg.Jump, "jump")
		if err != nil {
			return err
		}
		stored.Jump = &jump
	}

	s.stored = stored
	s.loaded = true
	return s.save()
}

func (s *Store) storeHop(hop types.HopConfig, label string) (storedHop, error) {
	out := storedHop{
		Host:    hop.Endpoint.Host,
		Port:    hop.Endpoint.Port,
		User:    hop.User,
		KeyPath: hop.Credential.KeyPath,
	}
	switch hop.Credential.Kind {
	case types.CredentialPassword:
		key := profileID + ":" + label
		if err := s.secrets.Set(key, hop.Credential.Password); err != nil {
			return out, fmt.Errorf("save %s password: %w", label, err)
		}
		out.CredentialKey = key
	case types.CredentialKey:
		if hop.Credential.KeyPassphrase != "" {
			key := profileID + ":" + label
			if err := s.secrets.Set(key+":passphrase", hop.Credential.KeyPassphrase); err != nil {
				return out, fmt.Errorf("save %s key passphrase: %w", label, err)
			}
			out.CredentialKey = key
		}
	}
	return out, nil
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.stored, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o640)
}
