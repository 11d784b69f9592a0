package clusterconfig

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dantte-lp/clusterrpc/internal/authadapter"
)

// -------------------------------------------------------------------------
// Process-wide mutable state (spec §9 "Global mutable state")
// -------------------------------------------------------------------------

// State is the process-wide configuration snapshot plus the global auth
// key and first-access caches spec.md §9 describes: "a process-wide
// snapshot object acquired under a read-lock for every access; mutations
// replace the snapshot atomically. First-access caches (auth TTL,
// connect-retry timeout) are guarded by a one-shot initializer."
//
// atomic.Pointer[Config] is this codebase's idiomatic Go rendition of that
// read-lock/replace pattern: Load never blocks a writer, and Store is a
// single atomic pointer swap rather than a mutex-guarded copy.
type State struct {
	snapshot atomic.Pointer[Config]

	authInfoOnce sync.Once
	authInfo     authadapter.AuthInfo
	authInfoErr  error
}

// The GLOBAL_AUTH_KEY secret is shared by every State in the process.
var (
	globalSecretOnce sync.Once
	globalSecret     []byte
	globalSecretErr  error
)

// NewState builds a State seeded with cfg.
func NewState(cfg *Config) *State {
	s := &State{}
	s.snapshot.Store(cfg)
	return s
}

// Snapshot returns the current configuration. The returned pointer must be
// treated as read-only by the caller.
func (s *State) Snapshot() *Config {
	return s.snapshot.Load()
}

// Replace atomically installs cfg as the current configuration.
func (s *State) Replace(cfg *Config) {
	s.snapshot.Store(cfg)
}

// AuthInfo parses and caches the snapshot's authinfo string on first
// access (spec §4.3, §9 "First-access caches").
func (s *State) AuthInfo() (authadapter.AuthInfo, error) {
	s.authInfoOnce.Do(func() {
		s.authInfo, s.authInfoErr = authadapter.ParseAuthInfo(s.Snapshot().Auth.AuthInfo)
	})
	return s.authInfo, s.authInfoErr
}

// GlobalSecret returns the process-wide GLOBAL_AUTH_KEY secret, generating
// it once on first access (spec §4.3, §9).
func (s *State) GlobalSecret() ([]byte, error) {
	globalSecretOnce.Do(func() {
		globalSecret, globalSecretErr = authadapter.GenerateSecret(32)
	})
	return globalSecret, globalSecretErr
}

// MsgTimeout returns the configured message timeout as a time.Duration.
func (s *State) MsgTimeout() time.Duration {
	return time.Duration(s.Snapshot().RPC.MsgTimeoutSeconds) * time.Second
}

// SlurmctldTimeout returns the configured controller detection timeout as
// a time.Duration.
func (s *State) SlurmctldTimeout() time.Duration {
	return time.Duration(s.Snapshot().RPC.SlurmctldTimeoutSeconds) * time.Second
}
