// Package profile implements the read-only profile store.
//
// Profiles map an opaque, caller-visible name to SSH connection material:
// target address, credentials, an optional sudo password, and per-profile
// engine defaults. The caller side of the API only ever sees names and
// non-secret summaries; the full Profile is resolved server-side and handed
// to the session engine.
//
// Profiles are loaded from a YAML file ("profiles:" map keyed by name plus
// an optional "default_profile"). The file is re-read automatically when its
// modification time changes, and can be re-read explicitly via Reload.
package profile

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Resolve when no profile has the requested name.
var ErrNotFound = errors.New("profile not found")

// Profile is the full connection bundle for one target machine.
// Exactly one of Password / PrivateKeyPath is set. Never serialized
// back to callers.
type Profile struct {
	Name           string
	Hostname       string
	Username       string
	Password       string
	PrivateKeyPath string
	Port           int
	SudoPassword   string
	Description    string
	AutoSudoFix    bool
	Recovery       bool
	DefaultTimeout time.Duration
}

// HasSudoPassword reports whether a sudo secret is configured. The sudo
// password falls back to the login password, matching common server setups
// where the account password doubles as the sudo password.
func (p Profile) HasSudoPassword() bool {
	return p.SudoPassword != "" || p.Password != ""
}

// EffectiveSudoPassword returns the configured sudo password, falling back
// to the login password.
func (p Profile) EffectiveSudoPassword() string {
	if p.SudoPassword != "" {
		return p.SudoPassword
	}
	return p.Password
}

// Summary is the non-secret view of a profile returned by List.
// Credential material is reduced to presence booleans.
type Summary struct {
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	Port            int     `json:"port"`
	AutoSudoFix     bool    `json:"auto_sudo_fix"`
	Recovery        bool    `json:"session_recovery"`
	TimeoutSeconds  float64 `json:"default_timeout_seconds"`
	HasPassword     bool    `json:"has_password"`
	HasPrivateKey   bool    `json:"has_private_key"`
	HasSudoPassword bool    `json:"has_sudo_password"`
}

// Overrides carries per-connect adjustments. Only non-sensitive settings can
// be overridden; credentials and addresses always come from the stored
// profile.
type Overrides struct {
	Port           *int     `json:"port,omitempty"`
	AutoSudoFix    *bool    `json:"auto_sudo_fix,omitempty"`
	Recovery       *bool    `json:"session_recovery,omitempty"`
	TimeoutSeconds *float64 `json:"default_timeout_seconds,omitempty"`
}

// Apply returns a copy of p with the overrides folded in.
func (o Overrides) Apply(p Profile) Profile {
	if o.Port != nil {
		p.Port = *o.Port
	}
	if o.AutoSudoFix != nil {
		p.AutoSudoFix = *o.AutoSudoFix
	}
	if o.Recovery != nil {
		p.Recovery = *o.Recovery
	}
	if o.TimeoutSeconds != nil {
		p.DefaultTimeout = time.Duration(*o.TimeoutSeconds * float64(time.Second))
	}
	return p
}

// Validate checks that the override values are usable before they are
// applied to a profile.
func (o Overrides) Validate() error {
	if o.Port != nil && (*o.Port <= 0 || *o.Port > 65535) {
		return fmt.Errorf("invalid port override: %d", *o.Port)
	}
	if o.TimeoutSeconds != nil && *o.TimeoutSeconds <= 0 {
		return fmt.Errorf("invalid timeout override: %v", *o.TimeoutSeconds)
	}
	return nil
}
