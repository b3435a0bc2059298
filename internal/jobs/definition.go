// Package jobs holds the immutable-by-convention job definition and the
// catalog that maps job names to definitions and their live instances
// (spec.md §3). The state machine itself lives in internal/jobstate; this
// package only owns the data the dispatcher looks up before invoking it.
package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/vigilinit/vigild/internal/enum"
)

// Script is one of the five actions a job may define: either a /bin/sh -c
// command line, or an explicit argv vector. Exactly one of Shell or Argv
// is set.
type Script struct {
	Shell string
	Argv  []string

	// WaitForStop marks the MAIN action as using the SIGSTOP handshake
	// (spec.md §4.5): the child is expected to raise SIGSTOP on itself
	// once ready to serve, rather than being considered ACTIVE on fork.
	WaitForStop bool
}

// Command returns the argv vector to exec for this script: Argv as given,
// or /bin/sh -c with the shell form when Argv wasn't given explicitly.
func (s *Script) Command() ([]string, error) {
	if s == nil {
		return nil, fmt.Errorf("jobs: no script configured")
	}
	if len(s.Argv) > 0 {
		return s.Argv, nil
	}
	if s.Shell == "" {
		return nil, fmt.Errorf("jobs: empty script")
	}
	return []string{"/bin/sh", "-c", s.Shell}, nil
}

// RespawnPolicy bounds how many times MAIN may respawn within a rolling
// window before the job is forced to goal STOP (spec.md §4.5).
type RespawnPolicy struct {
	Enabled bool
	Limit   int           // default 10
	Window  time.Duration // default 5s
}

// DefaultRespawnPolicy matches the defaults named in spec.md §4.5.
func DefaultRespawnPolicy() RespawnPolicy {
	return RespawnPolicy{Enabled: true, Limit: 10, Window: 5 * time.Second}
}

// EventMatcher names a single event, optionally constrained by
// KEY=VALUE environment pairs that must all be present on the emitted
// event for the match to apply.
type EventMatcher struct {
	Name string
	Env  []string
}

// Matches reports whether an emitted (name, env) pair satisfies this
// matcher.
func (m EventMatcher) Matches(name string, env []string) bool {
	if m.Name != name {
		return false
	}
	have := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			have[k] = v
		}
	}
	for _, want := range m.Env {
		k, v, ok := strings.Cut(want, "=")
		if !ok {
			continue
		}
		if have[k] != v {
			return false
		}
	}
	return true
}

// Definition is the immutable-by-convention record described in spec.md
// §3. Callers must not mutate a Definition once it has been registered
// with a Catalog; Replace a new one instead.
type Definition struct {
	Name        string
	Description string

	Actions [enum.NumActions]*Script

	Console     enum.Console
	Environment []string // ordered KEY=VALUE overlay

	Respawn RespawnPolicy

	KillSignal  string // defaults to "TERM" when empty
	KillTimeout time.Duration // defaults to 5s when zero

	StartOn []EventMatcher
	StopOn  []EventMatcher

	// Emits lists additional event names the dispatcher synthesizes, each
	// with JOB=<name> in its environment, every time this job enters
	// RUNNING (SPEC_FULL.md §4.6).
	Emits []string

	// Instance marks this definition as a template. The catalog still
	// keys it by Name alone: an Instance definition is a single catalog
	// entry like any other, with no per-instance-name entries.
	Instance bool
}

// Action returns the script configured for a, or nil if the job doesn't
// define that action.
func (d *Definition) Action(a enum.Action) *Script {
	if d == nil || int(a) < 0 || int(a) >= len(d.Actions) {
		return nil
	}
	return d.Actions[a]
}

// Validate checks the structural invariants spec.md §3 requires of a job
// name: non-empty, printable, no whitespace or NUL.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("jobs: name must not be empty")
	}
	for _, r := range d.Name {
		if r <= ' ' || r == 0x7f {
			return fmt.Errorf("jobs: name %q contains whitespace or control characters", d.Name)
		}
	}
	return nil
}

// EffectiveKillSignal returns the configured kill signal name, or the
// spec.md default of "TERM".
func (d *Definition) EffectiveKillSignal() string {
	if d.KillSignal == "" {
		return "TERM"
	}
	return d.KillSignal
}

// EffectiveKillTimeout returns the configured grace period, or the
// spec.md default of 5 seconds.
func (d *Definition) EffectiveKillTimeout() time.Duration {
	if d.KillTimeout == 0 {
		return 5 * time.Second
	}
	return d.KillTimeout
}
