package jobstate

import (
	"time"

	"github.com/vigilinit/vigild/internal/enum"
)

// ActionKind enumerates the side effects Step may ask the dispatcher to
// perform, in order (spec.md §4.5: "a short list of side effects (spawn
// X, send signal Y, arm timer T, emit status message, schedule
// transition)"). The dispatcher executes these; Step itself never does
// I/O, so it stays infallible per spec.md §9.
type ActionKind int

const (
	// ActionSpawn asks the dispatcher to fork/exec the named script.
	// The dispatcher reports the outcome back as a ChildEvent input
	// (ChildExited(127) on fork failure, per spec.md §4.5's failure
	// semantics).
	ActionSpawn ActionKind = iota

	// ActionSignal asks the dispatcher to send Signal to the tracked
	// pid.
	ActionSignal

	// ActionArmKillTimer (re)arms the per-instance kill timer to fire
	// after Delay.
	ActionArmKillTimer

	// ActionClearKillTimer disarms the kill timer (e.g. the tracked
	// child died before the timer fired).
	ActionClearKillTimer

	// ActionArmRespawnWindow arms the rolling respawn-rate window.
	ActionArmRespawnWindow

	// ActionEmitStatus asks the dispatcher to broadcast a JOB_STATUS
	// message reflecting the instance's new fields to all watchers.
	// Description, when set, overrides the job's own configured
	// description for this one broadcast — used for the
	// JOB_RESPAWN_LIMIT status of spec.md §7/§8 ("respawn-limit
	// description"), which rides the same JOB_STATUS message rather
	// than a message type of its own.
	ActionEmitStatus

	// ActionRequeue asks the dispatcher to immediately feed Requeue
	// back into Step as the next input, with no real wait — this is
	// how a single logical transition surfaces as two separately
	// broadcast states (see inputRequeue).
	ActionRequeue

	// ActionEmit asks the dispatcher to synthesize an emit(name, env)
	// call against itself, as if a bridge had submitted it
	// (SPEC_FULL.md §4.6).
	ActionEmit
)

// Action is one side effect returned by Step, to be executed by the
// dispatcher in list order.
type Action struct {
	Kind ActionKind

	Script enum.Action   // ActionSpawn
	Signal string        // ActionSignal
	Delay  time.Duration // ActionArmKillTimer / ActionArmRespawnWindow

	Requeue Input // ActionRequeue

	EmitName string   // ActionEmit
	EmitEnv  []string // ActionEmit

	Description string // ActionEmitStatus override (empty = use the job's own)
}
