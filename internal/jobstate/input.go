package jobstate

import "github.com/vigilinit/vigild/internal/enum"

// InputKind classifies what's driving a single Step call (spec.md §4.5:
// "three input kinds: external set_goal(G), child events from the
// reaper, and timer expirations").
type InputKind int

const (
	InputSetGoal InputKind = iota
	InputChildEvent
	InputTimer
	// InputSpawned reports that a requested fork/exec actually returned a
	// pid (as opposed to a ChildEvent, which always means the tracked
	// child is gone). The dispatcher sends this immediately after a
	// successful ActionSpawn; a failed one is reported as an
	// InputChildEvent with SpawnFailed set instead, never as InputSpawned.
	InputSpawned
	// InputRemove asks the machine to mark the instance DELETED
	// (spec.md §3's "Lifecycle": the definition was removed from the
	// catalog). It's terminal — once DELETED, every further input but a
	// ChildEvent draining the last tracked pid is ignored.
	InputRemove
	// inputRequeue is not an external input kind; it's how the
	// dispatcher feeds back an Action{Kind: Requeue} immediately, to
	// let a single logical transition (e.g. entering STOPPING then
	// KILLED) be observed as two distinct, separately broadcast
	// states, per the "Full lifecycle" scenario in spec.md §8.
	inputRequeue
)

// TimerKind names which of the two dispatcher-owned timers expired
// (spec.md §4.5, §4.6): the per-job kill timer, or the rolling respawn
// window.
type TimerKind int

const (
	TimerKill TimerKind = iota
	TimerRespawnWindow
	timerGrace // internal use by Requeue, see inputRequeue
)

// ChildEvent is the tuple the reaper hands the dispatcher (spec.md §4.4).
type ChildEvent struct {
	Kind enum.ChildEventKind

	// Status is the exit code for ChildExited, the signal number for
	// ChildKilled/ChildDumped/ChildStopped/ChildContinued, and the
	// ptrace event id for ChildTrapped.
	Status int

	// SpawnFailed marks an event the dispatcher synthesized because
	// fork/exec itself failed, rather than one derived from a real
	// wait4 status. Spec.md §4.5 treats this "as an immediate
	// EXITED(127)"; Step keys off this flag rather than Status==127 so
	// a script that legitimately exits 127 is never mistaken for a
	// spawn failure.
	SpawnFailed bool
}

// Input is one of the three things that can drive a transition (plus the
// two dispatcher-internal kinds above).
type Input struct {
	Kind InputKind

	Goal  enum.Goal  // InputSetGoal
	Event ChildEvent // InputChildEvent
	Timer TimerKind  // InputTimer / inputRequeue
	Pid   int        // InputSpawned
}
