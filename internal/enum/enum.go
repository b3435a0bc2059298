// Package enum provides the bidirectional mapping between the lowercase
// string vocabulary used in CLI output and logs, and the internal
// enumerated values the rest of the daemon operates on. Goal, State and
// ProcessState cross the control wire as their raw integer ordinals
// (spec.md §6's `u`/`i` pack fields) — this package's *Name/*FromName
// pairs are only ever consulted at the CLI/log boundary, never by
// internal/wire itself. The registry is frozen at build time: unknown
// inputs yield a sentinel zero value rather than a panic, matching
// upstart's enum.c contract of returning NULL / -1 on an unrecognized
// name.
package enum

// Goal is the desired terminal condition of a job.
type Goal int

const (
	Stop Goal = iota
	Start
)

// State is where a job instance currently sits in its lifecycle.
type State int

const (
	Waiting State = iota
	Starting
	PreStart
	Spawned
	PostStart
	Running
	PreStop
	Stopping
	Killed
	PostStop
	Deleted

	// NumStates is the number of entries in the State enum, usable as a
	// Go array length or loop bound.
	NumStates = int(iota)
)

// ProcessState is the shape of the single child currently tracked for a
// job instance, if any.
type ProcessState int

const (
	ProcessNone ProcessState = iota
	ProcessSpawned
	ProcessActive
	ProcessKilled
)

// Action identifies one of the five scripts a job may define.
type Action int

const (
	MainAction Action = iota
	PreStartAction
	PostStartAction
	PreStopAction
	PostStopAction

	// NumActions is the number of entries in the Action enum
	// (JOB_LAST_ACTION in the original), usable as a Go array length.
	NumActions = int(iota)
)

// Console selects how a job's standard streams are arranged.
type Console int

const (
	ConsoleLogged Console = iota
	ConsoleOutput
	ConsoleOwner
	ConsoleNone
)

// MessageType tags every frame on the control wire (spec.md §6).
type MessageType uint32

const (
	MsgJobStart MessageType = iota
	MsgJobStop
	MsgJobQuery
	MsgJobList
	MsgWatchJobs
	MsgJobReload
	MsgJobRemove
	MsgJobStatus
	MsgJobUnknown
	MsgJobListEnd
	MsgJobEmit
)

// ChildEventKind classifies a wait-status notification delivered by the
// reaper (spec.md §4.4).
type ChildEventKind int

const (
	ChildExited ChildEventKind = iota
	ChildKilled
	ChildDumped
	ChildStopped
	ChildContinued
	ChildTrapped
)

type entry[T comparable] struct {
	value T
	name  string
}

// registry is a tiny ordered bidirectional table. Using a slice rather
// than two maps keeps ToName/FromName allocation-free for the handful of
// entries any of these enums ever has.
type registry[T comparable] []entry[T]

func (r registry[T]) toName(v T) (string, bool) {
	for _, e := range r {
		if e.value == v {
			return e.name, true
		}
	}
	return "", false
}

func (r registry[T]) fromName(name string) (T, bool) {
	for _, e := range r {
		if e.name == name {
			return e.value, true
		}
	}
	var zero T
	return zero, false
}

var goals = registry[Goal]{
	{Stop, "stop"},
	{Start, "start"},
}

var states = registry[State]{
	{Waiting, "waiting"},
	{Starting, "starting"},
	{PreStart, "pre-start"},
	{Spawned, "spawned"},
	{PostStart, "post-start"},
	{Running, "running"},
	{PreStop, "pre-stop"},
	{Stopping, "stopping"},
	{Killed, "killed"},
	{PostStop, "post-stop"},
	{Deleted, "deleted"},
}

var processStates = registry[ProcessState]{
	{ProcessNone, "none"},
	{ProcessSpawned, "spawned"},
	{ProcessActive, "active"},
	{ProcessKilled, "killed"},
}

var actions = registry[Action]{
	{MainAction, "main"},
	{PreStartAction, "pre-start"},
	{PostStartAction, "post-start"},
	{PreStopAction, "pre-stop"},
	{PostStopAction, "post-stop"},
}

var consoles = registry[Console]{
	{ConsoleLogged, "logged"},
	{ConsoleOutput, "output"},
	{ConsoleOwner, "owner"},
	{ConsoleNone, "none"},
}

var messageTypes = registry[MessageType]{
	{MsgJobStart, "job_start"},
	{MsgJobStop, "job_stop"},
	{MsgJobQuery, "job_query"},
	{MsgJobList, "job_list"},
	{MsgWatchJobs, "watch_jobs"},
	{MsgJobReload, "job_reload"},
	{MsgJobRemove, "job_remove"},
	{MsgJobStatus, "job_status"},
	{MsgJobUnknown, "job_unknown"},
	{MsgJobListEnd, "job_list_end"},
	{MsgJobEmit, "job_emit"},
}

// GoalName and GoalFromName convert between Goal and its display name.
func GoalName(g Goal) (string, bool)         { return goals.toName(g) }
func GoalFromName(s string) (Goal, bool)     { return goals.fromName(s) }

// StateName and StateFromName convert between State and its display name.
func StateName(s State) (string, bool)       { return states.toName(s) }
func StateFromName(s string) (State, bool)   { return states.fromName(s) }

// ProcessStateName and ProcessStateFromName convert ProcessState.
func ProcessStateName(p ProcessState) (string, bool)     { return processStates.toName(p) }
func ProcessStateFromName(s string) (ProcessState, bool) { return processStates.fromName(s) }

// ActionName and ActionFromName convert Action.
func ActionName(a Action) (string, bool)     { return actions.toName(a) }
func ActionFromName(s string) (Action, bool) { return actions.fromName(s) }

// ConsoleName and ConsoleFromName convert Console.
func ConsoleName(c Console) (string, bool)     { return consoles.toName(c) }
func ConsoleFromName(s string) (Console, bool) { return consoles.fromName(s) }

// MessageTypeName and MessageTypeFromName convert MessageType.
func MessageTypeName(t MessageType) (string, bool)     { return messageTypes.toName(t) }
func MessageTypeFromName(s string) (MessageType, bool) { return messageTypes.fromName(s) }
