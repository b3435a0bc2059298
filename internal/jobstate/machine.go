// Package jobstate implements the job state machine of spec.md §4.5: a
// pure function (current, input) -> (next, actions) invoked by the
// dispatcher under the job's lock. Step never performs I/O, never
// blocks, and never fails — every fallible operation (spawning, signaling,
// waiting) lives in the dispatcher, which executes the returned Actions
// and feeds their real-world outcome back in as the next Input.
package jobstate

import (
	"github.com/vigilinit/vigild/internal/enum"
	"github.com/vigilinit/vigild/internal/jobs"
)

// Snapshot is the subset of a job instance's fields Step needs to decide
// a transition. It's a value, not a pointer into live state, so Step
// cannot accidentally alias or mutate the dispatcher's copy.
type Snapshot struct {
	Goal         enum.Goal
	State        enum.State
	ProcessState enum.ProcessState
	Pid          int

	RespawnCount       int
	RespawnWindowStart int64 // unix nanos; only meaningful while RespawnCount > 0

	// Escalated records whether the kill timer has already upgraded
	// SIGTERM to SIGKILL for the currently tracked child, so Step can
	// enforce "SIGKILL is issued exactly once" (spec.md §8.5) without
	// the dispatcher needing to disarm anything.
	Escalated bool
}

// Result is Snapshot's next value, plus the actions the dispatcher must
// execute, in order, to realize it.
type Result struct {
	Snapshot
	Actions []Action
}

func unchanged(s Snapshot) Result { return Result{Snapshot: s} }

// Step computes the next state and side effects for in, given the job's
// definition and current snapshot. now is a monotonic-ish wall clock
// (unix nanoseconds) used only for the respawn rate window.
func Step(def *jobs.Definition, snap Snapshot, in Input, now int64) Result {
	if snap.State == enum.Deleted {
		return stepDeleted(snap, in)
	}

	switch in.Kind {
	case InputSetGoal:
		return stepSetGoal(def, snap, in.Goal)
	case InputChildEvent:
		return stepChildEvent(def, snap, in.Event, now)
	case InputSpawned:
		return stepSpawned(def, snap, in.Pid)
	case InputTimer, inputRequeue:
		return stepTimer(def, snap, in.Timer, now)
	case InputRemove:
		return stepRemove(snap)
	default:
		return unchanged(snap)
	}
}

// RespawnLimitDescription overrides a job's configured description on
// the JOB_STATUS broadcast that reports its respawn rate limit tripping
// (spec.md §4.5's "a JOB_RESPAWN_LIMIT status is emitted", §8's concrete
// "Respawn limit" scenario: "JOB_STATUS(..., STOP, WAITING, NONE, 0, …)
// is emitted with respawn-limit description").
const RespawnLimitDescription = "respawn rate limit exceeded, job stopped"

// stepRemove marks the instance DELETED (spec.md §3's "Lifecycle"). It
// never touches ProcessState/Pid: a still-tracked child keeps being
// tracked under the same pid until the reaper reports it gone, which
// stepDeleted then folds into ProcessNone — only at that point is the
// instance actually safe to detach from the catalog (the dispatcher's
// job, not Step's).
func stepRemove(snap Snapshot) Result {
	if snap.State == enum.Deleted {
		return unchanged(snap)
	}
	snap.State = enum.Deleted
	return Result{Snapshot: snap, Actions: withStatus()}
}

// stepSpawned records that a requested fork/exec returned pid. For
// STARTING it's what advances the machine to PRE_START (spec.md §4.5's
// table: STARTING "waits for pre_start to be spawned"). For SPAWNED it's
// MAIN's own fork confirmation, which either starts the SIGSTOP handshake
// wait or, lacking one, counts as MAIN immediately becoming ACTIVE. Every
// other state just records the pid: those scripts don't have a distinct
// unconfirmed/confirmed split in the state table.
func stepSpawned(def *jobs.Definition, snap Snapshot, pid int) Result {
	switch snap.State {
	case enum.Starting:
		snap.State = enum.PreStart
		snap.ProcessState = enum.ProcessActive
		snap.Pid = pid
		return Result{Snapshot: snap, Actions: withStatus()}

	case enum.Spawned:
		snap.Pid = pid
		main := def.Action(enum.MainAction)
		if main != nil && main.WaitForStop {
			snap.ProcessState = enum.ProcessSpawned
			return Result{Snapshot: snap, Actions: withStatus()}
		}
		snap.ProcessState = enum.ProcessActive
		return afterMainActive(def, snap)

	default:
		snap.Pid = pid
		snap.ProcessState = enum.ProcessActive
		return unchanged(snap)
	}
}

func stepDeleted(snap Snapshot, in Input) Result {
	if in.Kind == InputChildEvent {
		snap.ProcessState = enum.ProcessNone
		snap.Pid = 0
		return unchanged(snap)
	}
	return unchanged(snap)
}

// withStatus appends ActionEmitStatus to the given actions; used at every
// point the instance's externally visible fields actually change.
func withStatus(actions ...Action) []Action {
	return append(actions, Action{Kind: ActionEmitStatus})
}

// withStatusDesc is withStatus with a description override, used by the
// respawn-limit path to make its JOB_STATUS self-describing instead of a
// message type of its own.
func withStatusDesc(desc string, actions ...Action) []Action {
	return append(actions, Action{Kind: ActionEmitStatus, Description: desc})
}

func stepSetGoal(def *jobs.Definition, snap Snapshot, goal enum.Goal) Result {
	// "set_goal(START) when already heading to START is a no-op."
	// Symmetric for STOP. This also covers "set_goal(STOP) while in
	// POST_STOP is a no-op (already stopping)" whenever the instance's
	// goal already matches. The one exception is WAITING+START: that's
	// exactly the transient finishToWaiting leaves behind when it
	// re-issues set_goal(START) on its own, and it must actually start
	// the job rather than no-op against the goal it just set.
	if goal == snap.Goal && !(snap.State == enum.Waiting && goal == enum.Start) {
		return unchanged(snap)
	}

	switch snap.State {
	case enum.Waiting:
		snap.Goal = goal
		if goal == enum.Stop {
			// Nothing running; the goal flip is the whole story.
			return Result{Snapshot: snap, Actions: withStatus()}
		}
		return startFromWaiting(def, snap)

	case enum.Starting, enum.PreStart, enum.Spawned, enum.PostStart:
		// "still honoured: the in-flight script is allowed to
		// complete, then the machine diverts into POST_STOP" — or,
		// for a START arriving mid-stop-sequence, the goal flip is
		// picked up once the job reaches WAITING again.
		snap.Goal = goal
		return Result{Snapshot: snap, Actions: withStatus()}

	case enum.Running:
		snap.Goal = goal
		if goal == enum.Start {
			return Result{Snapshot: snap, Actions: withStatus()}
		}
		return beginStop(def, snap)

	case enum.PreStop, enum.Stopping, enum.Killed, enum.PostStop:
		snap.Goal = goal
		return Result{Snapshot: snap, Actions: withStatus()}

	default:
		snap.Goal = goal
		return Result{Snapshot: snap, Actions: withStatus()}
	}
}

// startFromWaiting issues the first spawn of a start sequence: PRE_START
// if defined, otherwise straight to MAIN.
func startFromWaiting(def *jobs.Definition, snap Snapshot) Result {
	snap.Goal = enum.Start
	if def.Action(enum.PreStartAction) != nil {
		snap.State = enum.Starting
		snap.ProcessState = enum.ProcessNone
		snap.Pid = 0
		return Result{Snapshot: snap, Actions: withStatus(Action{Kind: ActionSpawn, Script: enum.PreStartAction})}
	}
	snap.State = enum.Spawned
	snap.ProcessState = enum.ProcessNone
	snap.Pid = 0
	return Result{Snapshot: snap, Actions: withStatus(Action{Kind: ActionSpawn, Script: enum.MainAction})}
}

// beginStop starts the stop sequence from RUNNING: PRE_STOP if defined,
// otherwise the STOPPING->KILLED pass-through.
func beginStop(def *jobs.Definition, snap Snapshot) Result {
	if def.Action(enum.PreStopAction) != nil {
		snap.State = enum.PreStop
		return Result{Snapshot: snap, Actions: withStatus(Action{Kind: ActionSpawn, Script: enum.PreStopAction})}
	}
	return enterStopping(snap)
}

// enterStopping makes STOPPING separately observable (spec.md §8's "Full
// lifecycle" scenario lists it between PRE_STOP and KILLED) by requeuing
// an immediate, non-blocking timerGrace input that actually sends the
// signal and arms the kill timer.
func enterStopping(snap Snapshot) Result {
	snap.State = enum.Stopping
	// ActionEmitStatus must run before ActionRequeue: the dispatcher
	// executes actions in order, and the requeue immediately recurses
	// into the KILLED transition, so STOPPING's own status has to be
	// broadcast first or it's never observed.
	return Result{Snapshot: snap, Actions: []Action{
		{Kind: ActionEmitStatus},
		{Kind: ActionRequeue, Requeue: Input{Kind: inputRequeue, Timer: timerGrace}},
	}}
}

func stepChildEvent(def *jobs.Definition, snap Snapshot, ev ChildEvent, now int64) Result {
	switch snap.State {
	case enum.Waiting, enum.Deleted:
		// No tracked child; a straggling event for a pid that no
		// longer belongs to anything is discarded silently.
		return unchanged(snap)

	case enum.Starting:
		// The only ChildEvent reachable here is a synthesized fork
		// failure (a real exit can't arrive before InputSpawned
		// confirms the pid). "Spawn failure of PRE_START diverts
		// directly to POST_STOP (no MAIN)."
		return enterPostStop(def, snap, nil, false, "")

	case enum.PreStart:
		// PRE_START exited (any status; only a fork failure, which
		// can't happen once PRE_START is already running, is
		// special-cased above in Starting).
		if snap.Goal == enum.Stop {
			return enterPostStop(def, snap, nil, false, "")
		}
		snap.State = enum.Spawned
		snap.ProcessState = enum.ProcessNone
		snap.Pid = 0
		return Result{Snapshot: snap, Actions: withStatus(Action{Kind: ActionSpawn, Script: enum.MainAction})}

	case enum.Spawned:
		return stepChildEventSpawned(def, snap, ev, now)

	case enum.PostStart:
		// PostStart exit (or its own spawn failure, "logged and the
		// machine advances as if the script had exited 0").
		return afterPostStart(def, snap)

	case enum.Running:
		return handleMainExit(def, snap, now)

	case enum.PreStop:
		// PRE_STOP exit (or spawn failure, advance-as-0).
		return enterStopping(snap)

	case enum.Stopping:
		// MAIN died in the narrow window before the signal was even
		// sent; honor the child event first per spec.md §4.5's
		// tie-break and skip straight to POST_STOP.
		snap.ProcessState = enum.ProcessNone
		snap.Pid = 0
		return enterPostStop(def, snap, nil, false, "")

	case enum.Killed:
		snap.ProcessState = enum.ProcessNone
		snap.Pid = 0
		return enterPostStop(def, snap, []Action{{Kind: ActionClearKillTimer}}, false, "")

	case enum.PostStop:
		snap.ProcessState = enum.ProcessNone
		snap.Pid = 0
		return finishToWaiting(def, snap, nil, false, "")

	default:
		return unchanged(snap)
	}
}

func stepChildEventSpawned(def *jobs.Definition, snap Snapshot, ev ChildEvent, now int64) Result {
	main := def.Action(enum.MainAction)
	waitForStop := main != nil && main.WaitForStop

	if waitForStop && snap.ProcessState != enum.ProcessActive {
		// Waiting on the SIGSTOP handshake.
		if ev.Kind == enum.ChildStopped {
			snap.ProcessState = enum.ProcessActive
			return afterMainActive(def, snap)
		}
		// MAIN died (or failed to spawn) before ever raising
		// SIGSTOP: a genuine MAIN failure.
		return handleMainExit(def, snap, now)
	}

	// No handshake in play, or it already completed: any exit here is
	// MAIN dying (including a fork failure, equally "instant
	// respawn-eligible").
	return handleMainExit(def, snap, now)
}

// afterMainActive is reached once MAIN is confirmed ACTIVE, either
// immediately after fork (no handshake) or after the SIGSTOP handshake
// resolves. It spawns POST_START if configured, else proceeds straight
// to RUNNING (or diverts to the stop sequence if the goal flipped to STOP
// while MAIN was starting).
func afterMainActive(def *jobs.Definition, snap Snapshot) Result {
	if def.Action(enum.PostStartAction) != nil {
		snap.State = enum.PostStart
		return Result{Snapshot: snap, Actions: withStatus(Action{Kind: ActionSpawn, Script: enum.PostStartAction})}
	}
	return reachedRunning(def, snap)
}

// afterPostStart is reached when the POST_START script exits. If MAIN was
// started under the SIGSTOP handshake, this is also the moment to send
// SIGCONT (spec.md §4.5's "only after POST_START exits, send SIGCONT").
func afterPostStart(def *jobs.Definition, snap Snapshot) Result {
	main := def.Action(enum.MainAction)
	var pre []Action
	if main != nil && main.WaitForStop {
		pre = append(pre, Action{Kind: ActionSignal, Signal: "CONT"})
	}
	return reachedRunningWith(def, snap, pre)
}

// reachedRunning transitions to RUNNING, unless the goal has already
// flipped to STOP while MAIN was starting up, in which case the stop
// sequence begins immediately instead (spec.md §4.5's "still honoured"
// rule for goal changes during the start sequence).
func reachedRunning(def *jobs.Definition, snap Snapshot) Result {
	return reachedRunningWith(def, snap, nil)
}

func reachedRunningWith(def *jobs.Definition, snap Snapshot, pre []Action) Result {
	if snap.Goal == enum.Stop {
		r := beginStop(def, snap)
		r.Actions = append(append([]Action{}, pre...), r.Actions...)
		return r
	}
	snap.State = enum.Running
	return Result{Snapshot: snap, Actions: withStatus(pre...)}
}

// handleMainExit implements spec.md §4.5's MAIN-exit rules: respawn when
// the goal is START, respawn is enabled and the rate limit hasn't
// tripped; otherwise proceed to POST_STOP. It's the single funnel for
// every way MAIN can stop being tracked: a normal RUNNING exit, a crash
// before ever reaching RUNNING, and a MAIN fork failure.
func handleMainExit(def *jobs.Definition, snap Snapshot, now int64) Result {
	snap.ProcessState = enum.ProcessNone
	snap.Pid = 0

	if snap.Goal == enum.Start && def.Respawn.Enabled {
		windowStart := snap.RespawnWindowStart
		count := snap.RespawnCount
		if count == 0 || now-windowStart > int64(def.Respawn.Window) {
			windowStart = now
			count = 0
		}
		count++
		snap.RespawnCount = count
		snap.RespawnWindowStart = windowStart

		if count > def.Respawn.Limit {
			snap.Goal = enum.Stop
			return enterPostStop(def, snap, nil, false, RespawnLimitDescription)
		}

		snap.State = enum.Spawned
		return Result{Snapshot: snap, Actions: withStatus(Action{Kind: ActionSpawn, Script: enum.MainAction})}
	}

	// Goal is STOP, or respawn is disabled outright: rest at WAITING
	// once POST_STOP (if any) completes, without looping, even though
	// the goal may still nominally be START (spec.md §3 invariant 6).
	suppressRestart := snap.Goal == enum.Start && !def.Respawn.Enabled
	return enterPostStop(def, snap, nil, suppressRestart, "")
}

// enterPostStop spawns POST_STOP if the job defines one, otherwise
// finishes straight to WAITING. statusDesc, when set, overrides the
// description on every JOB_STATUS this call emits (the respawn-limit
// path threads its description through here so it rides whichever
// status — POST_STOP's or the final WAITING's — is actually observed).
func enterPostStop(def *jobs.Definition, snap Snapshot, pre []Action, suppressRestart bool, statusDesc string) Result {
	if def.Action(enum.PostStopAction) != nil {
		snap.State = enum.PostStop
		actions := append(append([]Action{}, pre...), Action{Kind: ActionSpawn, Script: enum.PostStopAction})
		return Result{Snapshot: snap, Actions: withStatusDesc(statusDesc, actions...)}
	}
	return finishToWaiting(def, snap, pre, suppressRestart, statusDesc)
}

// finishToWaiting lands the instance in WAITING and, unless suppressed,
// immediately re-issues set_goal(START) if the goal is still START
// (spec.md §4.5's "On POST_STOP exit: enter WAITING, and if goal is still
// START and respawn applies, immediately re-issue set_goal(START)" — the
// same rule also resolves an explicit START that arrived while the
// instance was mid-stop-sequence).
func finishToWaiting(def *jobs.Definition, snap Snapshot, pre []Action, suppressRestart bool, statusDesc string) Result {
	snap.State = enum.Waiting
	snap.ProcessState = enum.ProcessNone
	snap.Pid = 0
	snap.Escalated = false

	actions := withStatusDesc(statusDesc, pre...)
	if snap.Goal == enum.Start && !suppressRestart {
		actions = append(actions, Action{
			Kind:    ActionRequeue,
			Requeue: Input{Kind: InputSetGoal, Goal: enum.Start},
		})
	}
	return Result{Snapshot: snap, Actions: actions}
}

func stepTimer(def *jobs.Definition, snap Snapshot, timer TimerKind, now int64) Result {
	switch snap.State {
	case enum.Stopping:
		if timer != timerGrace {
			return unchanged(snap)
		}
		snap.State = enum.Killed
		snap.ProcessState = enum.ProcessKilled
		snap.Escalated = false
		return Result{Snapshot: snap, Actions: withStatus(
			Action{Kind: ActionSignal, Signal: def.EffectiveKillSignal()},
			Action{Kind: ActionArmKillTimer, Delay: def.EffectiveKillTimeout()},
		)}

	case enum.Killed:
		if timer != TimerKill || snap.Escalated {
			return unchanged(snap)
		}
		snap.Escalated = true
		return Result{Snapshot: snap, Actions: []Action{{Kind: ActionSignal, Signal: "KILL"}}}

	default:
		return unchanged(snap)
	}
}
