package jobstate_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/vigilinit/vigild/internal/enum"
	"github.com/vigilinit/vigild/internal/jobs"
	"github.com/vigilinit/vigild/internal/jobstate"
)

func Test(t *testing.T) { TestingT(t) }

type MachineSuite struct{}

var _ = Suite(&MachineSuite{})

func idle() jobstate.Snapshot {
	return jobstate.Snapshot{Goal: enum.Stop, State: enum.Waiting, ProcessState: enum.ProcessNone}
}

func kinds(actions []jobstate.Action) []jobstate.ActionKind {
	out := make([]jobstate.ActionKind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind
	}
	return out
}

// TestHappyStart covers spec.md §8's "Happy start": a job with only MAIN
// defined goes WAITING -> SPAWNED -> RUNNING with no intervening scripts.
func (s *MachineSuite) TestHappyStart(c *C) {
	def := &jobs.Definition{Name: "web", Actions: [enum.NumActions]*jobs.Script{enum.MainAction: {Shell: "serve"}}}

	r := jobstate.Step(def, idle(), jobstate.Input{Kind: jobstate.InputSetGoal, Goal: enum.Start}, 0)
	c.Assert(r.State, Equals, enum.Spawned)
	c.Assert(r.Goal, Equals, enum.Start)
	c.Assert(kinds(r.Actions), DeepEquals, []jobstate.ActionKind{jobstate.ActionSpawn, jobstate.ActionEmitStatus})
	c.Assert(r.Actions[0].Script, Equals, enum.MainAction)

	// MAIN forks and, with no SIGSTOP handshake configured, is active as
	// soon as the dispatcher confirms the pid; no POST_START is defined
	// so the job goes straight to RUNNING.
	r = jobstate.Step(def, r.Snapshot, jobstate.Input{Kind: jobstate.InputSpawned, Pid: 123}, 0)
	c.Assert(r.State, Equals, enum.Running)
	c.Assert(r.Pid, Equals, 123)
	c.Assert(r.ProcessState, Equals, enum.ProcessActive)
}

// TestFullLifecycle walks a job with every action defined through a full
// start and stop, confirming STOPPING surfaces as its own observable state
// between PRE_STOP and KILLED (spec.md §8's "Full lifecycle").
func (s *MachineSuite) TestFullLifecycle(c *C) {
	def := &jobs.Definition{
		Name: "full",
		Actions: [enum.NumActions]*jobs.Script{
			enum.MainAction:      {Shell: "serve"},
			enum.PreStartAction:  {Shell: "pre"},
			enum.PostStartAction: {Shell: "post-up"},
			enum.PreStopAction:   {Shell: "pre-down"},
			enum.PostStopAction:  {Shell: "post"},
		},
	}

	snap := idle()

	r := jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputSetGoal, Goal: enum.Start}, 0)
	c.Assert(r.State, Equals, enum.Starting)
	snap = r.Snapshot

	// pre-start's fork is confirmed: STARTING -> PRE_START.
	r = jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputSpawned, Pid: 10}, 0)
	c.Assert(r.State, Equals, enum.PreStart)
	snap = r.Snapshot

	// pre-start exits
	r = jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputChildEvent}, 0)
	c.Assert(r.State, Equals, enum.Spawned)
	snap = r.Snapshot

	// main forks and, with no handshake, is immediately active; post-start
	// is defined so we land there next.
	r = jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputSpawned, Pid: 42}, 0)
	c.Assert(r.State, Equals, enum.PostStart)
	snap = r.Snapshot

	// post-start exits: no handshake was in play, so no SIGCONT, straight
	// to RUNNING.
	r = jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputChildEvent}, 0)
	c.Assert(r.State, Equals, enum.Running)
	snap = r.Snapshot

	// stop: pre-stop first
	r = jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputSetGoal, Goal: enum.Stop}, 0)
	c.Assert(r.State, Equals, enum.PreStop)
	snap = r.Snapshot

	// pre-stop exits: STOPPING is entered and immediately requeues...
	r = jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputChildEvent}, 0)
	c.Assert(r.State, Equals, enum.Stopping)
	c.Assert(len(r.Actions) > 0, Equals, true)
	requeue := r.Actions[len(r.Actions)-1]
	c.Assert(requeue.Kind, Equals, jobstate.ActionRequeue)
	snap = r.Snapshot

	// ... which, processed as the very next Step, sends the kill signal
	// and transitions to KILLED: a second, separately observable state.
	r = jobstate.Step(def, snap, requeue.Requeue, 0)
	c.Assert(r.State, Equals, enum.Killed)
	hasSignal := false
	for _, a := range r.Actions {
		if a.Kind == jobstate.ActionSignal {
			hasSignal = true
			c.Assert(a.Signal, Equals, "TERM")
		}
	}
	c.Assert(hasSignal, Equals, true)
	snap = r.Snapshot

	// main dies under the signal: post-stop runs, then WAITING.
	r = jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputChildEvent}, 0)
	c.Assert(r.State, Equals, enum.PostStop)
	snap = r.Snapshot

	r = jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputChildEvent}, 0)
	c.Assert(r.State, Equals, enum.Waiting)
	c.Assert(r.Goal, Equals, enum.Stop)
}

// TestRespawnLimit covers spec.md §8's "Respawn limit": more than the
// configured number of respawns within the window forces goal STOP and
// emits a JOB_STATUS carrying the respawn-limit description, without
// ever touching POST_STOP scripts that aren't defined.
func (s *MachineSuite) TestRespawnLimit(c *C) {
	def := &jobs.Definition{
		Name:    "flaky",
		Actions: [enum.NumActions]*jobs.Script{enum.MainAction: {Shell: "crash"}},
		Respawn: jobs.RespawnPolicy{Enabled: true, Limit: 2, Window: 1000},
	}

	snap := jobstate.Snapshot{Goal: enum.Start, State: enum.Running, ProcessState: enum.ProcessActive, Pid: 1}
	var r jobstate.Result
	for i := 0; i < 2; i++ {
		r = jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputChildEvent, Event: jobstate.ChildEvent{Kind: enum.ChildExited, Status: 1}}, int64(i))
		c.Assert(r.State, Equals, enum.Spawned)
		snap = r.Snapshot
		snap.ProcessState = enum.ProcessActive
		snap.Pid = i + 2
	}

	// Third crash within the window trips the limit (count=3 > Limit=2).
	r = jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputChildEvent, Event: jobstate.ChildEvent{Kind: enum.ChildExited, Status: 1}}, 2)
	c.Assert(r.Goal, Equals, enum.Stop)
	c.Assert(r.State, Equals, enum.Waiting)
	found := false
	for _, a := range r.Actions {
		if a.Kind == jobstate.ActionEmitStatus && a.Description == jobstate.RespawnLimitDescription {
			found = true
		}
	}
	c.Assert(found, Equals, true)
	// Forced goal STOP means no auto-restart requeue.
	for _, a := range r.Actions {
		c.Assert(a.Kind == jobstate.ActionRequeue, Equals, false)
	}
}

// TestSigstopHandshake covers spec.md §8's handshake scenario: MAIN isn't
// considered ACTIVE until it raises SIGSTOP, and SIGCONT is withheld until
// any POST_START completes.
func (s *MachineSuite) TestSigstopHandshake(c *C) {
	def := &jobs.Definition{
		Name: "handshake",
		Actions: [enum.NumActions]*jobs.Script{
			enum.MainAction:      {Shell: "serve", WaitForStop: true},
			enum.PostStartAction: {Shell: "post-up"},
		},
	}

	snap := jobstate.Snapshot{Goal: enum.Start, State: enum.Spawned, ProcessState: enum.ProcessNone}

	// MAIN's fork is confirmed, but since it's under the handshake it
	// isn't ACTIVE yet.
	r0 := jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputSpawned, Pid: 7}, 0)
	c.Assert(r0.State, Equals, enum.Spawned)
	c.Assert(r0.ProcessState, Equals, enum.ProcessSpawned)
	snap = r0.Snapshot

	// MAIN raises SIGSTOP: now ACTIVE, post-start is defined so it runs
	// next, not RUNNING yet.
	r := jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputChildEvent, Event: jobstate.ChildEvent{Kind: enum.ChildStopped}}, 0)
	c.Assert(r.ProcessState, Equals, enum.ProcessActive)
	c.Assert(r.State, Equals, enum.PostStart)
	snap = r.Snapshot

	// post-start exits: SIGCONT must be sent before RUNNING.
	r = jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputChildEvent}, 0)
	c.Assert(r.State, Equals, enum.Running)
	c.Assert(r.Actions[0].Kind, Equals, jobstate.ActionSignal)
	c.Assert(r.Actions[0].Signal, Equals, "CONT")
}

// TestKillEscalatesOnce covers spec.md §8.5: the kill timer upgrades
// SIGTERM to SIGKILL exactly once, never re-arming.
func (s *MachineSuite) TestKillEscalatesOnce(c *C) {
	def := &jobs.Definition{Name: "stuck", Actions: [enum.NumActions]*jobs.Script{enum.MainAction: {Shell: "loop"}}}
	snap := jobstate.Snapshot{Goal: enum.Stop, State: enum.Killed, ProcessState: enum.ProcessKilled, Pid: 9}

	r := jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputTimer, Timer: jobstate.TimerKill}, 0)
	c.Assert(r.Escalated, Equals, true)
	c.Assert(len(r.Actions), Equals, 1)
	c.Assert(r.Actions[0].Kind, Equals, jobstate.ActionSignal)
	c.Assert(r.Actions[0].Signal, Equals, "KILL")

	// A second timer firing must not resend SIGKILL.
	r2 := jobstate.Step(def, r.Snapshot, jobstate.Input{Kind: jobstate.InputTimer, Timer: jobstate.TimerKill}, 1)
	c.Assert(len(r2.Actions), Equals, 0)
}

// TestStopDuringStart covers the "still honoured" tie-break: a STOP goal
// arriving while PRE_START is in flight doesn't kill it immediately, but
// is picked up once the script completes.
func (s *MachineSuite) TestStopDuringStart(c *C) {
	def := &jobs.Definition{
		Name: "delayed-stop",
		Actions: [enum.NumActions]*jobs.Script{
			enum.MainAction:     {Shell: "serve"},
			enum.PreStartAction: {Shell: "pre"},
		},
	}
	snap := jobstate.Snapshot{Goal: enum.Start, State: enum.PreStart, ProcessState: enum.ProcessActive, Pid: 3}

	r := jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputSetGoal, Goal: enum.Stop}, 0)
	c.Assert(r.State, Equals, enum.PreStart) // unchanged: script still in flight
	c.Assert(r.Goal, Equals, enum.Stop)
	snap = r.Snapshot

	// pre-start exits now; since goal flipped to STOP, we divert straight
	// to POST_STOP (no POST_STOP defined here, so straight to WAITING)
	// instead of spawning MAIN.
	r = jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputChildEvent}, 0)
	c.Assert(r.State, Equals, enum.Waiting)
	for _, a := range r.Actions {
		c.Assert(a.Kind == jobstate.ActionSpawn, Equals, false)
	}
}

// TestRestartDuringStopSequenceActuallyRestarts covers spec.md §4.5's "a
// START arriving mid-stop-sequence is picked up once the instance reaches
// WAITING again": the goal flip alone isn't enough, finishToWaiting's
// self-requeued set_goal(START) has to actually spawn MAIN rather than
// no-op against the goal it just observed.
func (s *MachineSuite) TestRestartDuringStopSequenceActuallyRestarts(c *C) {
	def := &jobs.Definition{Name: "bounce", Actions: [enum.NumActions]*jobs.Script{enum.MainAction: {Shell: "serve"}}}

	snap := jobstate.Snapshot{Goal: enum.Start, State: enum.Running, ProcessState: enum.ProcessActive, Pid: 1}

	r := jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputSetGoal, Goal: enum.Stop}, 0)
	c.Assert(r.State, Equals, enum.Stopping)
	requeue := r.Actions[len(r.Actions)-1]
	snap = r.Snapshot

	r = jobstate.Step(def, snap, requeue.Requeue, 0)
	c.Assert(r.State, Equals, enum.Killed)
	snap = r.Snapshot

	// Client asks to start again while still mid-kill: honoured, but not
	// acted on until the sequence reaches WAITING.
	r = jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputSetGoal, Goal: enum.Start}, 0)
	c.Assert(r.State, Equals, enum.Killed)
	c.Assert(r.Goal, Equals, enum.Start)
	snap = r.Snapshot

	// MAIN finally dies under the signal: no POST_STOP defined, so
	// straight to WAITING with a self-requeued set_goal(START).
	r = jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputChildEvent}, 0)
	c.Assert(r.State, Equals, enum.Waiting)
	c.Assert(r.Goal, Equals, enum.Start)
	requeue = r.Actions[len(r.Actions)-1]
	c.Assert(requeue.Kind, Equals, jobstate.ActionRequeue)
	snap = r.Snapshot

	r = jobstate.Step(def, snap, requeue.Requeue, 0)
	c.Assert(r.State, Equals, enum.Spawned)
	c.Assert(kinds(r.Actions), DeepEquals, []jobstate.ActionKind{jobstate.ActionSpawn, jobstate.ActionEmitStatus})
}

// TestDeletedInstanceDrainsQuietly covers the DELETED sink: any further
// goal or timer input is a no-op, and a trailing child event clears the
// pid so the dispatcher can garbage-collect the instance.
func (s *MachineSuite) TestDeletedInstanceDrainsQuietly(c *C) {
	def := &jobs.Definition{Name: "gone", Actions: [enum.NumActions]*jobs.Script{enum.MainAction: {Shell: "x"}}}
	snap := jobstate.Snapshot{Goal: enum.Stop, State: enum.Deleted, ProcessState: enum.ProcessKilled, Pid: 5}

	r := jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputSetGoal, Goal: enum.Start}, 0)
	c.Assert(r.State, Equals, enum.Deleted)
	c.Assert(r.Goal, Equals, enum.Stop)

	r = jobstate.Step(def, snap, jobstate.Input{Kind: jobstate.InputChildEvent}, 0)
	c.Assert(r.ProcessState, Equals, enum.ProcessNone)
	c.Assert(r.Pid, Equals, 0)
	c.Assert(r.State, Equals, enum.Deleted)
}
