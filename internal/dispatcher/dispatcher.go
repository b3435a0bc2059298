// Package dispatcher implements the single-threaded event loop of
// spec.md §4.6: it owns the job catalog, invokes internal/jobstate.Step
// under that ownership, executes the actions Step returns (spawning via
// os/exec, signaling, arming timers), and feeds the real-world outcome of
// each action back in as the next Input. It is the only thing in the
// daemon that ever mutates a jobs.Instance.
package dispatcher

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/vigilinit/vigild/internal/enum"
	"github.com/vigilinit/vigild/internal/jobs"
	"github.com/vigilinit/vigild/internal/jobstate"
	"github.com/vigilinit/vigild/internal/logger"
	"github.com/vigilinit/vigild/internal/metrics"
	"github.com/vigilinit/vigild/internal/ptyutil"
	"github.com/vigilinit/vigild/internal/reaper"
	"github.com/vigilinit/vigild/internal/servicelog"
	"github.com/vigilinit/vigild/internal/transport"
	"github.com/vigilinit/vigild/internal/wire"
)

// Dispatcher serializes every transition through a single goroutine (the
// tomb-managed loop), matching spec.md §4.6's "single-threaded event
// loop" and §5's concurrency model. Everything exported here is safe to
// call from any goroutine: each call enqueues a closure onto the loop and
// either fires-and-forgets or blocks for the closure's result.
type Dispatcher struct {
	catalog *jobs.Catalog

	ops          chan func()
	reaperEvents <-chan reaper.Event
	tomb         tomb.Tomb

	watchersMu sync.Mutex
	watchers   map[*transport.Conn]struct{}

	snapWatchersMu sync.Mutex
	snapWatchers   map[chan<- jobs.Snapshot]struct{}

	killTimers map[string]*time.Timer

	logsMu sync.Mutex
	logs   map[string]*servicelog.Log

	// metrics is nil unless SetMetrics is called; every observation
	// site is a no-op guard against a nil *metrics.Metrics so the
	// dispatcher works the same with or without the HTTP observability
	// surface wired up (SPEC_FULL.md §6).
	metrics *metrics.Metrics

	// now is injectable so tests can control the respawn-window clock;
	// defaults to wall-clock unix nanoseconds.
	now func() int64
}

// New returns a Dispatcher over catalog, fed reaper events from events.
// Call Start to launch its loop goroutine.
func New(catalog *jobs.Catalog, events <-chan reaper.Event) *Dispatcher {
	return &Dispatcher{
		catalog:      catalog,
		ops:          make(chan func()),
		reaperEvents: events,
		watchers:     make(map[*transport.Conn]struct{}),
		snapWatchers: make(map[chan<- jobs.Snapshot]struct{}),
		killTimers:   make(map[string]*time.Timer),
		logs:         make(map[string]*servicelog.Log),
		now:          func() int64 { return time.Now().UnixNano() },
	}
}

// SetMetrics wires m in so every transition and respawn is observed on
// it (SPEC_FULL.md §6's Prometheus counters). Call before Start.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// Start launches the dispatcher's loop goroutine.
func (d *Dispatcher) Start() {
	d.tomb.Go(d.loop)
}

// Stop signals the loop to exit and waits for it to drain.
func (d *Dispatcher) Stop() error {
	d.tomb.Kill(nil)
	return d.tomb.Wait()
}

func (d *Dispatcher) loop() error {
	for {
		select {
		case op := <-d.ops:
			op()
		case ev, ok := <-d.reaperEvents:
			if !ok {
				d.reaperEvents = nil
				continue
			}
			d.onChildEvent(ev)
		case <-d.tomb.Dying():
			return nil
		}
	}
}

// sync runs fn on the loop goroutine and blocks until it completes.
// Callers must never invoke a Dispatcher method from inside fn (that
// would deadlock against the very channel send sync is waiting on).
func (d *Dispatcher) sync(fn func()) {
	done := make(chan struct{})
	select {
	case d.ops <- func() { fn(); close(done) }:
		<-done
	case <-d.tomb.Dying():
	}
}

// SetGoal drives name's instance toward goal (spec.md §4.5). The job need
// not exist yet as a live instance; it's created lazily in WAITING/STOP.
func (d *Dispatcher) SetGoal(name string, goal enum.Goal) error {
	var notFound bool
	d.sync(func() {
		if _, _, ok := d.catalog.Lookup(name); !ok {
			notFound = true
			return
		}
		d.step(name, jobstate.Input{Kind: jobstate.InputSetGoal, Goal: goal})
	})
	if notFound {
		return &NotFoundError{Name: name}
	}
	return nil
}

// Query returns a point-in-time snapshot of name.
func (d *Dispatcher) Query(name string) (jobs.Snapshot, bool) {
	var snap jobs.Snapshot
	var ok bool
	d.sync(func() {
		for _, s := range d.catalog.Snapshots() {
			if s.Name == name {
				snap, ok = s, true
				return
			}
		}
	})
	return snap, ok
}

// List returns a snapshot of every registered job, sorted by name.
func (d *Dispatcher) List() []jobs.Snapshot {
	var out []jobs.Snapshot
	d.sync(func() { out = d.catalog.Snapshots() })
	return out
}

// Register adds a new job definition to the catalog.
func (d *Dispatcher) Register(def *jobs.Definition) error {
	var err error
	d.sync(func() { err = d.catalog.Add(def) })
	return err
}

// Reload replaces name's definition in place (JOB_RELOAD, SPEC_FULL.md
// §6), leaving any live instance's goal/state/pid untouched.
func (d *Dispatcher) Reload(def *jobs.Definition) error {
	var err error
	d.sync(func() { err = d.catalog.Replace(def) })
	return err
}

// Remove drives name's instance to DELETED (JOB_REMOVE, SPEC_FULL.md
// §6; spec.md §3's "Lifecycle"). If no pid is currently tracked the
// definition is detached from the catalog immediately; otherwise it's
// left registered — invisible to new start/stop requests via SetGoal's
// catalog lookup failing once detached, but still reachable by
// nameForPid — until its last tracked pid is reaped and onChildEvent
// finishes the detach.
func (d *Dispatcher) Remove(name string) (jobs.Snapshot, error) {
	var snap jobs.Snapshot
	var found bool
	d.sync(func() {
		if _, _, ok := d.catalog.Lookup(name); !ok {
			return
		}
		found = true
		d.step(name, jobstate.Input{Kind: jobstate.InputRemove})
		for _, s := range d.catalog.Snapshots() {
			if s.Name == name {
				snap = s
				break
			}
		}
		d.detachIfDrained(name)
	})
	if !found {
		return jobs.Snapshot{}, &NotFoundError{Name: name}
	}
	return snap, nil
}

// detachIfDrained removes name from the catalog once its instance has
// reached DELETED with no pid still being reaped (spec.md §3: "destroyed
// when no pid is still being reaped"). Must only be called from the loop
// goroutine.
func (d *Dispatcher) detachIfDrained(name string) {
	_, inst, ok := d.catalog.Lookup(name)
	if !ok || inst == nil || inst.State != enum.Deleted || inst.ProcessState != enum.ProcessNone {
		return
	}
	d.catalog.Remove(name)
}

// Watch registers conn to receive every JOB_STATUS broadcast from this
// point on (WATCH_JOBS, spec.md §4.6).
func (d *Dispatcher) Watch(conn *transport.Conn) {
	conn.StartSending()
	d.watchersMu.Lock()
	d.watchers[conn] = struct{}{}
	d.watchersMu.Unlock()
}

// Unwatch drops conn from the broadcast set.
func (d *Dispatcher) Unwatch(conn *transport.Conn) {
	d.watchersMu.Lock()
	delete(d.watchers, conn)
	d.watchersMu.Unlock()
}

// WatchSnapshots registers ch to receive a jobs.Snapshot on every status
// broadcast from this point on, mirroring Watch but for consumers that
// want the decoded value rather than a wire-encoded frame (the HTTP
// observability surface's /v1/watch, SPEC_FULL.md §6). It is the same
// broadcast fan-out Watch feeds, not a separate path into the state
// machine. The returned func unregisters ch.
func (d *Dispatcher) WatchSnapshots(ch chan<- jobs.Snapshot) func() {
	d.snapWatchersMu.Lock()
	d.snapWatchers[ch] = struct{}{}
	d.snapWatchersMu.Unlock()
	return func() {
		d.snapWatchersMu.Lock()
		delete(d.snapWatchers, ch)
		d.snapWatchersMu.Unlock()
	}
}

// Emit pushes a named event into the dispatcher (spec.md §4.6's "external
// bridges ... translate external systems into emit(event_name, env[])").
// Every job whose StartOn/StopOn matches (name, env) has the
// corresponding goal issued against it.
func (d *Dispatcher) Emit(name string, env []string) {
	d.sync(func() { d.emitLocked(name, env) })
}

func (d *Dispatcher) emitLocked(name string, env []string) {
	for _, jobName := range d.catalog.Names() {
		def, _, ok := d.catalog.Lookup(jobName)
		if !ok {
			continue
		}
		for _, m := range def.StartOn {
			if m.Matches(name, env) {
				d.step(jobName, jobstate.Input{Kind: jobstate.InputSetGoal, Goal: enum.Start})
				break
			}
		}
		for _, m := range def.StopOn {
			if m.Matches(name, env) {
				d.step(jobName, jobstate.Input{Kind: jobstate.InputSetGoal, Goal: enum.Stop})
				break
			}
		}
	}
}

// Tail returns the buffered console output for name, or nil if the job
// has never produced any (or isn't configured for console: logged or
// console: owner).
func (d *Dispatcher) Tail(name string, n int) []byte {
	d.logsMu.Lock()
	l := d.logs[name]
	d.logsMu.Unlock()
	if l == nil {
		return nil
	}
	return l.Tail(n)
}

func (d *Dispatcher) onChildEvent(ev reaper.Event) {
	name, ok := d.nameForPid(ev.Pid)
	if !ok {
		// Not one of ours (could be a grandchild reparented to us, or a
		// race between reaping and bookkeeping); spec.md §4.4 says
		// these are simply discarded.
		return
	}
	d.step(name, jobstate.Input{Kind: jobstate.InputChildEvent, Event: ev.Event})
	d.detachIfDrained(name)
}

func (d *Dispatcher) nameForPid(pid int) (string, bool) {
	for _, name := range d.catalog.Names() {
		_, inst, ok := d.catalog.Lookup(name)
		if ok && inst != nil && inst.Pid == pid {
			return name, true
		}
	}
	return "", false
}

// step looks up (or lazily creates) name's instance, runs it through
// jobstate.Step and executes the resulting actions. Must only be called
// from the loop goroutine.
func (d *Dispatcher) step(name string, in jobstate.Input) {
	def, inst, ok := d.catalog.Lookup(name)
	if !ok {
		return
	}
	if inst == nil {
		inst, ok = d.catalog.Ensure(name)
		if !ok {
			return
		}
	}

	before := inst.State
	beforeRespawns := inst.RespawnCount
	now := d.now()
	snap := jobstate.Snapshot{
		Goal:               inst.Goal,
		State:              inst.State,
		ProcessState:       inst.ProcessState,
		Pid:                inst.Pid,
		RespawnCount:       inst.RespawnCount,
		RespawnWindowStart: inst.RespawnWindowStart,
		Escalated:          inst.Escalated,
	}

	result := jobstate.Step(def, snap, in, now)

	inst.Goal = result.Goal
	inst.State = result.State
	inst.ProcessState = result.ProcessState
	inst.Pid = result.Pid
	inst.RespawnCount = result.RespawnCount
	inst.RespawnWindowStart = result.RespawnWindowStart
	inst.Escalated = result.Escalated

	if d.metrics != nil && before != result.State {
		d.metrics.ObserveTransition(name, result.State)
	}
	if d.metrics != nil && result.RespawnCount > beforeRespawns {
		d.metrics.ObserveRespawn(name)
	}

	d.execute(name, def, inst, result.Actions)

	if before != enum.Running && result.State == enum.Running {
		for _, evName := range def.Emits {
			d.emitLocked(evName, []string{"JOB=" + name})
		}
	}
}

func (d *Dispatcher) execute(name string, def *jobs.Definition, inst *jobs.Instance, actions []jobstate.Action) {
	for _, a := range actions {
		switch a.Kind {
		case jobstate.ActionSpawn:
			d.spawn(name, def, inst, a.Script)
		case jobstate.ActionSignal:
			d.signal(inst, a.Signal)
		case jobstate.ActionArmKillTimer:
			d.armKillTimer(name, a.Delay)
		case jobstate.ActionClearKillTimer:
			d.clearKillTimer(name)
		case jobstate.ActionArmRespawnWindow:
			// Window bookkeeping already folded into inst above; no
			// separate timer needed, the window is evaluated lazily
			// against "now" the next time MAIN exits.
		case jobstate.ActionEmitStatus:
			d.broadcastStatus(name, inst, a.Description)
		case jobstate.ActionRequeue:
			d.step(name, a.Requeue)
		case jobstate.ActionEmit:
			d.emitLocked(a.EmitName, a.EmitEnv)
		}
	}
}

// spawn runs def's script a and reports the outcome back into the state
// machine: InputSpawned on a confirmed fork, or an InputChildEvent
// carrying SpawnFailed on any failure to launch (spec.md §4.5's "treated
// like the child having exited 127").
func (d *Dispatcher) spawn(name string, def *jobs.Definition, inst *jobs.Instance, which enum.Action) {
	script := def.Action(which)
	argv, err := script.Command()
	if err != nil || len(argv) == 0 {
		logger.Noticef("job %s: %s has no usable command: %v", name, actionName(which), err)
		d.step(name, spawnFailedInput())
		return
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(append([]string{}, os.Environ()...), def.Environment...)
	closeFDs, err := d.attachConsole(cmd, name, def)
	if err != nil {
		logger.Noticef("job %s: console setup failed: %v", name, err)
		d.step(name, spawnFailedInput())
		return
	}

	if err := cmd.Start(); err != nil {
		logger.Noticef("job %s: failed to start %s: %v", name, argv[0], err)
		for _, f := range closeFDs {
			f.Close()
		}
		d.step(name, spawnFailedInput())
		return
	}
	for _, f := range closeFDs {
		f.Close()
	}

	d.step(name, jobstate.Input{Kind: jobstate.InputSpawned, Pid: cmd.Process.Pid})
}

func spawnFailedInput() jobstate.Input {
	return jobstate.Input{
		Kind:  jobstate.InputChildEvent,
		Event: jobstate.ChildEvent{Kind: enum.ChildExited, Status: 127, SpawnFailed: true},
	}
}

func actionName(a enum.Action) string {
	if n, ok := enum.ActionName(a); ok {
		return n
	}
	return "action"
}

// attachConsole wires cmd's stdout/stderr per def.Console (spec.md §3).
// For ConsoleLogged it hands the child the write end of a pipe it owns
// and spools the read end into this job's servicelog.Log in a background
// goroutine that exits on its own once the child's write end closes —
// the reaper, not cmd.Wait, is what reaps the process, so nothing here
// ever calls cmd.Wait. The returned files are the parent-side write ends
// the caller must close once the child has Start()ed.
func (d *Dispatcher) attachConsole(cmd *exec.Cmd, name string, def *jobs.Definition) ([]*os.File, error) {
	switch def.Console {
	case enum.ConsoleLogged:
		l := d.logFor(name)
		r, w, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		cmd.Stdout = w
		cmd.Stderr = w
		go func() {
			buf := make([]byte, 4096)
			for {
				n, err := r.Read(buf)
				if n > 0 {
					l.Write(buf[:n])
				}
				if err != nil {
					r.Close()
					return
				}
			}
		}()
		return []*os.File{w}, nil

	case enum.ConsoleOutput:
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return nil, nil

	case enum.ConsoleOwner:
		return d.attachOwnerConsole(cmd, name)

	default: // enum.ConsoleNone
		return nil, nil
	}
}

// attachOwnerConsole gives the job a real controlling terminal instead of a
// pipe or the daemon's own stdout (spec.md §3's "console owner" policy,
// upstart's equivalent of handing a job the console its owner is attached
// to). The job gets the tty side as a fresh session leader's controlling
// terminal; the ptmx side stays with vigild and is spooled into the job's
// servicelog the same way ConsoleLogged spools its pipe, so an "owner"
// job's output is still available through Tail even though its primary
// console is a live tty.
func (d *Dispatcher) attachOwnerConsole(cmd *exec.Cmd, name string) ([]*os.File, error) {
	ptmx, tty, err := ptyutil.OpenPty()
	if err != nil {
		return nil, fmt.Errorf("open console: %w", err)
	}
	if err := ptyutil.MakeRaw(int(tty.Fd())); err != nil {
		ptmx.Close()
		tty.Close()
		return nil, fmt.Errorf("configure console: %w", err)
	}

	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 0}

	l := d.logFor(name)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				l.Write(buf[:n])
			}
			if err != nil {
				ptmx.Close()
				return
			}
		}
	}()

	return []*os.File{tty}, nil
}

func (d *Dispatcher) logFor(name string) *servicelog.Log {
	d.logsMu.Lock()
	defer d.logsMu.Unlock()
	l, ok := d.logs[name]
	if !ok {
		l = servicelog.New(0)
		d.logs[name] = l
	}
	return l
}

func (d *Dispatcher) signal(inst *jobs.Instance, name string) {
	if inst.Pid <= 0 {
		return
	}
	sig := signalFor(name)
	if sig == 0 {
		return
	}
	proc, err := os.FindProcess(inst.Pid)
	if err != nil {
		return
	}
	if err := proc.Signal(sig); err != nil {
		logger.Debugf("signal %s to pid %d: %v", name, inst.Pid, err)
	}
}

func signalFor(name string) syscall.Signal {
	switch name {
	case "TERM":
		return syscall.SIGTERM
	case "KILL":
		return syscall.SIGKILL
	case "CONT":
		return syscall.SIGCONT
	case "STOP":
		return syscall.SIGSTOP
	case "HUP":
		return syscall.SIGHUP
	case "INT":
		return syscall.SIGINT
	case "QUIT":
		return syscall.SIGQUIT
	case "USR1":
		return syscall.SIGUSR1
	case "USR2":
		return syscall.SIGUSR2
	default:
		return 0
	}
}

func (d *Dispatcher) armKillTimer(name string, delay time.Duration) {
	d.clearKillTimer(name)
	d.killTimers[name] = time.AfterFunc(delay, func() {
		select {
		case d.ops <- func() { d.step(name, jobstate.Input{Kind: jobstate.InputTimer, Timer: jobstate.TimerKill}) }:
		case <-d.tomb.Dying():
		}
	})
}

func (d *Dispatcher) clearKillTimer(name string) {
	if t, ok := d.killTimers[name]; ok {
		t.Stop()
		delete(d.killTimers, name)
	}
}

// broadcastStatus fans out a JOB_STATUS for inst. descOverride, when
// non-empty, replaces the job's own configured description for this one
// broadcast — the respawn rate limiter's signal (spec.md §7/§8) rides
// this override rather than a message type of its own, since no client
// decodes anything but JOB_STATUS (client.Watch skips every other type).
func (d *Dispatcher) broadcastStatus(name string, inst *jobs.Instance, descOverride string) {
	desc := inst.Def.Description
	if descOverride != "" {
		desc = descOverride
	}
	body, err := wire.EncodeMessage(enum.MsgJobStatus, name,
		uint32(inst.Goal), uint32(inst.State), uint32(inst.ProcessState), int32(inst.Pid), desc)
	if err != nil {
		logger.Noticef("encoding status for %s: %v", name, err)
		return
	}
	d.broadcast(body)
	d.broadcastSnapshot(jobs.Snapshot{
		Name:         name,
		Description:  desc,
		Goal:         inst.Goal,
		State:        inst.State,
		ProcessState: inst.ProcessState,
		Pid:          inst.Pid,
	})
	if d.metrics != nil {
		d.metrics.SetStateCounts(d.stateCountsLocked())
	}
}

// stateCountsLocked tallies the catalog's jobs by state for the
// jobs-in-state gauge (SPEC_FULL.md §6). Must only be called from the
// loop goroutine, same as step.
func (d *Dispatcher) stateCountsLocked() map[enum.State]int {
	counts := make(map[enum.State]int, enum.NumStates)
	for _, snap := range d.catalog.Snapshots() {
		counts[snap.State]++
	}
	return counts
}

// broadcastSnapshot fans a decoded snapshot out to every WatchSnapshots
// subscriber, dropping it for any subscriber whose channel is full rather
// than blocking the loop goroutine on a slow HTTP client.
func (d *Dispatcher) broadcastSnapshot(snap jobs.Snapshot) {
	d.snapWatchersMu.Lock()
	defer d.snapWatchersMu.Unlock()
	for ch := range d.snapWatchers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (d *Dispatcher) broadcast(body []byte) {
	d.watchersMu.Lock()
	defer d.watchersMu.Unlock()
	for conn := range d.watchers {
		conn.Broadcast(body)
	}
}

// NotFoundError is returned when a control request names a job the
// catalog doesn't know about.
type NotFoundError struct{ Name string }

func (e *NotFoundError) Error() string { return "dispatcher: job " + e.Name + " not registered" }
