// Package reaper owns SIGCHLD for the whole process: it marks the daemon
// a Linux "child subreaper" (spec.md §4.4), and turns every wait status it
// collects into a typed Event the dispatcher feeds into the job state
// machine as an InputChildEvent. Nothing else in the process may call
// wait()/wait4() on an unknown pid once the reaper has started, or the two
// will race to reap the same child.
package reaper

import (
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/vigilinit/vigild/internal/enum"
	"github.com/vigilinit/vigild/internal/jobstate"
	"github.com/vigilinit/vigild/internal/logger"
)

// Event pairs the pid a wait status was collected for with the decoded
// child event (spec.md §4.4's "(pid, ChildEvent) tuples").
type Event struct {
	Pid   int
	Event jobstate.ChildEvent
}

var (
	stop    chan struct{}
	stopped chan struct{}
)

// Start marks the process a child subreaper and begins waiting for
// SIGCHLD. Decoded events are sent to events, which the caller must keep
// drained; Start never blocks sending to it from the caller's goroutine,
// but the reaper's own goroutine will block if events fills up, so it
// should be generously buffered.
func Start(events chan<- Event) error {
	if stop != nil {
		return nil // already started
	}

	isSubreaper, err := setChildSubreaper()
	if err != nil {
		return fmt.Errorf("reaper: cannot set child subreaper: %w", err)
	}
	if !isSubreaper {
		return fmt.Errorf("reaper: child subreaping unavailable on this platform")
	}

	stop = make(chan struct{})
	stopped = make(chan struct{})
	go func() {
		reapChildren(stop, events)
		close(stopped)
	}()
	return nil
}

// Stop stops waiting for SIGCHLD.
func Stop() error {
	if stop == nil {
		return nil // already stopped
	}
	close(stop)
	<-stopped
	stop = nil
	return nil
}

// setChildSubreaper sets the current process as a "child subreaper" so it
// becomes the parent of orphaned descendants instead of PID 1, and can
// reap jobs whose own children outlive them
// (https://unix.stackexchange.com/a/250156/73491). Returns false,nil on
// kernels that predate the feature (pre-3.4).
func setChildSubreaper() (bool, error) {
	err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
	if err == unix.EINVAL {
		return false, nil
	}
	return true, err
}

func reapChildren(stop <-chan struct{}, events chan<- Event) {
	logger.Debugf("Reaper started, waiting for SIGCHLD.")
	sigChld := make(chan os.Signal, 1)
	signal.Notify(sigChld, unix.SIGCHLD)
	for {
		select {
		case <-sigChld:
			reapOnce(events)
		case <-stop:
			signal.Reset(unix.SIGCHLD)
			logger.Debugf("Reaper stopped.")
			return
		}
	}
}

// reapOnce drains every pending wait status — exited, signaled, stopped or
// continued — until none remain, per spec.md §4.4's "the loop drains every
// pending status before returning to select()".
func reapOnce(events chan<- Event) {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED, nil)
		switch err {
		case nil:
			if pid <= 0 {
				return
			}
			ev, ok := decode(status)
			if !ok {
				continue
			}
			logger.Debugf("Reaper: pid %d -> %v", pid, ev.Kind)
			events <- Event{Pid: pid, Event: ev}

		case unix.ECHILD:
			return

		default:
			logger.Noticef("Reaper cannot wait for children: %v", err)
			return
		}
	}
}

func decode(status unix.WaitStatus) (jobstate.ChildEvent, bool) {
	switch {
	case status.Exited():
		return jobstate.ChildEvent{Kind: enum.ChildExited, Status: status.ExitStatus()}, true
	case status.Signaled():
		kind := enum.ChildKilled
		if status.CoreDump() {
			kind = enum.ChildDumped
		}
		return jobstate.ChildEvent{Kind: kind, Status: int(status.Signal())}, true
	case status.Stopped():
		if status.StopSignal() == unix.SIGTRAP {
			return jobstate.ChildEvent{Kind: enum.ChildTrapped, Status: status.TrapCause()}, true
		}
		return jobstate.ChildEvent{Kind: enum.ChildStopped, Status: int(status.StopSignal())}, true
	case status.Continued():
		return jobstate.ChildEvent{Kind: enum.ChildContinued}, true
	default:
		return jobstate.ChildEvent{}, false
	}
}
