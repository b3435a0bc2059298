package reaper_test

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/vigilinit/vigild/internal/enum"
	"github.com/vigilinit/vigild/internal/reaper"
)

func Test(t *testing.T) { TestingT(t) }

type ReaperSuite struct {
	events chan reaper.Event
}

var _ = Suite(&ReaperSuite{})

func (s *ReaperSuite) SetUpTest(c *C) {
	s.events = make(chan reaper.Event, 16)
	if err := reaper.Start(s.events); err != nil {
		c.Skip("child subreaping unavailable: " + err.Error())
	}
}

func (s *ReaperSuite) TearDownTest(c *C) {
	reaper.Stop()
}

func (s *ReaperSuite) waitFor(c *C, pid int) reaper.Event {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.events:
			if ev.Pid == pid {
				return ev
			}
		case <-deadline:
			c.Fatalf("timed out waiting for an event for pid %d", pid)
		}
	}
}

func (s *ReaperSuite) TestReapsExitedChild(c *C) {
	cmd := exec.Command("/bin/true")
	c.Assert(cmd.Start(), IsNil)

	ev := s.waitFor(c, cmd.Process.Pid)
	c.Assert(ev.Event.Kind, Equals, enum.ChildExited)
	c.Assert(ev.Event.Status, Equals, 0)
}

func (s *ReaperSuite) TestReapsKilledChild(c *C) {
	cmd := exec.Command("/bin/sleep", "30")
	c.Assert(cmd.Start(), IsNil)
	c.Assert(cmd.Process.Kill(), IsNil)

	ev := s.waitFor(c, cmd.Process.Pid)
	c.Assert(ev.Event.Kind, Equals, enum.ChildKilled)
}

func (s *ReaperSuite) TestReapsStoppedAndContinuedChild(c *C) {
	cmd := exec.Command("/bin/sleep", "30")
	c.Assert(cmd.Start(), IsNil)
	defer cmd.Process.Kill()

	c.Assert(cmd.Process.Signal(syscall.SIGSTOP), IsNil)
	stopped := s.waitFor(c, cmd.Process.Pid)
	c.Assert(stopped.Event.Kind, Equals, enum.ChildStopped)

	c.Assert(cmd.Process.Signal(syscall.SIGCONT), IsNil)
	resumed := s.waitFor(c, cmd.Process.Pid)
	c.Assert(resumed.Event.Kind, Equals, enum.ChildContinued)
}
