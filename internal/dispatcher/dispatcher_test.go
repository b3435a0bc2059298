package dispatcher_test

import (
	"net"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/vigilinit/vigild/internal/dispatcher"
	"github.com/vigilinit/vigild/internal/enum"
	"github.com/vigilinit/vigild/internal/jobs"
	"github.com/vigilinit/vigild/internal/reaper"
	"github.com/vigilinit/vigild/internal/transport"
	"github.com/vigilinit/vigild/internal/wire"
)

func Test(t *testing.T) { TestingT(t) }

type DispatcherSuite struct {
	events chan reaper.Event
	cat    *jobs.Catalog
	d      *dispatcher.Dispatcher
}

var _ = Suite(&DispatcherSuite{})

func (s *DispatcherSuite) SetUpTest(c *C) {
	s.events = make(chan reaper.Event, 16)
	if err := reaper.Start(s.events); err != nil {
		c.Skip("child subreaping unavailable: " + err.Error())
	}
	s.cat = jobs.NewCatalog()
	s.d = dispatcher.New(s.cat, s.events)
	s.d.Start()
}

func (s *DispatcherSuite) TearDownTest(c *C) {
	s.d.Stop()
	reaper.Stop()
}

func (s *DispatcherSuite) waitUntil(c *C, name string, want enum.State) jobs.Snapshot {
	deadline := time.After(5 * time.Second)
	for {
		snap, ok := s.d.Query(name)
		if ok && snap.State == want {
			return snap
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			c.Fatalf("timed out waiting for %s to reach state %v (last seen %+v)", name, want, snap)
		}
	}
}

func (s *DispatcherSuite) TestStartAndStopLongRunningJob(c *C) {
	def := &jobs.Definition{Name: "sleeper", Console: enum.ConsoleNone}
	def.Actions[enum.MainAction] = &jobs.Script{Argv: []string{"/bin/sleep", "30"}}

	c.Assert(s.d.Register(def), IsNil)
	c.Assert(s.d.SetGoal("sleeper", enum.Start), IsNil)

	running := s.waitUntil(c, "sleeper", enum.Running)
	c.Assert(running.Pid, Not(Equals), 0)
	c.Assert(running.Goal, Equals, enum.Start)

	c.Assert(s.d.SetGoal("sleeper", enum.Stop), IsNil)
	waiting := s.waitUntil(c, "sleeper", enum.Waiting)
	c.Assert(waiting.Goal, Equals, enum.Stop)
	c.Assert(waiting.Pid, Equals, 0)
}

func (s *DispatcherSuite) TestQuickExitingJobSettlesAtWaitingWithoutRespawn(c *C) {
	def := &jobs.Definition{Name: "oneshot", Console: enum.ConsoleNone}
	def.Actions[enum.MainAction] = &jobs.Script{Argv: []string{"/bin/true"}}
	def.Respawn = jobs.RespawnPolicy{Enabled: false}

	c.Assert(s.d.Register(def), IsNil)
	c.Assert(s.d.SetGoal("oneshot", enum.Start), IsNil)

	waiting := s.waitUntil(c, "oneshot", enum.Waiting)
	c.Assert(waiting.Goal, Equals, enum.Start)
}

func (s *DispatcherSuite) TestUnregisteredJobIsNotFound(c *C) {
	err := s.d.SetGoal("nope", enum.Start)
	c.Assert(err, NotNil)
}

func (s *DispatcherSuite) TestRemoveDetachesIdleJobImmediately(c *C) {
	def := &jobs.Definition{Name: "idle", Console: enum.ConsoleNone}
	def.Actions[enum.MainAction] = &jobs.Script{Argv: []string{"/bin/true"}}
	c.Assert(s.d.Register(def), IsNil)

	snap, err := s.d.Remove("idle")
	c.Assert(err, IsNil)
	c.Assert(snap.State, Equals, enum.Deleted)

	for _, j := range s.d.List() {
		c.Assert(j.Name, Not(Equals), "idle")
	}

	c.Assert(s.d.SetGoal("idle", enum.Start), NotNil)
}

func (s *DispatcherSuite) TestRemoveOfUnregisteredJobIsNotFound(c *C) {
	_, err := s.d.Remove("nope")
	c.Assert(err, NotNil)
}

func (s *DispatcherSuite) TestWatcherReceivesStatusBroadcast(c *C) {
	server, client := net.Pipe()
	defer client.Close()
	conn := &transport.Conn{Conn: server}
	s.d.Watch(conn)
	defer s.d.Unwatch(conn)

	def := &jobs.Definition{Name: "watched", Console: enum.ConsoleNone}
	def.Actions[enum.MainAction] = &jobs.Script{Argv: []string{"/bin/true"}}
	def.Respawn = jobs.RespawnPolicy{Enabled: false}
	c.Assert(s.d.Register(def), IsNil)
	c.Assert(s.d.SetGoal("watched", enum.Start), IsNil)

	frame, err := wire.ReadFrame(client)
	c.Assert(err, IsNil)
	typ, fields, err := wire.DecodeMessage(frame)
	c.Assert(err, IsNil)
	c.Assert(typ, Equals, enum.MsgJobStatus)
	c.Assert(fields[0], Equals, "watched")
}
