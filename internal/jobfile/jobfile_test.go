package jobfile_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/vigilinit/vigild/internal/enum"
	"github.com/vigilinit/vigild/internal/jobfile"
	"github.com/vigilinit/vigild/internal/jobs"
)

func Test(t *testing.T) { TestingT(t) }

type JobfileSuite struct{}

var _ = Suite(&JobfileSuite{})

func (s *JobfileSuite) TestLoadMinimal(c *C) {
	def, err := jobfile.Load("web", []byte(`
main:
  exec: /usr/bin/webd --port=8080
`))
	c.Assert(err, IsNil)
	c.Assert(def.Name, Equals, "web")
	c.Assert(def.Actions[enum.MainAction].Shell, Equals, "/usr/bin/webd --port=8080")
	c.Assert(def.Console, Equals, enum.ConsoleLogged)
	c.Assert(def.Respawn.Enabled, Equals, true)
	c.Assert(def.Respawn.Limit, Equals, 10)
	c.Assert(def.Respawn.Window, Equals, 5*time.Second)
	c.Assert(def.EffectiveKillSignal(), Equals, "TERM")
}

func (s *JobfileSuite) TestLoadFull(c *C) {
	def, err := jobfile.Load("worker", []byte(`
description: background worker
pre-start:
  exec: /usr/bin/worker-setup
main:
  argv: ["/usr/bin/worker", "--queue=default"]
  wait-for-stop: true
post-stop:
  exec: /usr/bin/worker-cleanup
console: output
environment:
  QUEUE: default
  LOG_LEVEL: info
respawn:
  enabled: true
  limit: 3
  window: 10s
kill-signal: INT
kill-timeout: 2s
start-on:
  - name: system-ready
stop-on:
  - name: runlevel
    env: ["RUNLEVEL=0"]
emits:
  - worker-ready
`))
	c.Assert(err, IsNil)
	c.Assert(def.Description, Equals, "background worker")
	c.Assert(def.Actions[enum.PreStartAction].Shell, Equals, "/usr/bin/worker-setup")
	c.Assert(def.Actions[enum.MainAction].Argv, DeepEquals, []string{"/usr/bin/worker", "--queue=default"})
	c.Assert(def.Actions[enum.MainAction].WaitForStop, Equals, true)
	c.Assert(def.Actions[enum.PostStopAction].Shell, Equals, "/usr/bin/worker-cleanup")
	c.Assert(def.Console, Equals, enum.ConsoleOutput)
	c.Assert(def.Environment, DeepEquals, []string{"LOG_LEVEL=info", "QUEUE=default"})
	c.Assert(def.Respawn.Limit, Equals, 3)
	c.Assert(def.Respawn.Window, Equals, 10*time.Second)
	c.Assert(def.EffectiveKillSignal(), Equals, "INT")
	c.Assert(def.KillTimeout, Equals, 2*time.Second)
	c.Assert(def.StartOn, DeepEquals, []jobs.EventMatcher{{Name: "system-ready"}})
	c.Assert(def.StopOn, DeepEquals, []jobs.EventMatcher{{Name: "runlevel", Env: []string{"RUNLEVEL=0"}}})
	c.Assert(def.Emits, DeepEquals, []string{"worker-ready"})
}

func (s *JobfileSuite) TestLoadRejectsMissingMain(c *C) {
	_, err := jobfile.Load("broken", []byte(`
description: no main action
`))
	c.Assert(err, ErrorMatches, ".*must define a main script.*")
}

func (s *JobfileSuite) TestLoadRejectsBothExecAndArgv(c *C) {
	_, err := jobfile.Load("broken", []byte(`
main:
  exec: /bin/true
  argv: ["/bin/true"]
`))
	c.Assert(err, ErrorMatches, ".*cannot set both exec and argv.*")
}

func (s *JobfileSuite) TestLoadRejectsUnknownField(c *C) {
	_, err := jobfile.Load("broken", []byte(`
main:
  exec: /bin/true
typo-field: oops
`))
	c.Assert(err, NotNil)
}

func (s *JobfileSuite) TestReadDirLoadsAllFiles(c *C) {
	dir := c.MkDir()
	c.Assert(os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("main:\n  exec: /bin/a\n"), 0o644), IsNil)
	c.Assert(os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("main:\n  exec: /bin/b\n"), 0o644), IsNil)
	c.Assert(os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a job"), 0o644), IsNil)

	defs, err := jobfile.ReadDir(dir)
	c.Assert(err, IsNil)
	c.Assert(defs, HasLen, 2)

	names := map[string]bool{}
	for _, d := range defs {
		names[d.Name] = true
	}
	c.Assert(names["a"], Equals, true)
	c.Assert(names["b"], Equals, true)
}

func (s *JobfileSuite) TestReadFileUsesBaseNameAsJobName(c *C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "reloaded.yaml")
	c.Assert(os.WriteFile(path, []byte("main:\n  exec: /bin/true\n"), 0o644), IsNil)

	def, err := jobfile.ReadFile(path)
	c.Assert(err, IsNil)
	c.Assert(def.Name, Equals, "reloaded")
}
