// Package jobfile loads jobs.Definition values from YAML files on disk
// (SPEC_FULL.md §6's "Job file format"): one *.yaml document per job, read
// from a directory at startup and on an explicit JOB_RELOAD. It never
// touches jobs.Catalog directly — it only ever hands the caller a decoded
// *jobs.Definition, the same shape a client-driven registration would
// build by hand.
package jobfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vigilinit/vigild/internal/enum"
	"github.com/vigilinit/vigild/internal/jobs"
)

// script is the YAML shape of one of the five job actions.
type script struct {
	Exec        string   `yaml:"exec,omitempty"`
	Argv        []string `yaml:"argv,omitempty"`
	WaitForStop bool     `yaml:"wait-for-stop,omitempty"`
}

func (s *script) toScript() (*jobs.Script, error) {
	if s == nil {
		return nil, nil
	}
	if s.Exec == "" && len(s.Argv) == 0 {
		return nil, fmt.Errorf("jobfile: script must set exec or argv")
	}
	if s.Exec != "" && len(s.Argv) > 0 {
		return nil, fmt.Errorf("jobfile: script cannot set both exec and argv")
	}
	return &jobs.Script{Shell: s.Exec, Argv: s.Argv, WaitForStop: s.WaitForStop}, nil
}

// eventMatcher is the YAML shape of a start-on/stop-on entry.
type eventMatcher struct {
	Name string   `yaml:"name"`
	Env  []string `yaml:"env,omitempty"`
}

// respawn is the YAML shape of the respawn policy.
type respawn struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Limit   int    `yaml:"limit,omitempty"`
	Window  string `yaml:"window,omitempty"`
}

// document is the top-level YAML shape of one job file. The file's base
// name (minus .yaml) is always the job name, matching spec.md §3's "job
// names are unique catalog keys" — it isn't repeated inside the document.
type document struct {
	Description string            `yaml:"description,omitempty"`
	PreStart    *script           `yaml:"pre-start,omitempty"`
	Main        *script           `yaml:"main,omitempty"`
	PostStart   *script           `yaml:"post-start,omitempty"`
	PreStop     *script           `yaml:"pre-stop,omitempty"`
	PostStop    *script           `yaml:"post-stop,omitempty"`
	Console     string            `yaml:"console,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Respawn     *respawn          `yaml:"respawn,omitempty"`
	KillSignal  string            `yaml:"kill-signal,omitempty"`
	KillTimeout string            `yaml:"kill-timeout,omitempty"`
	StartOn     []eventMatcher    `yaml:"start-on,omitempty"`
	StopOn      []eventMatcher    `yaml:"stop-on,omitempty"`
	Emits       []string          `yaml:"emits,omitempty"`
	Instance    bool              `yaml:"instance,omitempty"`
}

// Load decodes a single job file, using name (the file's base name) as the
// job's catalog key.
func Load(name string, data []byte) (*jobs.Definition, error) {
	var doc document
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("jobfile: cannot parse %q: %w", name, err)
	}
	return doc.toDefinition(name)
}

func (doc *document) toDefinition(name string) (*jobs.Definition, error) {
	def := &jobs.Definition{
		Name:        name,
		Description: doc.Description,
		Instance:    doc.Instance,
		Emits:       append([]string(nil), doc.Emits...),
	}

	scripts := map[enum.Action]*script{
		enum.PreStartAction:  doc.PreStart,
		enum.MainAction:      doc.Main,
		enum.PostStartAction: doc.PostStart,
		enum.PreStopAction:   doc.PreStop,
		enum.PostStopAction:  doc.PostStop,
	}
	for action, s := range scripts {
		converted, err := s.toScript()
		if err != nil {
			return nil, fmt.Errorf("jobfile: %s: %w", name, err)
		}
		def.Actions[action] = converted
	}
	if def.Actions[enum.MainAction] == nil {
		return nil, fmt.Errorf("jobfile: %s: must define a main script", name)
	}

	if doc.Console == "" {
		def.Console = enum.ConsoleLogged
	} else {
		c, ok := enum.ConsoleFromName(doc.Console)
		if !ok {
			return nil, fmt.Errorf("jobfile: %s: unknown console %q", name, doc.Console)
		}
		def.Console = c
	}

	if len(doc.Environment) > 0 {
		keys := make([]string, 0, len(doc.Environment))
		for k := range doc.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			def.Environment = append(def.Environment, k+"="+doc.Environment[k])
		}
	}

	def.Respawn = jobs.DefaultRespawnPolicy()
	if doc.Respawn != nil {
		if doc.Respawn.Enabled != nil {
			def.Respawn.Enabled = *doc.Respawn.Enabled
		}
		if doc.Respawn.Limit != 0 {
			def.Respawn.Limit = doc.Respawn.Limit
		}
		if doc.Respawn.Window != "" {
			d, err := time.ParseDuration(doc.Respawn.Window)
			if err != nil {
				return nil, fmt.Errorf("jobfile: %s: invalid respawn window %q: %w", name, doc.Respawn.Window, err)
			}
			def.Respawn.Window = d
		}
	}

	def.KillSignal = doc.KillSignal
	if doc.KillTimeout != "" {
		d, err := time.ParseDuration(doc.KillTimeout)
		if err != nil {
			return nil, fmt.Errorf("jobfile: %s: invalid kill-timeout %q: %w", name, doc.KillTimeout, err)
		}
		def.KillTimeout = d
	}

	for _, m := range doc.StartOn {
		def.StartOn = append(def.StartOn, jobs.EventMatcher{Name: m.Name, Env: m.Env})
	}
	for _, m := range doc.StopOn {
		def.StopOn = append(def.StopOn, jobs.EventMatcher{Name: m.Name, Env: m.Env})
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// ReadDir loads every *.yaml file in dir into a jobs.Definition, keyed by
// each file's base name (spec.md §6's "a directory of job files").
func ReadDir(dir string) ([]*jobs.Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("jobfile: cannot read %s: %w", dir, err)
	}
	var defs []*jobs.Definition
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".yaml")
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("jobfile: cannot read %s: %w", e.Name(), err)
		}
		def, err := Load(name, data)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// ReadFile loads a single named job file (JOB_RELOAD, SPEC_FULL.md §6),
// using its base name (minus .yaml) as the job name.
func ReadFile(path string) (*jobs.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jobfile: cannot read %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), ".yaml")
	return Load(name, data)
}
