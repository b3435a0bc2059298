package jobs

import (
	"sort"
	"sync"

	"github.com/vigilinit/vigild/internal/enum"
)

// Instance is the mutable live record one-to-one with a catalog entry
// (spec.md §3). All fields are only ever mutated by the dispatcher, on its
// loop goroutine (not under the catalog's lock); everyone else gets
// read-only snapshots via Catalog.
type Instance struct {
	Def *Definition

	Goal         enum.Goal
	State        enum.State
	ProcessState enum.ProcessState
	Pid          int

	RespawnCount       int
	RespawnWindowStart int64 // unix nanos; only meaningful while RespawnCount > 0

	// Escalated mirrors jobstate.Snapshot.Escalated: whether the kill
	// timer has already upgraded SIGTERM to SIGKILL for the currently
	// tracked child.
	Escalated bool
}

// Snapshot is an immutable copy of an Instance safe to hand to readers
// outside the dispatcher (the observability surface, JOB_STATUS replies).
type Snapshot struct {
	Name         string
	Description  string
	Goal         enum.Goal
	State        enum.State
	ProcessState enum.ProcessState
	Pid          int
}

func (i *Instance) snapshot(name string) Snapshot {
	return Snapshot{
		Name:         name,
		Description:  i.Def.Description,
		Goal:         i.Goal,
		State:        i.State,
		ProcessState: i.ProcessState,
		Pid:          i.Pid,
	}
}

type entry struct {
	def      *Definition
	instance *Instance
}

// Catalog is the in-memory mapping of job name to definition and live
// instance (spec.md §2's "job catalog"). It is exclusively owned and
// mutated by the dispatcher; every other component gets a Snapshot.
type Catalog struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]*entry)}
}

// Add registers a new job definition. It fails if a definition with the
// same name is already registered.
func (c *Catalog) Add(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[def.Name]; exists {
		return &AlreadyExistsError{Name: def.Name}
	}
	c.entries[def.Name] = &entry{def: def}
	return nil
}

// Replace swaps the definition for an existing catalog entry, leaving any
// live instance's goal/state/pid untouched — only Instance.Def changes.
// This backs the JOB_RELOAD wire command (SPEC_FULL.md §6). If name isn't
// registered, Replace behaves like Add.
func (c *Catalog) Replace(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, exists := c.entries[def.Name]
	if !exists {
		c.entries[def.Name] = &entry{def: def}
		return nil
	}
	e.def = def
	if e.instance != nil {
		e.instance.Def = def
	}
	return nil
}

// Remove unconditionally detaches name's entry (definition and any live
// instance) from the catalog. Callers driving a live instance through
// DELETED (spec.md §3's "Lifecycle") must not call this until the
// instance's process_state is NONE — the dispatcher's detachIfDrained
// is the only such caller in production, and it checks that first so a
// pid still being reaped is never orphaned from nameForPid's lookup.
func (c *Catalog) Remove(name string) (*Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	delete(c.entries, name)
	return e.instance, true
}

// Lookup returns the definition and, if one has been created, the live
// instance for name.
func (c *Catalog) Lookup(name string) (*Definition, *Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return nil, nil, false
	}
	return e.def, e.instance, true
}

// Ensure returns the live instance for name, lazily creating one in
// WAITING/STOP/NONE if this is the first non-idle transition for the job
// (spec.md §3's "Lifecycle").
func (c *Catalog) Ensure(name string) (*Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	if e.instance == nil {
		e.instance = &Instance{
			Def:          e.def,
			Goal:         enum.Stop,
			State:        enum.Waiting,
			ProcessState: enum.ProcessNone,
		}
	}
	return e.instance, true
}

// Names returns every registered job name, sorted.
func (c *Catalog) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshots returns a Snapshot for every registered job, in the same
// order JOB_LIST streams them (spec.md §8 "List" scenario), sorted by
// name for determinism.
func (c *Catalog) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		e := c.entries[name]
		if e.instance != nil {
			out = append(out, e.instance.snapshot(name))
			continue
		}
		out = append(out, Snapshot{
			Name:         name,
			Description:  e.def.Description,
			Goal:         enum.Stop,
			State:        enum.Waiting,
			ProcessState: enum.ProcessNone,
		})
	}
	return out
}

// AlreadyExistsError is returned by Add when the name is already taken.
type AlreadyExistsError struct{ Name string }

func (e *AlreadyExistsError) Error() string {
	return "jobs: " + e.Name + " already registered"
}
