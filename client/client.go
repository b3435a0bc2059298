// Package client is the Go binding for vigild's control socket (spec.md
// §6): a thin wrapper around internal/wire's framed messages, playing the
// same role pebble's client package plays for its HTTP API, but over the
// raw length-prefixed unix socket the core actually speaks. It knows
// nothing about job state machines — it only encodes requests and decodes
// replies.
package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/vigilinit/vigild/internal/enum"
	"github.com/vigilinit/vigild/internal/wire"
)

// JobStatus is the decoded shape of a JOB_STATUS reply. Goal/State/
// ProcessState cross the wire as raw enum ordinals (spec.md §6's
// `u u u i s` layout); callers that want display names convert with
// internal/enum's *Name functions at the CLI/log boundary.
type JobStatus struct {
	Name         string
	Goal         enum.Goal
	State        enum.State
	ProcessState enum.ProcessState
	Pid          int
	Description  string
}

// UnknownJobError is returned when the daemon replies JOB_UNKNOWN for a
// command naming a job it doesn't have.
type UnknownJobError struct{ Name string }

func (e *UnknownJobError) Error() string { return fmt.Sprintf("client: unknown job %q", e.Name) }

// UnexpectedReplyError wraps a reply of a type the caller wasn't prepared
// for.
type UnexpectedReplyError struct{ Type enum.MessageType }

func (e *UnexpectedReplyError) Error() string {
	name, ok := enum.MessageTypeName(e.Type)
	if !ok {
		name = "unknown"
	}
	return fmt.Sprintf("client: unexpected reply %s", name)
}

// Client is a connection to the control socket. It is not safe for
// concurrent use by multiple goroutines — spec.md §4.3 makes the control
// protocol strictly request/reply (or reply-stream) per connection, so
// callers needing concurrency should open one Client per goroutine.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// SocketPath resolves the control socket path the way spec.md §6
// describes: $UPSTART_SESSION if set (the per-user session instance),
// else the well-known system path.
func SocketPath() string {
	if p := os.Getenv("UPSTART_SESSION"); p != "" {
		return p
	}
	return "/var/run/upstart/socket"
}

// Dial connects to path (see SocketPath).
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) request(t enum.MessageType, fields ...interface{}) error {
	body, err := wire.EncodeMessage(t, fields...)
	if err != nil {
		return err
	}
	return wire.WriteFrame(c.conn, body)
}

func (c *Client) readStatus() (JobStatus, error) {
	body, err := wire.ReadFrame(c.conn)
	if err != nil {
		return JobStatus{}, err
	}
	t, fields, err := wire.DecodeMessage(body)
	if err != nil {
		return JobStatus{}, err
	}
	switch t {
	case enum.MsgJobStatus:
		if len(fields) != 6 {
			return JobStatus{}, wire.ErrInvalid
		}
		name, _ := fields[0].(string)
		goal, _ := fields[1].(uint32)
		state, _ := fields[2].(uint32)
		proc, _ := fields[3].(uint32)
		pid, _ := fields[4].(int32)
		desc, _ := fields[5].(string)
		return JobStatus{Name: name, Goal: enum.Goal(goal), State: enum.State(state), ProcessState: enum.ProcessState(proc), Pid: int(pid), Description: desc}, nil
	case enum.MsgJobUnknown:
		name, _ := fields[0].(string)
		return JobStatus{}, &UnknownJobError{Name: name}
	default:
		return JobStatus{}, &UnexpectedReplyError{Type: t}
	}
}

// Start sets name's goal to START (JOB_START).
func (c *Client) Start(name string) (JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.request(enum.MsgJobStart, name); err != nil {
		return JobStatus{}, err
	}
	return c.readStatus()
}

// Stop sets name's goal to STOP (JOB_STOP).
func (c *Client) Stop(name string) (JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.request(enum.MsgJobStop, name); err != nil {
		return JobStatus{}, err
	}
	return c.readStatus()
}

// Query asks for name's current status (JOB_QUERY).
func (c *Client) Query(name string) (JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.request(enum.MsgJobQuery, name); err != nil {
		return JobStatus{}, err
	}
	return c.readStatus()
}

// Reload asks the daemon to re-read name's on-disk job file and replace
// its definition in place (JOB_RELOAD, SPEC_FULL.md §6).
func (c *Client) Reload(name string) (JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.request(enum.MsgJobReload, name); err != nil {
		return JobStatus{}, err
	}
	return c.readStatus()
}

// Remove asks the daemon to drive name's instance to DELETED and detach
// its definition from the catalog (JOB_REMOVE, SPEC_FULL.md §6).
func (c *Client) Remove(name string) (JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.request(enum.MsgJobRemove, name); err != nil {
		return JobStatus{}, err
	}
	return c.readStatus()
}

// List streams every job's status (JOB_LIST), terminated by JOB_LIST_END.
func (c *Client) List() ([]JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.request(enum.MsgJobList); err != nil {
		return nil, err
	}
	var out []JobStatus
	for {
		body, err := wire.ReadFrame(c.conn)
		if err != nil {
			return nil, err
		}
		t, fields, err := wire.DecodeMessage(body)
		if err != nil {
			return nil, err
		}
		switch t {
		case enum.MsgJobListEnd:
			return out, nil
		case enum.MsgJobStatus:
			if len(fields) != 6 {
				return nil, wire.ErrInvalid
			}
			name, _ := fields[0].(string)
			goal, _ := fields[1].(uint32)
			state, _ := fields[2].(uint32)
			proc, _ := fields[3].(uint32)
			pid, _ := fields[4].(int32)
			desc, _ := fields[5].(string)
			out = append(out, JobStatus{Name: name, Goal: enum.Goal(goal), State: enum.State(state), ProcessState: enum.ProcessState(proc), Pid: int(pid), Description: desc})
		default:
			return nil, &UnexpectedReplyError{Type: t}
		}
	}
}

// Watch subscribes to every status broadcast from this point on
// (WATCH_JOBS) and calls fn for each one until the connection is closed
// or fn returns an error (which is then returned).
func (c *Client) Watch(fn func(JobStatus) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.request(enum.MsgWatchJobs); err != nil {
		return err
	}
	for {
		body, err := wire.ReadFrame(c.conn)
		if err != nil {
			return err
		}
		t, fields, err := wire.DecodeMessage(body)
		if err != nil {
			return err
		}
		if t != enum.MsgJobStatus || len(fields) != 6 {
			continue
		}
		name, _ := fields[0].(string)
		goal, _ := fields[1].(uint32)
		state, _ := fields[2].(uint32)
		proc, _ := fields[3].(uint32)
		pid, _ := fields[4].(int32)
		desc, _ := fields[5].(string)
		if err := fn(JobStatus{Name: name, Goal: enum.Goal(goal), State: enum.State(state), ProcessState: enum.ProcessState(proc), Pid: int(pid), Description: desc}); err != nil {
			return err
		}
	}
}

// Emit pushes a named event with optional KEY=VALUE environment into the
// dispatcher (JOB_EMIT), the same call an event bridge makes.
func (c *Client) Emit(name string, env []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.request(enum.MsgJobEmit, name, wire.EncodeEnv(env))
}

// DefaultRuntimeDir returns the directory used for the session instance's
// pidfile (spec.md §6's XDG_RUNTIME_DIR / HOME fallback).
func DefaultRuntimeDir() (string, error) {
	if d := os.Getenv("XDG_RUNTIME_DIR"); d != "" {
		return d, nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		return "", errors.New("client: neither XDG_RUNTIME_DIR nor HOME is set")
	}
	return filepath.Join(home, ".vigild"), nil
}
