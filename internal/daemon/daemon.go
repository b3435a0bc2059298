// Package daemon wires together the components spec.md §2 lists into one
// running process: the job catalog, the dispatcher, the reaper, the
// control-socket transport, the observability HTTP surface and the
// optional filesystem event bridge. cmd/vigild is a thin flag-parsing
// shell around this package; everything that actually runs process 1's
// job lives here so it can be exercised directly by tests.
package daemon

import (
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"

	"gopkg.in/tomb.v2"

	"github.com/vigilinit/vigild/internal/bridge"
	"github.com/vigilinit/vigild/internal/dispatcher"
	"github.com/vigilinit/vigild/internal/enum"
	"github.com/vigilinit/vigild/internal/httpstatus"
	"github.com/vigilinit/vigild/internal/jobfile"
	"github.com/vigilinit/vigild/internal/jobs"
	"github.com/vigilinit/vigild/internal/logger"
	"github.com/vigilinit/vigild/internal/metrics"
	"github.com/vigilinit/vigild/internal/reaper"
	"github.com/vigilinit/vigild/internal/transport"
	"github.com/vigilinit/vigild/internal/wire"
)

// reaperEventBuffer is generous on purpose: reaper.Start documents that
// its own goroutine blocks if this fills up, and we never want a burst of
// SIGCHLD to stall signal delivery.
const reaperEventBuffer = 256

// Config collects the options cmd/vigild turns flags into.
type Config struct {
	// SocketPath is the control socket's filesystem path (spec.md §6).
	SocketPath string

	// JobDir, if set, is read at startup for *.yaml job files
	// (SPEC_FULL.md §6's job file loader).
	JobDir string

	// HTTPAddr, if set, serves the observability surface
	// (SPEC_FULL.md §6) on this address.
	HTTPAddr string

	// WatchRoot, if set, starts an inotify event bridge rooted here
	// (SPEC_FULL.md §6's event bridge).
	WatchRoot string
}

// Daemon is a fully wired, not-yet-running vigild instance.
type Daemon struct {
	cfg        Config
	catalog    *jobs.Catalog
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Metrics
	listener   *transport.Listener
	httpSrv    *http.Server
	fsBridge   *bridge.FSBridge

	connsMu sync.Mutex
	conns   map[*transport.Conn]struct{}

	tomb tomb.Tomb
}

// New builds a Daemon from cfg: loads job files if configured, starts the
// reaper and dispatcher, and opens the control socket. It does not start
// serving connections — call Run for that.
func New(cfg Config) (*Daemon, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("daemon: socket path is required")
	}

	catalog := jobs.NewCatalog()
	if cfg.JobDir != "" {
		defs, err := jobfile.ReadDir(cfg.JobDir)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if err := catalog.Add(def); err != nil {
				return nil, err
			}
		}
	}

	events := make(chan reaper.Event, reaperEventBuffer)
	if err := reaper.Start(events); err != nil {
		return nil, err
	}

	ln, err := transport.Listen(cfg.SocketPath)
	if err != nil {
		reaper.Stop()
		return nil, err
	}

	d := &Daemon{
		cfg:        cfg,
		catalog:    catalog,
		dispatcher: dispatcher.New(catalog, events),
		metrics:    metrics.New(),
		listener:   ln,
		conns:      make(map[*transport.Conn]struct{}),
	}
	d.dispatcher.SetMetrics(d.metrics)

	if cfg.WatchRoot != "" {
		fb, err := bridge.NewFSBridge(cfg.WatchRoot, d.dispatcher)
		if err != nil {
			ln.Close()
			reaper.Stop()
			return nil, err
		}
		d.fsBridge = fb
	}

	return d, nil
}

// Dispatcher returns the daemon's dispatcher, for callers (tests, the
// event bridge setup) that need to drive it directly.
func (d *Daemon) Dispatcher() *dispatcher.Dispatcher { return d.dispatcher }

// Run starts the dispatcher loop, the control-socket accept loop and (if
// configured) the observability HTTP surface, blocking until Stop is
// called or the listener fails.
func (d *Daemon) Run() error {
	d.dispatcher.Start()

	if d.cfg.HTTPAddr != "" {
		if err := d.startHTTP(); err != nil {
			return err
		}
	}

	d.tomb.Go(d.acceptLoop)
	return d.tomb.Wait()
}

// Stop shuts down the accept loop, the HTTP surface, the dispatcher and
// the reaper, in that order.
func (d *Daemon) Stop() error {
	d.tomb.Kill(nil)
	d.listener.Close()

	d.connsMu.Lock()
	for conn := range d.conns {
		conn.Close()
	}
	d.connsMu.Unlock()

	err := d.tomb.Wait()

	if d.httpSrv != nil {
		d.httpSrv.Close()
	}
	if d.fsBridge != nil {
		d.fsBridge.Close()
	}
	if derr := d.dispatcher.Stop(); err == nil {
		err = derr
	}
	if rerr := reaper.Stop(); err == nil {
		err = rerr
	}
	return err
}

func (d *Daemon) startHTTP() error {
	ln, err := net.Listen("tcp", d.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("daemon: http listen: %w", err)
	}
	srv := httpstatus.New(d.dispatcher, d.metrics)
	d.httpSrv = &http.Server{Handler: srv.Handler()}
	go func() {
		if err := d.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Noticef("daemon: http server: %v", err)
		}
	}()
	return nil
}

func (d *Daemon) acceptLoop() error {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if err == transport.ErrPeerNotAuthorized {
				continue
			}
			select {
			case <-d.tomb.Dying():
				return nil
			default:
				return err
			}
		}
		d.connsMu.Lock()
		d.conns[conn] = struct{}{}
		d.connsMu.Unlock()
		d.tomb.Go(func() error {
			d.serveConn(conn)
			return nil
		})
	}
}

// serveConn handles every request on one connection until it errors or
// the peer closes it (spec.md §4.3's "strictly request/reply for job
// commands, reply-stream for JOB_LIST and WATCH_JOBS"). WATCH_JOBS hands
// the connection off to the dispatcher's broadcast fan-out and blocks
// here only to detect the peer going away.
func (d *Daemon) serveConn(conn *transport.Conn) {
	defer func() {
		conn.Close()
		d.connsMu.Lock()
		delete(d.conns, conn)
		d.connsMu.Unlock()
	}()
	for {
		typ, fields, err := conn.ReadMessage()
		if err != nil {
			d.dispatcher.Unwatch(conn)
			return
		}
		if typ == enum.MsgWatchJobs {
			d.handleWatch(conn)
			return
		}
		if !d.handleRequest(conn, typ, fields) {
			return
		}
	}
}

// handleRequest processes one decoded request and writes its reply(ies).
// It returns false if the connection should be closed (a write failed, or
// the frame was unrecoverably malformed).
func (d *Daemon) handleRequest(conn *transport.Conn, typ enum.MessageType, fields []interface{}) bool {
	switch typ {
	case enum.MsgJobStart:
		return d.handleSetGoal(conn, fields, enum.Start)
	case enum.MsgJobStop:
		return d.handleSetGoal(conn, fields, enum.Stop)
	case enum.MsgJobQuery:
		return d.handleQuery(conn, fields)
	case enum.MsgJobReload:
		return d.handleReload(conn, fields)
	case enum.MsgJobRemove:
		return d.handleRemove(conn, fields)
	case enum.MsgJobList:
		return d.handleList(conn)
	case enum.MsgJobEmit:
		return d.handleEmit(fields)
	default:
		logger.Noticef("daemon: dropping connection after unsupported request type %d", typ)
		return false
	}
}

func (d *Daemon) handleSetGoal(conn *transport.Conn, fields []interface{}, goal enum.Goal) bool {
	name, _ := fields[0].(string)
	if err := d.dispatcher.SetGoal(name, goal); err != nil {
		return d.writeUnknown(conn, name)
	}
	return d.writeStatus(conn, name)
}

func (d *Daemon) handleQuery(conn *transport.Conn, fields []interface{}) bool {
	name, _ := fields[0].(string)
	return d.writeStatus(conn, name)
}

func (d *Daemon) handleReload(conn *transport.Conn, fields []interface{}) bool {
	name, _ := fields[0].(string)
	path := filepath.Join(d.cfg.JobDir, name+".yaml")
	def, err := jobfile.ReadFile(path)
	if err != nil {
		return d.writeUnknown(conn, name)
	}
	if err := d.dispatcher.Reload(def); err != nil {
		return d.writeUnknown(conn, name)
	}
	return d.writeStatus(conn, name)
}

// handleRemove services JOB_REMOVE (SPEC_FULL.md §6): drives name's
// instance to DELETED and, once no pid is left to reap, detaches its
// definition from the catalog entirely (spec.md §3's "Lifecycle").
func (d *Daemon) handleRemove(conn *transport.Conn, fields []interface{}) bool {
	name, _ := fields[0].(string)
	snap, err := d.dispatcher.Remove(name)
	if err != nil {
		return d.writeUnknown(conn, name)
	}
	return d.writeSnapshot(conn, snap)
}

func (d *Daemon) handleList(conn *transport.Conn) bool {
	for _, snap := range d.dispatcher.List() {
		if !d.writeSnapshot(conn, snap) {
			return false
		}
	}
	body, err := wire.EncodeMessage(enum.MsgJobListEnd)
	if err != nil {
		return false
	}
	return conn.WriteMessage(body) == nil
}

func (d *Daemon) handleEmit(fields []interface{}) bool {
	name, _ := fields[0].(string)
	envField, _ := fields[1].(string)
	d.dispatcher.Emit(name, wire.DecodeEnv(envField))
	return true
}

func (d *Daemon) handleWatch(conn *transport.Conn) {
	d.dispatcher.Watch(conn)
	// Block until the peer disconnects; every status broadcast from
	// here on is delivered by Conn's own writer goroutine, not by this
	// read loop.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			d.dispatcher.Unwatch(conn)
			return
		}
	}
}

func (d *Daemon) writeStatus(conn *transport.Conn, name string) bool {
	snap, ok := d.dispatcher.Query(name)
	if !ok {
		return d.writeUnknown(conn, name)
	}
	return d.writeSnapshot(conn, snap)
}

func (d *Daemon) writeSnapshot(conn *transport.Conn, snap jobs.Snapshot) bool {
	body, err := wire.EncodeMessage(enum.MsgJobStatus, snap.Name,
		uint32(snap.Goal), uint32(snap.State), uint32(snap.ProcessState), int32(snap.Pid), snap.Description)
	if err != nil {
		return false
	}
	return conn.WriteMessage(body) == nil
}

func (d *Daemon) writeUnknown(conn *transport.Conn, name string) bool {
	body, err := wire.EncodeMessage(enum.MsgJobUnknown, name)
	if err != nil {
		return false
	}
	return conn.WriteMessage(body) == nil
}
