// Package httpstatus is the read-only observability HTTP surface
// (SPEC_FULL.md §6): metrics, a JSON status snapshot, and a websocket
// stream of the same status updates the control socket's WATCH_JOBS
// subscribers receive. None of it is a substitute for the control
// socket's typed protocol — it only ever takes a snapshot handed to it by
// the dispatcher.
package httpstatus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/vigilinit/vigild/internal/enum"
	"github.com/vigilinit/vigild/internal/jobs"
	"github.com/vigilinit/vigild/internal/logger"
	"github.com/vigilinit/vigild/internal/metrics"
)

const handshakeTimeout = 5 * time.Second

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: handshakeTimeout,
}

// StatusSource is the read path the dispatcher exposes: a snapshot of
// every job, and a way to subscribe to status broadcasts the same way a
// WATCH_JOBS client would.
type StatusSource interface {
	List() []jobs.Snapshot
	WatchSnapshots(ch chan<- jobs.Snapshot) func()
}

// jobStatus is the JSON shape served by /v1/status and /v1/watch.
type jobStatus struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Goal         string `json:"goal"`
	State        string `json:"state"`
	ProcessState string `json:"process-state"`
	Pid          int    `json:"pid,omitempty"`
}

func toJobStatus(snap jobs.Snapshot) jobStatus {
	goal, _ := enum.GoalName(snap.Goal)
	state, _ := enum.StateName(snap.State)
	proc, _ := enum.ProcessStateName(snap.ProcessState)
	return jobStatus{
		Name:         snap.Name,
		Description:  snap.Description,
		Goal:         goal,
		State:        state,
		ProcessState: proc,
		Pid:          snap.Pid,
	}
}

// Server wires the gorilla/mux router used by the observability surface.
type Server struct {
	router  *mux.Router
	source  StatusSource
	metrics *metrics.Metrics
}

// New builds a Server backed by source for job state and m for metrics.
func New(source StatusSource, m *metrics.Metrics) *Server {
	s := &Server{source: source, metrics: m}
	s.router = mux.NewRouter()
	s.router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/watch", s.handleWatch).Methods(http.MethodGet)
	return s
}

// Handler returns the router as an http.Handler, to pass to http.Serve.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snaps := s.source.List()
	out := make([]jobStatus, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, toJobStatus(snap))
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		logger.Noticef("httpstatus: encoding status: %v", err)
	}
}

// handleWatch upgrades to a websocket and mirrors every status broadcast
// the control socket's WATCH_JOBS subscribers see, until the client
// disconnects. It is an additional subscriber sink on the same fan-out,
// not its own code path into the state machine.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Noticef("httpstatus: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	sink := make(chan jobs.Snapshot, 16)
	unwatch := s.source.WatchSnapshots(sink)
	defer unwatch()

	// Detect client-initiated close so the write loop can exit promptly;
	// gorilla/websocket requires a dedicated reader even if we never use
	// the messages it returns.
	closed := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				once.Do(func() { close(closed) })
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case snap, ok := <-sink:
			if !ok {
				return
			}
			if err := conn.WriteJSON(toJobStatus(snap)); err != nil {
				return
			}
		}
	}
}
