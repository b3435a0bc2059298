package httpstatus_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	. "gopkg.in/check.v1"
	"github.com/gorilla/websocket"

	"github.com/vigilinit/vigild/internal/enum"
	"github.com/vigilinit/vigild/internal/httpstatus"
	"github.com/vigilinit/vigild/internal/jobs"
	"github.com/vigilinit/vigild/internal/metrics"
)

func Test(t *testing.T) { TestingT(t) }

type HTTPStatusSuite struct{}

var _ = Suite(&HTTPStatusSuite{})

type fakeSource struct {
	snaps    []jobs.Snapshot
	watchers []chan<- jobs.Snapshot
}

func (f *fakeSource) List() []jobs.Snapshot { return f.snaps }

func (f *fakeSource) WatchSnapshots(ch chan<- jobs.Snapshot) func() {
	f.watchers = append(f.watchers, ch)
	return func() {}
}

func (s *HTTPStatusSuite) TestStatusServesJSONSnapshot(c *C) {
	src := &fakeSource{snaps: []jobs.Snapshot{
		{Name: "web", Description: "the web job", Goal: enum.Start, State: enum.Running, ProcessState: enum.ProcessActive, Pid: 123},
	}}
	srv := httpstatus.New(src, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	c.Assert(rec.Code, Equals, http.StatusOK)
	var got []map[string]any
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &got), IsNil)
	c.Assert(got, HasLen, 1)
	c.Assert(got[0]["name"], Equals, "web")
	c.Assert(got[0]["state"], Equals, "running")
	c.Assert(got[0]["goal"], Equals, "start")
}

func (s *HTTPStatusSuite) TestMetricsEndpointIsMounted(c *C) {
	m := metrics.New()
	m.ObserveRespawn("flaky")
	srv := httpstatus.New(&fakeSource{}, m)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	c.Assert(rec.Code, Equals, http.StatusOK)
	c.Assert(rec.Body.String(), Matches, "(?s).*vigild_job_respawns_total.*")
}

func (s *HTTPStatusSuite) TestWatchStreamsSnapshotsOverWebsocket(c *C) {
	src := &fakeSource{}
	srv := httpstatus.New(src, metrics.New())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + ts.URL[len("http"):] + "/v1/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	c.Assert(err, IsNil)
	defer conn.Close()

	c.Assert(src.watchers, HasLen, 1)
	src.watchers[0] <- jobs.Snapshot{Name: "web", Goal: enum.Start, State: enum.Running, ProcessState: enum.ProcessActive, Pid: 42}

	var got map[string]any
	c.Assert(conn.ReadJSON(&got), IsNil)
	c.Assert(got["name"], Equals, "web")
	c.Assert(got["pid"], Equals, float64(42))
}
