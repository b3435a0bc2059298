package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/vigilinit/vigild/internal/enum"
	"github.com/vigilinit/vigild/internal/metrics"
)

func Test(t *testing.T) { TestingT(t) }

type MetricsSuite struct{}

var _ = Suite(&MetricsSuite{})

func (s *MetricsSuite) scrape(c *C, m *metrics.Metrics) string {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	c.Assert(rec.Code, Equals, http.StatusOK)
	return rec.Body.String()
}

func (s *MetricsSuite) TestObserveTransitionAppearsInScrape(c *C) {
	m := metrics.New()
	m.ObserveTransition("web", enum.Running)
	m.ObserveTransition("web", enum.Running)

	body := s.scrape(c, m)
	c.Assert(strings.Contains(body, `vigild_job_transitions_total{job="web",state="running"} 2`), Equals, true)
}

func (s *MetricsSuite) TestObserveRespawnAppearsInScrape(c *C) {
	m := metrics.New()
	m.ObserveRespawn("flaky")

	body := s.scrape(c, m)
	c.Assert(strings.Contains(body, `vigild_job_respawns_total{job="flaky"} 1`), Equals, true)
}

func (s *MetricsSuite) TestSetStateCountsCoversEveryState(c *C) {
	m := metrics.New()
	m.SetStateCounts(map[enum.State]int{
		enum.Waiting: 3,
		enum.Running: 2,
	})

	body := s.scrape(c, m)
	c.Assert(strings.Contains(body, `vigild_jobs_in_state{state="waiting"} 3`), Equals, true)
	c.Assert(strings.Contains(body, `vigild_jobs_in_state{state="running"} 2`), Equals, true)
	c.Assert(strings.Contains(body, `vigild_jobs_in_state{state="deleted"} 0`), Equals, true)
}
