package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Mutation("event_created", "applied")
	m.Mutation("event_created", "applied")
	m.Delivery("in_app", "ok")
	m.QueueDepth(3)
	m.ApplyDuration(20 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.mutations.WithLabelValues("event_created", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("in_app", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Mutation("x", "y")
		m.DerivedJob("fanout", "ok")
		m.Scanned("task_due_soon")
		m.Occurrences("hit")
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.Scanned("file_deadline")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `teamcal_scanner_mutations_total{kind="file_deadline"} 1`))
}
