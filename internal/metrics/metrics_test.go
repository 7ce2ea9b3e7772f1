package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurriedCounters(t *testing.T) {
	before := testutil.ToFloat64(TraceEventTotal.WithLabelValues(OutcomeDropped))
	EventsDropped.Inc()
	EventsDropped.Inc()
	assert.Equal(t, before+2, testutil.ToFloat64(TraceEventTotal.WithLabelValues(OutcomeDropped)))
}

func TestHandler(t *testing.T) {
	HookInstallTotal.WithLabelValues(ResultTooShort).Inc()
	TraceDrainTotal.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `memhook_hook_installs_total{result="too_short"}`)
	assert.Contains(t, body, "memhook_trace_drains_total")
	assert.Contains(t, body, "go_goroutines")
}
