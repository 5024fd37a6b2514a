package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry()
	r.ObserveAssessment("warning")
	r.ObserveAssessment("warning")
	r.ObserveRecommendationWrite("stocking", "created")
	r.ObservePublish("alert.created", errors.New("broker down"))
	r.ObserveBatchRun("ok", 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.Assessments.WithLabelValues("warning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.RecommendationsWritten.WithLabelValues("stocking", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.EventsPublished.WithLabelValues("alert.created", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.BatchRuns.WithLabelValues("ok")))
}

func TestRegistry_NilSafe(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.ObserveAssessment("info")
		r.ObserveRejectedAssessment()
		r.ObserveAlert("critical")
		r.ObserveAlertTransition("dismissed")
		r.ObserveRecommendationWrite("cross_sell", "updated")
		r.ObserveRecommendationTransition("measured")
		r.ObserveBatchRun("error", time.Second)
		r.ObservePublish("x", nil)
	})
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.ObserveAlert("critical")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `insight_alerts_materialized_total{severity="critical"} 1`))
}
