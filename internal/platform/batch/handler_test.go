package batch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ils/insight/internal/platform/db"
)

func batchRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batch-runs", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req.WithContext(db.WithTenant(context.Background(), "lab_a"))
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected *echo.HTTPError, got %T", err)
	return he.Code
}

func TestTriggerRun(t *testing.T) {
	r := NewRunner(&fakeAggregator{}, &fakeSynth{candidates: twoCandidates()}, zerolog.Nop())
	h := NewHandler(r, 12)
	fixed := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }
	e := echo.New()

	rec := httptest.NewRecorder()
	require.NoError(t, h.TriggerRun(e.NewContext(batchRequest(`{"window_months":3}`), rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	var sum RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 2, sum.Created)
	assert.Equal(t, fixed.AddDate(0, -3, 0), sum.WindowStart)

	rec = httptest.NewRecorder()
	require.NoError(t, h.TriggerRun(e.NewContext(batchRequest(""), rec)))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, fixed.AddDate(0, -12, 0), sum.WindowStart)
}

func TestTriggerRun_Validation(t *testing.T) {
	h := NewHandler(NewRunner(&fakeAggregator{}, &fakeSynth{}, zerolog.Nop()), 12)
	e := echo.New()

	err := h.TriggerRun(e.NewContext(batchRequest(`{"window_months":100}`), httptest.NewRecorder()))
	assert.Equal(t, http.StatusBadRequest, httpCode(t, err))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batch-runs", nil)
	err = h.TriggerRun(e.NewContext(req, httptest.NewRecorder()))
	assert.Equal(t, http.StatusBadRequest, httpCode(t, err))
}

func TestTriggerRun_ConflictWhileRunning(t *testing.T) {
	agg := &fakeAggregator{entered: make(chan struct{}, 1), block: make(chan struct{})}
	r := NewRunner(agg, &fakeSynth{}, zerolog.Nop())
	h := NewHandler(r, 12)
	e := echo.New()

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), "lab_a", testWindow)
		done <- err
	}()
	<-agg.entered

	err := h.TriggerRun(e.NewContext(batchRequest(`{}`), httptest.NewRecorder()))
	assert.Equal(t, http.StatusConflict, httpCode(t, err))

	close(agg.block)
	require.NoError(t, <-done)
}
