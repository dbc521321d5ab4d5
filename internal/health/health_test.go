package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterChecker_HealthyUnderThreshold(t *testing.T) {
	checker := NewDeadLetterChecker(func(_ context.Context) (int64, error) {
		return 5, nil
	}, 1000, time.Second)

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Empty(t, result.Error)
}

func TestDeadLetterChecker_DegradedOverThreshold(t *testing.T) {
	checker := NewDeadLetterChecker(func(_ context.Context) (int64, error) {
		return 1001, nil
	}, 1000, time.Second)

	result := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Contains(t, result.Error, "1001")
}

func TestDeadLetterChecker_DegradedOnCountFailure(t *testing.T) {
	checker := NewDeadLetterChecker(func(_ context.Context) (int64, error) {
		return 0, errors.New("db gone")
	}, 1000, time.Second)

	result := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, "db gone", result.Error)
}

func TestReadinessHandler_DegradedStillReady(t *testing.T) {
	h := NewHandler()
	h.AddChecker(NewDeadLetterChecker(func(_ context.Context) (int64, error) {
		return 2000, nil
	}, 1000, time.Second))

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusOK, rec.Code, "a deep backlog degrades but does not fail readiness")

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, StatusDegraded, resp.Checks["dead_letter_backlog"].Status)
}

func TestReadinessHandler_UnhealthyCheckerFailsReadiness(t *testing.T) {
	h := NewHandler()
	h.AddChecker(NewPingChecker("upstream", func(_ context.Context) error {
		return errors.New("unreachable")
	}, time.Second))

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
