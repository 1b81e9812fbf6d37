package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status, Timestamp: time.Now()}
	})
}

func blockingChecker(name string) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		<-ctx.Done()
		return CheckResult{Name: name, Status: StatusHealthy, Timestamp: time.Now()}
	})
}

func TestRegistryAggregatesWorstStatus(t *testing.T) {
	t.Run("all healthy probes report healthy", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register(staticChecker("broker", StatusHealthy))
		reg.Register(staticChecker("queue", StatusHealthy))

		report := reg.Check(context.Background())

		assert.Equal(t, StatusHealthy, report.Status)
		assert.Len(t, report.Checks, 2)
		assert.Contains(t, report.Checks, "broker")
		assert.Contains(t, report.Checks, "queue")
	})

	t.Run("one degraded probe degrades the aggregate", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register(staticChecker("broker", StatusHealthy))
		reg.Register(staticChecker("queue", StatusDegraded))

		assert.Equal(t, StatusDegraded, reg.Check(context.Background()).Status)
	})

	t.Run("one unhealthy probe outweighs degraded", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register(staticChecker("broker", StatusUnhealthy))
		reg.Register(staticChecker("queue", StatusDegraded))
		reg.Register(staticChecker("runtime", StatusHealthy))

		assert.Equal(t, StatusUnhealthy, reg.Check(context.Background()).Status)
	})

	t.Run("empty registry is healthy", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewRegistry().Check(context.Background()).Status)
	})
}

func TestRegistryUnregister(t *testing.T) {
	reg := NewRegistry()
	reg.Register(staticChecker("broker", StatusHealthy))
	reg.Register(staticChecker("flaky", StatusUnhealthy))
	require.Equal(t, StatusUnhealthy, reg.Check(context.Background()).Status)

	reg.Unregister("flaky")

	report := reg.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.NotContains(t, report.Checks, "flaky")
}

func TestRegistryMetadata(t *testing.T) {
	reg := NewRegistry()
	reg.SetMetadata("service", "consumer")
	reg.Register(staticChecker("broker", StatusHealthy))

	report := reg.Check(context.Background())

	assert.Equal(t, "consumer", report.Metadata["service"])
}

func TestRegistryReportsStragglersAsUnhealthy(t *testing.T) {
	reg := NewRegistry()
	reg.Register(staticChecker("broker", StatusHealthy))
	reg.Register(blockingChecker("stuck"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report := reg.Check(ctx)

	assert.Equal(t, StatusUnhealthy, report.Status)
	require.Contains(t, report.Checks, "stuck")
	assert.Equal(t, StatusUnhealthy, report.Checks["stuck"].Status)
	assert.Equal(t, "check timed out", report.Checks["stuck"].Message)
}

func TestHandlerStatusCodes(t *testing.T) {
	t.Run("healthy answers 200 with the full report", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register(staticChecker("broker", StatusHealthy))
		handler := NewHandler(reg, time.Second)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var report OverallHealth
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Contains(t, report.Checks, "broker")
	})

	t.Run("degraded still answers 200", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register(staticChecker("queue", StatusDegraded))
		handler := NewHandler(reg, time.Second)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unhealthy answers 503", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register(staticChecker("broker", StatusUnhealthy))
		handler := NewHandler(reg, time.Second)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("non-GET answers 405", func(t *testing.T) {
		handler := NewHandler(NewRegistry(), time.Second)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestReadinessHandler(t *testing.T) {
	t.Run("ready while nothing is unhealthy", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register(staticChecker("queue", StatusDegraded))

		rec := httptest.NewRecorder()
		ReadinessHandler(reg)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", rec.Body.String())
	})

	t.Run("not ready once a probe is unhealthy", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register(staticChecker("broker", StatusUnhealthy))

		rec := httptest.NewRecorder()
		ReadinessHandler(reg)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "not ready", rec.Body.String())
	})
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", rec.Body.String())
}
