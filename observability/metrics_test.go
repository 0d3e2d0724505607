package observability_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scraperctl/scraperctl/observability"
)

func TestDiagnosticsMux_HealthzAlwaysOK(t *testing.T) {
	m := observability.New()
	srv := httptest.NewServer(m.DiagnosticsMux(nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDiagnosticsMux_ReadyzReflectsDrainedCallback(t *testing.T) {
	m := observability.New()
	drained := false
	srv := httptest.NewServer(m.DiagnosticsMux(func() bool { return drained }))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"draining"}`, string(body))

	drained = true
	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"drained"}`, string(body))
}

func TestDiagnosticsMux_MetricsServesPrometheusFormat(t *testing.T) {
	m := observability.New()
	m.ObserveRetryAttempt("constant")
	srv := httptest.NewServer(m.DiagnosticsMux(nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestObserveDispatch_RecordsLatencyAndOutcome(t *testing.T) {
	m := observability.New()
	require.NotPanics(t, func() {
		m.ObserveDispatch("GET", 200, false, 15*time.Millisecond)
		m.ObserveDispatch("GET", 0, true, 15*time.Millisecond)
	})
}
