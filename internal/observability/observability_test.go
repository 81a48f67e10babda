package observability_test

import (
	"SpotEngine/internal/observability"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type haltFlag bool

func (h *haltFlag) Halted() bool { return bool(*h) }

func readiness(t *testing.T, h *observability.HealthChecker) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body["status"]
}

func TestReadiness(t *testing.T) {
	var halted haltFlag
	h := observability.NewHealthChecker(&halted)

	code, status := readiness(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", status)

	h.SetReady(true)
	code, status = readiness(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", status)
	assert.True(t, h.IsReady())

	halted = true
	code, status = readiness(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "halted", status)
	assert.False(t, h.IsReady())
}

func TestLiveness(t *testing.T) {
	h := observability.NewHealthChecker(nil)
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewLoggerTo(&buf, "sequencer", zerolog.InfoLevel)
	log.Debug().Msg("hidden")
	log.Info().Int64("seq", 7).Msg("applied")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sequencer", entry["component"])
	assert.Equal(t, float64(7), entry["seq"])
	assert.Equal(t, "applied", entry["message"])
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, observability.ParseLogLevel("DEBUG"))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel("bogus"))
}

func TestMetrics_RegisterOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	m.SetChannelMetrics("persist", 25, 100)
	assert.Equal(t, 0.25, testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")))

	// A second registry accepts the same metric names.
	assert.NotPanics(t, func() { observability.NewMetrics(prometheus.NewRegistry()) })
}
