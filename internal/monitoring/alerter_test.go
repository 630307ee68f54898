package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/accident-etl/internal/config"
	"github.com/sells-group/accident-etl/internal/model"
)

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{SkipRateThreshold: 0.25, FailureRateThreshold: 0.5, LookbackWindowHours: 24}
}

func alertTypes(alerts []Alert) []AlertType {
	out := make([]AlertType, len(alerts))
	for i, a := range alerts {
		out[i] = a.Type
	}
	return out
}

func TestEvaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitorConfig())
	run := &model.Run{ID: "r1", Kind: model.RunKindLoad, Status: model.RunStatusComplete,
		Stats: model.RunStats{RowsRead: 1000, Failures: 10}}
	snap := &MetricsSnapshot{RunsComplete: 10, RunsFailed: 1, RunFailRate: 1.0 / 11.0}

	assert.Empty(t, a.Evaluate(run, snap))
	assert.Empty(t, a.Evaluate(nil, nil))
}

func TestEvaluate_RunFailed(t *testing.T) {
	a := NewAlerter(testMonitorConfig())
	run := &model.Run{ID: "r1", Kind: model.RunKindLoad, Status: model.RunStatusFailed, Error: "context canceled"}

	alerts := a.Evaluate(run, nil)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailed, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "context canceled")
}

func TestEvaluate_SkipRate(t *testing.T) {
	a := NewAlerter(testMonitorConfig())

	high := &model.Run{ID: "r1", Status: model.RunStatusComplete, Stats: model.RunStats{RowsRead: 200, Failures: 80}}
	assert.Equal(t, []AlertType{AlertSkipRate}, alertTypes(a.Evaluate(high, nil)))

	small := &model.Run{ID: "r2", Status: model.RunStatusComplete, Stats: model.RunStats{RowsRead: 10, Failures: 9}}
	assert.Empty(t, a.Evaluate(small, nil), "too few rows to judge")
}

func TestEvaluate_FailureRate(t *testing.T) {
	a := NewAlerter(testMonitorConfig())

	snap := &MetricsSnapshot{RunsComplete: 2, RunsFailed: 4, RunFailRate: 4.0 / 6.0, LookbackHours: 24}
	assert.Equal(t, []AlertType{AlertFailureRate}, alertTypes(a.Evaluate(nil, snap)))

	few := &MetricsSnapshot{RunsComplete: 1, RunsFailed: 3, RunFailRate: 0.75}
	assert.Empty(t, a.Evaluate(nil, few), "fewer than five finished runs")
}

func TestSendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.Equal(t, AlertRunFailed, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testMonitorConfig()
	cfg.WebhookURL = srv.URL
	sent := NewAlerter(cfg).SendAlerts(context.Background(), []Alert{{Type: AlertRunFailed}, {Type: AlertRunFailed}})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestSendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testMonitorConfig()
	cfg.WebhookURL = srv.URL
	assert.Zero(t, NewAlerter(cfg).SendAlerts(context.Background(), []Alert{{Type: AlertSkipRate}}))
}

func TestSendAlerts_NoWebhook(t *testing.T) {
	assert.Zero(t, NewAlerter(testMonitorConfig()).SendAlerts(context.Background(), []Alert{{Type: AlertSkipRate}}))
}
