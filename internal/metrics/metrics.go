package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricRunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewright",
		Name:      "runs_finished_total",
		Help:      "Agent loop runs by terminal status.",
	}, []string{"status"})
	metricRunSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sitewright",
		Name:      "run_steps",
		Help:      "Steps used per agent loop run.",
		Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20, 25},
	})
	metricToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewright",
		Name:      "tool_calls_total",
		Help:      "Tool calls dispatched, by tool name and outcome.",
	}, []string{"tool", "outcome"})
	metricProviderCalls = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sitewright",
		Name:      "provider_call_seconds",
		Help:      "Latency of model provider calls.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"outcome"})
	metricOrchestratorTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitewright",
		Name:      "orchestrator_turns_total",
		Help:      "Orchestrator responses by mode.",
	}, []string{"mode"})
)

func RecordRun(status string, steps int) {
	metricRunsFinished.WithLabelValues(status).Inc()
	if steps > 0 {
		metricRunSteps.Observe(float64(steps))
	}
}

func RecordToolCall(tool string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	metricToolCalls.WithLabelValues(tool, outcome).Inc()
}

func ObserveProviderCall(started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metricProviderCalls.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

func RecordOrchestratorTurn(mode string) {
	metricOrchestratorTurns.WithLabelValues(mode).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
