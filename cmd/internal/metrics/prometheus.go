package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wamux"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	transitions     *prom.CounterVec
	reconnects      prom.Counter
	connectDuration *prom.HistogramVec
	liveSessions    prom.Gauge
	lockResults     *prom.CounterVec
	writeFailures   *prom.CounterVec
	sendResults     *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the metrics on reg.
// A nil reg gets a fresh registry; Go runtime and process collectors are added to it.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		transitions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state machine transitions",
		}, []string{"from", "to"}),
		reconnects: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "session_reconnects_total",
			Help:      "Scheduled reconnect attempts after transient closes",
		}),
		connectDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "session_connect_duration_seconds",
			Help:      "Time from claim to open or failure",
			Buckets:   prom.DefBuckets,
		}, []string{"result"}),
		liveSessions: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Sessions with a live handle in this process",
		}),
		lockResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "lock_results_total",
			Help:      "Lock operations by outcome",
		}, []string{"op", "result"}),
		writeFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "authstate_write_failures_total",
			Help:      "Failed credential and key writes",
		}, []string{"kind"}),
		sendResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound message sends by outcome",
		}, []string{"result"}),
	}
	reg.MustRegister(
		pr.transitions, pr.reconnects, pr.connectDuration, pr.liveSessions,
		pr.lockResults, pr.writeFailures, pr.sendResults,
	)
	return pr
}

// RegisterRuntimeCollectors adds the Go and process collectors to reg.
func RegisterRuntimeCollectors(reg *prom.Registry) {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// HTTPHandler returns an http.Handler that serves the metrics of reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *PrometheusRecorder) IncTransition(from, to string) {
	if p == nil {
		return
	}
	p.transitions.WithLabelValues(from, to).Inc()
}

func (p *PrometheusRecorder) IncReconnect() {
	if p == nil {
		return
	}
	p.reconnects.Inc()
}

func (p *PrometheusRecorder) ObserveConnectDuration(d time.Duration, result string) {
	if p == nil {
		return
	}
	p.connectDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetLiveSessions(n int) {
	if p == nil {
		return
	}
	p.liveSessions.Set(float64(n))
}

func (p *PrometheusRecorder) IncLockResult(op, result string) {
	if p == nil {
		return
	}
	p.lockResults.WithLabelValues(op, result).Inc()
}

func (p *PrometheusRecorder) IncStoreWriteFailure(kind string) {
	if p == nil {
		return
	}
	p.writeFailures.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) IncSendResult(result string) {
	if p == nil {
		return
	}
	p.sendResults.WithLabelValues(result).Inc()
}
