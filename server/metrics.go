package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the runner backend's Prometheus collectors.
// Each Metrics has its own registry so that several servers can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	Connections       prometheus.Gauge
	Containers        prometheus.Gauge
	ContainersCreated prometheus.Counter
	Executions        *prometheus.CounterVec
	ExecDuration      prometheus.Histogram
	UploadedBytes     prometheus.Counter
	ServerErrors      prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "coderunner_connections",
			Help: "Number of open client connections",
		}),
		Containers: f.NewGauge(prometheus.GaugeOpts{
			Name: "coderunner_containers",
			Help: "Number of containers currently owned by client connections",
		}),
		ContainersCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "coderunner_containers_created_total",
			Help: "Total containers created",
		}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coderunner_executions_total",
			Help: "Total executions by result",
		}, []string{"result"}),
		ExecDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "coderunner_exec_duration_seconds",
			Help:    "Wall time of finished executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		UploadedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "coderunner_uploaded_bytes_total",
			Help: "Total bytes of uploaded files",
		}),
		ServerErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "coderunner_server_errors_total",
			Help: "Total ServerError packets sent to clients",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
