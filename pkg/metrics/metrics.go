// Package metrics 汇总了服务使用的 Prometheus 指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bot.
// 所有方法对 nil 接收者安全，测试中可直接传 nil。
type Metrics struct {
	Commands          *prometheus.CounterVec
	Turns             *prometheus.CounterVec
	AccessDenied      prometheus.Counter
	CompletionLatency prometheus.Histogram
	gatherer          prometheus.Gatherer
}

// NewMetrics 在给定的 registry 上注册指标；reg 为 nil 时使用默认 registry。
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)
	return &Metrics{
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Bot commands received by command name.",
		}, []string{"command"}),
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Dialogue turns by outcome.",
		}, []string{"outcome"}),
		AccessDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_denied_total",
			Help:      "Commands rejected by the allow-list.",
		}),
		CompletionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_latency_seconds",
			Help:      "Latency of completion API calls in seconds.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 15, 30, 60},
		}),
		gatherer: gatherer,
	}
}

func (m *Metrics) IncCommand(command string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command).Inc()
}

func (m *Metrics) IncTurn(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncAccessDenied() {
	if m == nil {
		return
	}
	m.AccessDenied.Inc()
}

func (m *Metrics) ObserveCompletion(d time.Duration) {
	if m == nil {
		return
	}
	m.CompletionLatency.Observe(d.Seconds())
}

// Handler 返回暴露这些指标的 HTTP handler。
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
