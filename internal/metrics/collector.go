package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// 代理结果标签
const (
	OutcomeCompleted = "completed"
	OutcomeUpstream  = "upstream_error"
	OutcomeStatus    = "http_status"
	OutcomeModify    = "modify_error"
	OutcomeTimeout   = "timeout"
	OutcomeCanceled  = "canceled"
	OutcomeChannel   = "channel_error"
)

// Collector 代理请求的 Prometheus 指标
type Collector struct {
	Requests *prometheus.CounterVec
	Duration prometheus.Histogram
	InFlight prometheus.Gauge
	Routes   *prometheus.CounterVec
}

// NewCollector 创建并注册指标，reg 为 nil 时不注册；重复注册时复用已有指标
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modulant",
			Name:      "proxy_requests_total",
			Help:      "Proxied requests by outcome.",
		}, []string{"outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "modulant",
			Name:      "proxy_request_duration_seconds",
			Help:      "Duration of completed proxied requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modulant",
			Name:      "proxy_requests_in_flight",
			Help:      "Proxied requests awaiting a response.",
		}),
		Routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modulant",
			Name:      "intercepted_total",
			Help:      "Intercepted calls by decision.",
		}, []string{"decision"}),
	}
	if reg != nil {
		c.Requests = register(reg, c.Requests)
		c.Duration = register(reg, c.Duration)
		c.InFlight = register(reg, c.InFlight)
		c.Routes = register(reg, c.Routes)
	}
	return c
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// Observe 记录一次代理请求结果
func (c *Collector) Observe(outcome string, d time.Duration) {
	c.Requests.WithLabelValues(outcome).Inc()
	if outcome == OutcomeCompleted {
		c.Duration.Observe(d.Seconds())
	}
}
