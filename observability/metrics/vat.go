package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type VatMetrics struct {
	dripTotal      *prometheus.CounterVec
	barkTotal      *prometheus.CounterVec
	takeTotal      *prometheus.CounterVec
	redoTotal      *prometheus.CounterVec
	barkRejected   *prometheus.CounterVec
	activeAuctions prometheus.Gauge
	globalDebt     prometheus.Gauge
	surplusBuffer  prometheus.Gauge
	httpDuration   *prometheus.HistogramVec
}

var (
	vatOnce     sync.Once
	vatRegistry *VatMetrics
)

func Vat() *VatMetrics {
	vatOnce.Do(func() {
		vatRegistry = &VatMetrics{
			dripTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vat_drip_total",
				Help: "Count of fee accrual updates applied per collateral class.",
			}, []string{"class"}),
			barkTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vat_bark_total",
				Help: "Count of positions seized into auction per collateral class.",
			}, []string{"class"}),
			takeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vat_take_total",
				Help: "Count of auction purchases per collateral class.",
			}, []string{"class"}),
			redoTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vat_redo_total",
				Help: "Count of stale auctions restarted per collateral class.",
			}, []string{"class"}),
			barkRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vat_bark_rejected_total",
				Help: "Count of rejected seizure attempts by reason.",
			}, []string{"reason"}),
			activeAuctions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vat_active_auctions",
				Help: "Number of auctions currently open.",
			}),
			globalDebt: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vat_global_debt",
				Help: "Total debt issued across all classes, in whole tokens.",
			}),
			surplusBuffer: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vat_surplus_buffer",
				Help: "Accumulated system surplus, in whole tokens.",
			}),
			httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "vat_http_request_duration_seconds",
				Help:    "Latency of HTTP API requests by route and method.",
				Buckets: prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(
			vatRegistry.dripTotal,
			vatRegistry.barkTotal,
			vatRegistry.takeTotal,
			vatRegistry.redoTotal,
			vatRegistry.barkRejected,
			vatRegistry.activeAuctions,
			vatRegistry.globalDebt,
			vatRegistry.surplusBuffer,
			vatRegistry.httpDuration,
		)
	})
	return vatRegistry
}

func (m *VatMetrics) ObserveDrip(class string) {
	if m == nil {
		return
	}
	if class == "" {
		class = "unknown"
	}
	m.dripTotal.WithLabelValues(class).Inc()
}

func (m *VatMetrics) ObserveBark(class string) {
	if m == nil {
		return
	}
	if class == "" {
		class = "unknown"
	}
	m.barkTotal.WithLabelValues(class).Inc()
}

func (m *VatMetrics) ObserveBarkRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.barkRejected.WithLabelValues(reason).Inc()
}

func (m *VatMetrics) ObserveTake(class string) {
	if m == nil {
		return
	}
	if class == "" {
		class = "unknown"
	}
	m.takeTotal.WithLabelValues(class).Inc()
}

func (m *VatMetrics) ObserveRedo(class string) {
	if m == nil {
		return
	}
	if class == "" {
		class = "unknown"
	}
	m.redoTotal.WithLabelValues(class).Inc()
}

func (m *VatMetrics) SetActiveAuctions(count int) {
	if m == nil {
		return
	}
	m.activeAuctions.Set(float64(count))
}

func (m *VatMetrics) SetGlobalDebt(tokens float64) {
	if m == nil {
		return
	}
	m.globalDebt.Set(tokens)
}

func (m *VatMetrics) SetSurplusBuffer(tokens float64) {
	if m == nil {
		return
	}
	m.surplusBuffer.Set(tokens)
}

func (m *VatMetrics) ObserveHTTPRequest(route, method string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.httpDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
