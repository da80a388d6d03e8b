// Package metrics exports subscription activity to Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eclipse-ditto/ditto-sub092/reconcile"
	"github.com/eclipse-ditto/ditto-sub092/subscriptions"
)

// Prometheus implements subscriptions.Metrics.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	active     prometheus.Gauge
	started    prometheus.Counter
	ended      *prometheus.CounterVec
	pages      prometheus.Counter
	items      prometheus.Counter
	itemsPage  prometheus.Histogram
	resumes    *prometheus.CounterVec
	outOfSync  prometheus.Counter
	reconciled *prometheus.GaugeVec
}

var _ subscriptions.Metrics = (*Prometheus)(nil)

// NewPrometheus creates a collector registered on reg, or on
// prometheus.DefaultRegisterer when reg is nil. Namespace defaults to
// "twinsearch".
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "twinsearch"
	}
	p := &Prometheus{reg: reg, namespace: namespace}
	p.ensureRegistered()
	return p
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		p.active = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "subscriptions",
			Name:      "active",
			Help:      "Number of running subscriptions.",
		})
		p.started = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "subscriptions",
			Name:      "started_total",
			Help:      "Total subscriptions started.",
		})
		p.ended = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "subscriptions",
			Name:      "ended_total",
			Help:      "Total subscriptions ended by final state (completed,failed,cancelled).",
		}, []string{"state"})
		p.pages = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "subscriptions",
			Name:      "pages_total",
			Help:      "Total pages delivered.",
		})
		p.items = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "subscriptions",
			Name:      "items_total",
			Help:      "Total items delivered.",
		})
		p.itemsPage = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "subscriptions",
			Name:      "page_items",
			Help:      "Items per delivered page.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8), // 1 .. 128
		})
		p.resumes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "assembler",
			Name:      "resumptions_total",
			Help:      "Total id stream resumptions by result (ok,fail).",
		}, []string{"result"})
		p.outOfSync = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "assembler",
			Name:      "out_of_sync_total",
			Help:      "Total ids dropped because the twin store could not deliver them.",
		})
		p.reconciled = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "reconcile",
			Name:      "reports",
			Help:      "Out-of-sync reports by outcome (delivered,dropped,failed).",
		}, []string{"outcome"})

		p.reg.MustRegister(p.active, p.started, p.ended, p.pages, p.items, p.itemsPage,
			p.resumes, p.outOfSync, p.reconciled)
	})
}

func (p *Prometheus) SessionStarted() {
	p.started.Inc()
	p.active.Inc()
}

func (p *Prometheus) SessionEnded(final subscriptions.State) {
	p.active.Dec()
	p.ended.WithLabelValues(final.String()).Inc()
}

func (p *Prometheus) PageDelivered(items int) {
	p.pages.Inc()
	p.items.Add(float64(items))
	p.itemsPage.Observe(float64(items))
}

func (p *Prometheus) ObserveResume(ok bool) {
	result := "ok"
	if !ok {
		result = "fail"
	}
	p.resumes.WithLabelValues(result).Inc()
}

func (p *Prometheus) ObserveOutOfSync(n int) {
	p.outOfSync.Add(float64(n))
}

// ObserveReconcile publishes a dispatcher's counters.
func (p *Prometheus) ObserveReconcile(s reconcile.Stats) {
	p.reconciled.WithLabelValues("delivered").Set(float64(s.Delivered))
	p.reconciled.WithLabelValues("dropped").Set(float64(s.Dropped))
	p.reconciled.WithLabelValues("failed").Set(float64(s.Failed))
}
