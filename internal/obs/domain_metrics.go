package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CartMutationsTotal counts cart operations by kind and outcome.
	CartMutationsTotal *prometheus.CounterVec
	// CartSessionsActive reports the number of live cart sessions.
	CartSessionsActive prometheus.Gauge
	// CartSessionsReaped counts sessions closed for inactivity.
	CartSessionsReaped prometheus.Counter
	// CheckoutTotal counts checkout attempts by outcome.
	CheckoutTotal *prometheus.CounterVec
	// CheckoutLatency records order placement latency in milliseconds.
	CheckoutLatency *prometheus.HistogramVec
	// CartEventsTotal counts cart change events by type and outcome.
	CartEventsTotal *prometheus.CounterVec
	// CartsAbandoned reports non-empty carts idle past the abandonment window.
	CartsAbandoned prometheus.Gauge
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CartMutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_mutations_total",
			Help:      "Count of cart mutations by operation and outcome.",
		}, []string{"op", "result"})
		CartSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cart_sessions_active",
			Help:      "Number of cart sessions held in memory.",
		})
		CartSessionsReaped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_sessions_reaped_total",
			Help:      "Number of cart sessions closed after sitting idle.",
		})
		CheckoutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_total",
			Help:      "Count of checkout attempts by outcome.",
		}, []string{"result"})
		CheckoutLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkout_duration_ms",
			Help:      "Latency for order placement in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"result"})
		CartEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_events_total",
			Help:      "Count of cart change events by type and outcome.",
		}, []string{"type", "result"})
		CartsAbandoned = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "carts_abandoned",
			Help:      "Non-empty carts idle past the abandonment window at the last sweep.",
		})

		CartMutationsTotal = reuse(reg, CartMutationsTotal)
		CartSessionsActive = reuse(reg, CartSessionsActive)
		CartSessionsReaped = reuse(reg, CartSessionsReaped)
		CheckoutTotal = reuse(reg, CheckoutTotal)
		CheckoutLatency = reuse(reg, CheckoutLatency)
		CartEventsTotal = reuse(reg, CartEventsTotal)
		CartsAbandoned = reuse(reg, CartsAbandoned)
	})
}

// ObserveCartMutation increments CartMutationsTotal when domain metrics are registered.
func ObserveCartMutation(op, result string) {
	if CartMutationsTotal != nil {
		CartMutationsTotal.WithLabelValues(op, result).Inc()
	}
}

// ObserveCheckout records a checkout outcome and its latency in milliseconds.
func ObserveCheckout(result string, millis float64) {
	if CheckoutTotal != nil {
		CheckoutTotal.WithLabelValues(result).Inc()
	}
	if CheckoutLatency != nil {
		CheckoutLatency.WithLabelValues(result).Observe(millis)
	}
}

// ObserveCartEvent increments CartEventsTotal when domain metrics are registered.
func ObserveCartEvent(eventType, result string) {
	if CartEventsTotal != nil {
		CartEventsTotal.WithLabelValues(eventType, result).Inc()
	}
}

// SetCartsAbandoned records the size of the last abandonment sweep.
func SetCartsAbandoned(n int) {
	if CartsAbandoned != nil {
		CartsAbandoned.Set(float64(n))
	}
}
