package persist

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK        = "ok"
	resultStale     = "stale"
	resultDropped   = "dropped"
	resultAbandoned = "abandoned"
	resultRetired   = "retired"
	resultMissing   = "missing"
	resultError     = "error"
)

var (
	WritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_persist_writes_total",
		Help: "Cart record writes by scope kind and outcome.",
	}, []string{"scope", "result"})
	LoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_persist_loads_total",
		Help: "Cart record loads by scope kind and outcome.",
	}, []string{"scope", "result"})
)

func init() {
	WritesTotal = mustRegisterCounter(WritesTotal)
	LoadsTotal = mustRegisterCounter(LoadsTotal)
}

func mustRegisterCounter(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
