package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/resilience"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips the readiness flag; shutdown sets it to false so load
// balancers drain the instance before the listener closes.
func SetReady(v bool) { ready.Store(v) }

// Probe checks one dependency. A failing critical probe fails readiness;
// any other failure only marks the instance degraded.
type Probe struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Check    func(ctx context.Context) error
}

// Report is the readiness body.
type Report struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// Handler exposes liveness and readiness endpoints.
type Handler struct {
	Probes []Probe
	// Carts keep working in memory while a breaker is open, so breakers are
	// reported but never fail readiness.
	Breakers map[string]*resilience.Breaker
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe concurrently and answers 503 while draining or when
// a critical probe fails.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	report, code := h.Check(r.Context())
	common.JSON(w, code, report)
}

// Check runs the probes and returns the report with its HTTP status.
func (h Handler) Check(ctx context.Context) (Report, int) {
	report := Report{Status: "ok", Checks: make(map[string]string, len(h.Probes))}
	code := http.StatusOK

	var (
		mu       sync.Mutex
		degraded bool
		failed   bool
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range h.Probes {
		p := p
		g.Go(func() error {
			result := "ok"
			if err := p.run(gctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			report.Checks[p.Name] = result
			if result != "ok" {
				if p.Critical {
					failed = true
				} else {
					degraded = true
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for name, b := range h.Breakers {
		if b == nil {
			continue
		}
		if report.Breakers == nil {
			report.Breakers = make(map[string]string, len(h.Breakers))
		}
		state := b.State()
		report.Breakers[name] = state.String()
		if state != resilience.Closed {
			degraded = true
		}
	}

	switch {
	case !ready.Load():
		report.Status = "draining"
		code = http.StatusServiceUnavailable
	case failed:
		report.Status = "unavailable"
		code = http.StatusServiceUnavailable
	case degraded:
		report.Status = "degraded"
	}
	return report, code
}

func (p Probe) run(ctx context.Context) error {
	if p.Check == nil {
		return nil
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Check(ctx)
}
