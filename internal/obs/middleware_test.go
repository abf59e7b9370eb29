package obs_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/obs"
)

func TestHTTPMetricsLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("toko", []float64{1, 10}, registry)
	handler := obs.HTTPObs{Metrics: metrics}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodDelete, "/cart/items/p1", nil)
	req = req.WithContext(obs.WithRoutePattern(req.Context(), "/cart/items/{productID}"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodDelete, "/cart/items/{productID}", "2xx")))
	require.Equal(t, 1, testutil.CollectAndCount(metrics.ReqDur))
	require.Zero(t, testutil.ToFloat64(metrics.InFlight))
}

func TestHTTPMetricsSkipLatencyForStreams(t *testing.T) {
	metrics := obs.NewHTTPMetrics("toko", nil, prometheus.NewRegistry())
	handler := obs.HTTPObs{Metrics: metrics}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/cart/stream", nil)
	req = req.WithContext(obs.WithRoutePattern(req.Context(), "/cart/stream"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "/cart/stream", "2xx")))
	require.Zero(t, testutil.CollectAndCount(metrics.ReqDur))
}

func TestRequestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := obs.RequestLogger{
		Logger:       zerolog.New(&buf),
		DeviceCookie: "toko_device",
		Skip:         []string{"/metrics", "/health/"},
	}
	handler := logger.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/cart/items", nil)
	req.AddCookie(&http.Cookie{Name: "toko_device", Value: "dev-1"})
	req = req.WithContext(common.WithUserID(req.Context(), "acct-7"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "info", line["level"])
	require.Equal(t, "http_request", line["message"])
	require.Equal(t, float64(http.StatusCreated), line["status"])
	require.Equal(t, "dev-1", line["device_id"])
	require.Equal(t, "acct-7", line["account_id"])
	require.Equal(t, float64(11), line["bytes"])

	buf.Reset()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Zero(t, buf.Len())
}

func TestRequestLoggerEscalatesServerErrors(t *testing.T) {
	var buf bytes.Buffer
	handler := obs.RequestLogger{Logger: zerolog.New(&buf)}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/cart/checkout", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "error", line["level"])
	require.NotContains(t, line, "account_id")
}

func TestHTTPMetricsResolveRouteAfterRouting(t *testing.T) {
	metrics := obs.NewHTTPMetrics("toko", nil, prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(obs.HTTPObs{Metrics: metrics}.Middleware)
	r.Patch("/cart/items/{productID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPatch, "/cart/items/p9", nil))

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodPatch, "/cart/items/{productID}", "2xx")))
}

func TestParseBucketsCSV(t *testing.T) {
	require.Nil(t, obs.ParseBucketsCSV(""))
	require.Equal(t, []float64{5, 50, 250}, obs.ParseBucketsCSV("250, 5,abc,-1,50,5"))
}

func TestStatusRecorderKeepsFirstStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	rec := obs.NewStatusRecorder(rr)
	_, _ = rec.Write([]byte("ok"))
	require.Equal(t, http.StatusOK, rec.Status())
	require.Equal(t, int64(2), rec.BytesWritten())

	rec = obs.NewStatusRecorder(httptest.NewRecorder())
	rec.WriteHeader(http.StatusConflict)
	rec.WriteHeader(http.StatusInternalServerError)
	require.Equal(t, http.StatusConflict, rec.Status())
}
