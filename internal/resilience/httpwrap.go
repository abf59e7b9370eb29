package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUpstreamStatus is returned when the upstream keeps answering with a 5xx.
var ErrUpstreamStatus = errors.New("resilience: upstream error status")

// HTTPClient wraps an http.Client with retry, timeout and circuit-breaker logic.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
	Fallback    func(context.Context, *http.Request, error) (*http.Response, error)
}

// Do executes the request applying retry semantics. The request body is
// buffered so it can be replayed. 5xx responses and transport errors are
// retried; anything below 500 is returned to the caller as-is.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	body, err := replayableBody(req)
	if err != nil {
		return nil, err
	}
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	retrier := Retrier{
		Breaker:     cl.Breaker,
		MaxAttempts: cl.MaxAttempts,
		BaseBackoff: cl.BaseBackoff,
		Jitter:      cl.Jitter,
	}

	var resp *http.Response
	_, err = retrier.Do(ctx, func(ctx context.Context) error {
		attempt := cloneRequest(ctx, req, body)
		r, err := cl.doOnce(ctx, attempt, timeout)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, r.Body)
			_ = r.Body.Close()
			return fmt.Errorf("%s: %w", r.Status, ErrUpstreamStatus)
		}
		resp = r
		return nil
	})
	if err != nil {
		if cl.Fallback != nil {
			return cl.Fallback(ctx, req, err)
		}
		return nil, err
	}
	return resp, nil
}

// doOnce bounds a single attempt. The body is read fully before the attempt's
// context is cancelled so callers can consume it afterwards.
func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request, timeout time.Duration) (*http.Response, error) {
	if timeout <= 0 {
		return cl.Client.Do(req)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := cl.Client.Do(req.WithContext(callCtx))
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

func replayableBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	src := req.Body
	if req.GetBody != nil {
		b, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		src = b
	}
	defer func() { _ = src.Close() }()
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func cloneRequest(ctx context.Context, req *http.Request, body []byte) *http.Request {
	clone := req.Clone(ctx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		clone.ContentLength = int64(len(body))
	}
	return clone
}
