package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/noah-isme/toko-cart/internal/resilience"
)

// HTTPPlacer posts the frozen cart to an external order service.
type HTTPPlacer struct {
	URL    string
	Client resilience.HTTPClient
}

func (p HTTPPlacer) Place(ctx context.Context, req Request) (Order, error) {
	if strings.TrimSpace(p.URL) == "" {
		return Order{}, errors.New("checkout: order service url not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Order{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return Order{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := p.Client.Do(ctx, httpReq)
	if err != nil {
		return Order{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Order{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Order{}, fmt.Errorf("order service responded %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out struct {
		Data *Order `json:"data"`
		Order
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return Order{}, fmt.Errorf("decode order response: %w", err)
	}
	if out.Data != nil {
		return *out.Data, nil
	}
	if out.ID == "" {
		return Order{}, errors.New("order service returned no order id")
	}
	return out.Order, nil
}
