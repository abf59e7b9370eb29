package view

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/noah-isme/toko-cart/internal/cart"
	"github.com/noah-isme/toko-cart/internal/common"
)

// StreamConfig tunes the server-sent event feed.
type StreamConfig struct {
	Heartbeat time.Duration
	Buffer    int
	// Done ends every open stream when closed.
	Done <-chan struct{}
}

// StreamEvents pushes one "cart" event per committed snapshot, starting with
// the current one. Slow clients skip intermediate versions; the newest
// snapshot is always delivered.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported", nil)
		return
	}
	heartbeat := h.Stream.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	size := h.Stream.Buffer
	if size <= 0 {
		size = 8
	}

	updates := make(chan cart.Cart, size)
	unsubscribe := sess.Store.Subscribe(func(c cart.Cart) {
		for {
			select {
			case updates <- c:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	last := sess.Store.Snapshot()
	if err := writeEvent(w, last); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.Stream.Done:
			return
		case c := <-updates:
			if c.Version <= last.Version {
				continue
			}
			last = c
			if err := writeEvent(w, c); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if sess.KeepAlive != nil {
				sess.KeepAlive()
			}
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, c cart.Cart) error {
	data, err := json.Marshal(Render(c))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: cart\ndata: %s\n\n", c.Version, data)
	return err
}
