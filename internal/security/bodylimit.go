package security

import (
	"bytes"
	"io"
	"mime"
	"net/http"

	"github.com/noah-isme/toko-cart/internal/common"
)

// BodyLimit caps request payloads. Cart intents are a few hundred bytes of
// JSON; anything over Max is refused before it reaches the decoder, and with
// RequireJSON so is a non-empty body of another media type.
type BodyLimit struct {
	Max         int64
	RequireJSON bool
}

// Middleware wraps next.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if b.Max > 0 && r.ContentLength > b.Max {
			tooLarge(w, b.Max)
			return
		}

		var buf bytes.Buffer
		src := io.Reader(r.Body)
		if b.Max > 0 {
			src = io.LimitReader(r.Body, b.Max+1)
		}
		if _, err := buf.ReadFrom(src); err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
			return
		}
		_ = r.Body.Close()
		if b.Max > 0 && int64(buf.Len()) > b.Max {
			tooLarge(w, b.Max)
			return
		}
		if b.RequireJSON && buf.Len() > 0 && !isJSON(r.Header.Get("Content-Type")) {
			common.JSONError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "cart requests must be application/json", nil)
			return
		}

		r.Body = io.NopCloser(&buf)
		r.ContentLength = int64(buf.Len())
		next.ServeHTTP(w, r)
	})
}

func tooLarge(w http.ResponseWriter, max int64) {
	common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request entity too large", map[string]any{"maxBytes": max})
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}
