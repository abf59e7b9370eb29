package session

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/view"
)

// CookieConfig describes the long-lived device cookie.
type CookieConfig struct {
	Name     string
	Domain   string
	MaxAge   time.Duration
	Secure   bool
	SameSite http.SameSite
}

// Resolver binds requests to sessions. The device comes from a cookie,
// minted on first visit; the account comes from the request context.
type Resolver struct {
	Manager *Manager
	Cookie  CookieConfig
}

// Resolve implements view.Resolver.
func (r Resolver) Resolve(w http.ResponseWriter, req *http.Request) (view.Session, error) {
	deviceID := r.deviceID(req)
	if deviceID == "" {
		deviceID = uuid.NewString()
		http.SetCookie(w, r.cookie(deviceID))
	}
	accountID, _ := common.UserID(req.Context())
	accountID = strings.TrimSpace(accountID)

	store, err := r.Manager.Open(req.Context(), deviceID, accountID)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return view.Session{}, common.NewAppError("SHUTTING_DOWN", "service is shutting down", http.StatusServiceUnavailable, err)
		}
		return view.Session{}, err
	}
	return view.Session{
		ID:        deviceID,
		AccountID: accountID,
		Store:     store,
		KeepAlive: func() { r.Manager.Touch(deviceID) },
	}, nil
}

func (r Resolver) deviceID(req *http.Request) string {
	c, err := req.Cookie(r.cookieName())
	if err != nil {
		return ""
	}
	id, err := uuid.Parse(c.Value)
	if err != nil {
		return ""
	}
	return id.String()
}

func (r Resolver) cookieName() string {
	if r.Cookie.Name == "" {
		return "toko_device"
	}
	return r.Cookie.Name
}

func (r Resolver) cookie(deviceID string) *http.Cookie {
	maxAge := r.Cookie.MaxAge
	if maxAge <= 0 {
		maxAge = 365 * 24 * time.Hour
	}
	sameSite := r.Cookie.SameSite
	if sameSite == 0 || sameSite == http.SameSiteDefaultMode {
		sameSite = http.SameSiteLaxMode
	}
	return &http.Cookie{
		Name:     r.cookieName(),
		Value:    deviceID,
		Path:     "/",
		Domain:   r.Cookie.Domain,
		MaxAge:   int(maxAge.Seconds()),
		Expires:  time.Now().Add(maxAge),
		Secure:   r.Cookie.Secure,
		HttpOnly: true,
		SameSite: sameSite,
	}
}

// AccountHeader copies the account id an upstream identity proxy placed in
// header onto the request context. The header must only be trusted behind
// that proxy.
func AccountHeader(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-Account-ID"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(header))
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(id) > 128 {
				common.JSONError(w, http.StatusBadRequest, "BAD_ACCOUNT", "account id too long", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(common.WithUserID(r.Context(), id)))
		})
	}
}
