package view

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-cart/internal/cart"
	"github.com/noah-isme/toko-cart/internal/checkout"
	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/obs"
)

// Session is the cart bound to the caller. KeepAlive, when set, marks the
// session as in use so long-lived streams are not reaped.
type Session struct {
	ID        string
	AccountID string
	Store     Store
	KeepAlive func()
}

// Resolver binds a request to its session, creating one when needed.
type Resolver interface {
	Resolve(w http.ResponseWriter, r *http.Request) (Session, error)
}

// Checkouter hands a cart to the order service.
type Checkouter interface {
	Checkout(ctx context.Context, c checkout.Cart, sessionID, accountID string) (checkout.Order, cart.Cart, error)
}

// Handler exposes the cart over HTTP.
type Handler struct {
	Sessions Resolver
	Checkout Checkouter
	Stream   StreamConfig
	Logger   zerolog.Logger
}

// Routes mounts the cart endpoints. Middlewares in mutating wrap every
// state-changing route.
func (h *Handler) Routes(r chi.Router, mutating ...func(http.Handler) http.Handler) {
	r.Route("/cart", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/badge", h.Badge)
		r.Get("/stream", h.StreamEvents)
		r.Group(func(r chi.Router) {
			r.Use(mutating...)
			r.Post("/items", h.AddItem)
			r.Patch("/items/{productID}", h.UpdateItem)
			r.Delete("/items/{productID}", h.RemoveItem)
			r.Delete("/", h.Clear)
			r.Post("/checkout", h.CheckoutCart)
		})
	})
}

// Get renders the current cart.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": Render(sess.Store.Snapshot())})
}

// Badge returns the item count shown on the navbar cart icon.
func (h *Handler) Badge(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	snap := sess.Store.Snapshot()
	common.JSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"itemCount": snap.ItemCount(), "version": snap.Version},
	})
}

// AddItem adds a product to the cart or increments its quantity.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var in Intent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	in.Action = ActionAdd
	h.dispatch(w, sess, in, http.StatusCreated)
}

// UpdateItem sets a line's quantity. Zero removes the line.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var payload struct {
		VariantID *string `json:"variantId"`
		Quantity  *int    `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Quantity == nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "quantity is required", nil)
		return
	}
	in := Intent{
		Action:    ActionUpdate,
		ProductID: chi.URLParam(r, "productID"),
		VariantID: r.URL.Query().Get("variantId"),
		Quantity:  *payload.Quantity,
	}
	if payload.VariantID != nil {
		in.VariantID = *payload.VariantID
	}
	h.dispatch(w, sess, in, http.StatusOK)
}

// RemoveItem deletes a line. Removing a missing line succeeds.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.dispatch(w, sess, Intent{
		Action:    ActionRemove,
		ProductID: chi.URLParam(r, "productID"),
		VariantID: r.URL.Query().Get("variantId"),
	}, http.StatusOK)
}

// Clear empties the cart.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.dispatch(w, sess, Intent{Action: ActionClear}, http.StatusOK)
}

// CheckoutCart places an order for the current cart and clears it on success.
func (h *Handler) CheckoutCart(w http.ResponseWriter, r *http.Request) {
	if h.Checkout == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "CHECKOUT_UNAVAILABLE", "checkout is not configured", nil)
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	order, snap, err := h.Checkout.Checkout(r.Context(), sess.Store, sess.ID, sess.AccountID)
	if err != nil {
		v := Render(snap)
		switch {
		case errors.Is(err, checkout.ErrEmptyCart):
			v.Message = "Your cart is empty."
			common.JSONError(w, http.StatusUnprocessableEntity, "EMPTY_CART", "cart is empty", map[string]any{"cart": v})
		case errors.Is(err, checkout.ErrInProgress):
			v.Message = "Your order is already being placed."
			common.JSONError(w, http.StatusConflict, "CHECKOUT_IN_PROGRESS", "checkout already in progress", map[string]any{"cart": v})
		default:
			v.Message = "We could not place your order. Your cart has been kept."
			common.JSONError(w, http.StatusBadGateway, "CHECKOUT_FAILED", "order could not be placed", map[string]any{"cart": v})
		}
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{
		"data": map[string]any{"order": order, "cart": Render(snap)},
	})
}

func (h *Handler) dispatch(w http.ResponseWriter, sess Session, in Intent, okStatus int) {
	v, err := Dispatch(sess.Store, in)
	if err != nil {
		obs.ObserveCartMutation(string(in.Action), "rejected")
		h.writeError(w, v, err)
		return
	}
	obs.ObserveCartMutation(string(in.Action), "ok")
	common.JSON(w, okStatus, map[string]any{"data": v})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (Session, bool) {
	if h.Sessions == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart sessions not configured", nil)
		return Session{}, false
	}
	sess, err := h.Sessions.Resolve(w, r)
	if err != nil {
		if common.WriteAppError(w, err) {
			return Session{}, false
		}
		h.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("cart_session_resolve_failed")
		common.JSONError(w, http.StatusServiceUnavailable, "SESSION_UNAVAILABLE", "cart session unavailable", nil)
		return Session{}, false
	}
	return sess, true
}

func (h *Handler) writeError(w http.ResponseWriter, v CartView, err error) {
	details := map[string]any{"cart": v}
	switch {
	case errors.Is(err, cart.ErrCurrencyMismatch):
		common.JSONError(w, http.StatusConflict, "CURRENCY_MISMATCH", v.Message, details)
	case errors.Is(err, cart.ErrLineNotFound):
		common.JSONError(w, http.StatusNotFound, "LINE_NOT_FOUND", v.Message, details)
	case errors.Is(err, cart.ErrInvalidInput):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", strings.TrimSuffix(err.Error(), ": "+cart.ErrInvalidInput.Error()), details)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unexpected error", details)
	}
}
