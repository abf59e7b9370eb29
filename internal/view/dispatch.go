package view

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/toko-cart/internal/cart"
)

// Store is the cart surface the presentation layer drives.
type Store interface {
	Snapshot() cart.Cart
	AddItem(cart.Item) (cart.Cart, error)
	UpdateQuantity(cart.Key, int) (cart.Cart, error)
	RemoveItem(cart.Key) (cart.Cart, error)
	Clear() (cart.Cart, error)
	Subscribe(cart.Listener) func()
}

// Action names a shopper gesture.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionRemove Action = "remove"
	ActionClear  Action = "clear"
)

// Intent is a gesture translated into a cart operation.
type Intent struct {
	Action         Action `json:"action" validate:"required,oneof=add update remove clear"`
	ProductID      string `json:"productId" validate:"max=128"`
	VariantID      string `json:"variantId" validate:"max=128"`
	Name           string `json:"name" validate:"max=256"`
	UnitPriceMinor int64  `json:"unitPriceMinor" validate:"gte=0"`
	CurrencyCode   string `json:"currencyCode" validate:"omitempty,len=3,alpha"`
	Quantity       int    `json:"quantity" validate:"lte=9999"`
	ImageURL       string `json:"imageUrl" validate:"omitempty,url,max=2048"`
	MaxQuantity    int    `json:"maxQuantity" validate:"gte=0,lte=9999"`
}

func (in Intent) key() cart.Key {
	return cart.Key{ProductID: strings.TrimSpace(in.ProductID), VariantID: strings.TrimSpace(in.VariantID)}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Dispatch applies the intent to store and renders the result. A rejected
// mutation returns the unchanged cart's view carrying an inline message
// together with the error.
func Dispatch(store Store, in Intent) (CartView, error) {
	snap, err := apply(store, in)
	v := Render(snap)
	if err != nil {
		v.Message = Message(err)
	}
	return v, err
}

func apply(store Store, in Intent) (cart.Cart, error) {
	if err := validate.Struct(in); err != nil {
		return store.Snapshot(), fmt.Errorf("%s: %w", describe(err), cart.ErrInvalidInput)
	}
	if in.Action != ActionClear && strings.TrimSpace(in.ProductID) == "" {
		return store.Snapshot(), fmt.Errorf("productId is required: %w", cart.ErrInvalidInput)
	}
	switch in.Action {
	case ActionAdd:
		if in.Quantity < 0 {
			return store.Snapshot(), fmt.Errorf("quantity must not be negative: %w", cart.ErrInvalidInput)
		}
		return store.AddItem(cart.Item{
			ProductID:      in.ProductID,
			VariantID:      in.VariantID,
			Name:           strings.TrimSpace(in.Name),
			UnitPriceMinor: in.UnitPriceMinor,
			CurrencyCode:   in.CurrencyCode,
			Quantity:       in.Quantity,
			ImageURL:       in.ImageURL,
			MaxQuantity:    in.MaxQuantity,
		})
	case ActionUpdate:
		return store.UpdateQuantity(in.key(), in.Quantity)
	case ActionRemove:
		return store.RemoveItem(in.key())
	default:
		return store.Clear()
	}
}

// Message is the inline text shown next to a rejected gesture.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, cart.ErrCurrencyMismatch):
		return "Items in your cart must all use the same currency."
	case errors.Is(err, cart.ErrLineNotFound):
		return "That item is no longer in your cart."
	case errors.Is(err, cart.ErrInvalidInput):
		return "Please check the item details and try again."
	default:
		return "Something went wrong. Please try again."
	}
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(fields, "; ")
}
