package cart

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/room4-2/voiceorder/messages"
)

var (
	// ErrUnknownAction is returned for a cart event with an unrecognised action.
	ErrUnknownAction = errors.New("cart: unknown action")
	// ErrMissingItem is returned when an add, update or remove event has no item id.
	ErrMissingItem = errors.New("cart: event has no item")
)

// Event is a server-originated cart mutation.
type Event struct {
	Action    string
	Item      *Item
	CartTotal float64
	// ServerItems is the backend's view of the cart after the mutation,
	// nil when the event did not carry one.
	ServerItems []Item
	// ItemCount is the backend's line count, nil when absent.
	ItemCount *int
}

// EventFromMessage converts a cart_updated frame.
func EventFromMessage(m *messages.CartUpdated) Event {
	ev := Event{
		Action:    m.Action,
		CartTotal: m.CartTotal,
		ItemCount: m.ItemCount,
	}
	if m.Item != nil {
		it := itemFromWire(m.Item)
		ev.Item = &it
	}
	if m.CartItems != nil {
		ev.ServerItems = make([]Item, len(m.CartItems))
		for i := range m.CartItems {
			ev.ServerItems[i] = itemFromWire(&m.CartItems[i])
		}
	}
	return ev
}

func itemFromWire(w *messages.CartItem) Item {
	return Item{
		ID:                  w.ItemID(),
		Name:                w.Name,
		Price:               w.ItemPrice(),
		Quantity:            w.Quantity,
		SpecialInstructions: w.SpecialInstructions,
	}
}

// Synchronizer applies server cart events to a Store.
type Synchronizer struct {
	store  Store
	logger *zap.Logger
}

// NewSynchronizer creates a synchronizer writing to store.
func NewSynchronizer(store Store, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{store: store, logger: logger}
}

// Apply mutates the cart and returns the line to show in the conversation
// log. add and update set the item's quantity to the event's value, so
// replaying an event leaves the cart unchanged.
func (s *Synchronizer) Apply(ctx context.Context, ev Event) (string, error) {
	var summary string

	switch ev.Action {
	case messages.CartAdd, messages.CartUpdate:
		if ev.Item == nil || ev.Item.ID == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingItem, ev.Action)
		}
		item := *ev.Item
		if item.Price == 0 {
			if prev, err := s.store.Get(ctx, item.ID); err == nil {
				item.Price = prev.Price
			}
		}
		if err := s.store.Upsert(ctx, item); err != nil {
			return "", err
		}
		verb := "Added to cart"
		if ev.Action == messages.CartUpdate {
			verb = "Updated cart"
		}
		summary = fmt.Sprintf("%s: %s (%dx)", verb, item.Name, item.Quantity)

	case messages.CartRemove:
		if ev.Item == nil || ev.Item.ID == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingItem, ev.Action)
		}
		name := ev.Item.Name
		if name == "" {
			if prev, err := s.store.Get(ctx, ev.Item.ID); err == nil {
				name = prev.Name
			}
		}
		if err := s.store.Remove(ctx, ev.Item.ID); err != nil {
			return "", err
		}
		summary = "Removed from cart: " + name

	case messages.CartClear:
		if err := s.store.Clear(ctx); err != nil {
			return "", err
		}
		summary = "Cart cleared"

	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, ev.Action)
	}

	s.checkDrift(ctx, ev)
	return fmt.Sprintf("%s | Total: $%.2f", summary, ev.CartTotal), nil
}

// checkDrift logs when the backend's view disagrees with the local cart.
// The local cart stays authoritative.
func (s *Synchronizer) checkDrift(ctx context.Context, ev Event) {
	items, err := s.store.Items(ctx)
	if err != nil {
		s.logger.Warn("Cannot read cart for drift check", zap.Error(err))
		return
	}

	local := Total(items)
	if math.Abs(local-ev.CartTotal) >= 0.005 {
		s.logger.Warn("Cart total differs from server",
			zap.Float64("local", local),
			zap.Float64("server", ev.CartTotal))
	}
	if ev.ItemCount != nil && *ev.ItemCount != len(items) {
		s.logger.Warn("Cart line count differs from server",
			zap.Int("local", len(items)),
			zap.Int("server", *ev.ItemCount))
	}
	if ev.ServerItems != nil && len(ev.ServerItems) != len(items) {
		s.logger.Debug("Server cart snapshot differs", zap.Int("serverLines", len(ev.ServerItems)))
	}
}
