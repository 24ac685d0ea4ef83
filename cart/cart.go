// Package cart holds the shopping cart shared by user edits and
// assistant-driven updates.
package cart

import (
	"context"
	"errors"
	"math"
)

// ErrNotFound is returned when an item is not in the cart.
var ErrNotFound = errors.New("cart: item not found")

// Item is one cart line. ID is the item identity.
type Item struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Price               float64 `json:"price"`
	Quantity            int     `json:"quantity"`
	SpecialInstructions string  `json:"special_instructions,omitempty"`
}

// Subtotal returns price times quantity.
func (i Item) Subtotal() float64 {
	return i.Price * float64(i.Quantity)
}

// Store is a cart state container. Writes are last-write-wins by item ID.
type Store interface {
	// Upsert inserts the item or replaces the line with the same ID. A
	// replaced line keeps its position.
	Upsert(ctx context.Context, item Item) error
	// Remove deletes by ID. Removing a missing item is not an error.
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	// Items returns the lines in insertion order.
	Items(ctx context.Context) ([]Item, error)
	Get(ctx context.Context, id string) (Item, error)
}

// Total recomputes the cart total from its lines, rounded to cents.
func Total(items []Item) float64 {
	var sum float64
	for _, it := range items {
		sum += it.Subtotal()
	}
	return math.Round(sum*100) / 100
}

// Count returns the total quantity across lines.
func Count(items []Item) int {
	n := 0
	for _, it := range items {
		n += it.Quantity
	}
	return n
}
