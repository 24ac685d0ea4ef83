package cart

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/room4-2/voiceorder/messages"
)

func burger(qty int) *Item {
	return &Item{ID: "7", Name: "Burger", Price: 12.99, Quantity: qty}
}

func TestApplyAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sync := NewSynchronizer(store, zap.NewNop())

	ev := Event{Action: messages.CartAdd, Item: burger(1), CartTotal: 12.99}
	for i := 0; i < 2; i++ {
		summary, err := sync.Apply(ctx, ev)
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if summary != "Added to cart: Burger (1x) | Total: $12.99" {
			t.Fatalf("summary = %q", summary)
		}
	}

	items, _ := store.Items(ctx)
	if len(items) != 1 || items[0].Quantity != 1 {
		t.Fatalf("items = %+v, want one Burger x1", items)
	}
}

func TestApplyUpdateSetsQuantity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sync := NewSynchronizer(store, zap.NewNop())

	if _, err := sync.Apply(ctx, Event{Action: messages.CartAdd, Item: burger(1), CartTotal: 12.99}); err != nil {
		t.Fatal(err)
	}
	summary, err := sync.Apply(ctx, Event{Action: messages.CartUpdate, Item: burger(3), CartTotal: 38.97})
	if err != nil {
		t.Fatalf("Apply update: %v", err)
	}
	if summary != "Updated cart: Burger (3x) | Total: $38.97" {
		t.Fatalf("summary = %q", summary)
	}
	it, err := store.Get(ctx, "7")
	if err != nil || it.Quantity != 3 {
		t.Fatalf("Get = (%+v, %v), want quantity 3", it, err)
	}
	items, _ := store.Items(ctx)
	if got := Total(items); got != 38.97 {
		t.Fatalf("Total = %v, want 38.97", got)
	}
}

func TestApplyRemoveAndClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sync := NewSynchronizer(store, zap.NewNop())

	store.Upsert(ctx, *burger(1))
	store.Upsert(ctx, Item{ID: "8", Name: "Fries", Price: 3.5, Quantity: 2})

	summary, err := sync.Apply(ctx, Event{Action: messages.CartRemove, Item: &Item{ID: "7"}, CartTotal: 7})
	if err != nil {
		t.Fatalf("Apply remove: %v", err)
	}
	if summary != "Removed from cart: Burger | Total: $7.00" {
		t.Fatalf("summary = %q", summary)
	}
	if _, err := store.Get(ctx, "7"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after remove err = %v, want ErrNotFound", err)
	}

	summary, err = sync.Apply(ctx, Event{Action: messages.CartClear})
	if err != nil {
		t.Fatalf("Apply clear: %v", err)
	}
	if summary != "Cart cleared | Total: $0.00" {
		t.Fatalf("summary = %q", summary)
	}
	items, _ := store.Items(ctx)
	if len(items) != 0 {
		t.Fatalf("items after clear = %+v", items)
	}
}

func TestApplyErrors(t *testing.T) {
	sync := NewSynchronizer(NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	if _, err := sync.Apply(ctx, Event{Action: "explode"}); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("err = %v, want ErrUnknownAction", err)
	}
	if _, err := sync.Apply(ctx, Event{Action: messages.CartAdd}); !errors.Is(err, ErrMissingItem) {
		t.Fatalf("err = %v, want ErrMissingItem", err)
	}
}

func TestEventFromMessage(t *testing.T) {
	msg, err := messages.Decode([]byte(`{"type":"cart_updated","action":"add","item":{"menu_item_id":7,"name":"Burger","quantity":1,"unit_price":12.99,"special_instructions":"no onions"},"cart_items":[{"menu_item_id":7,"name":"Burger","quantity":1,"unit_price":12.99}],"cart_total":12.99,"item_count":1}`))
	if err != nil {
		t.Fatal(err)
	}
	ev := EventFromMessage(msg.(*messages.CartUpdated))
	if ev.Item == nil || ev.Item.ID != "7" || ev.Item.Price != 12.99 || ev.Item.SpecialInstructions != "no onions" {
		t.Fatalf("item = %+v", ev.Item)
	}
	if len(ev.ServerItems) != 1 || ev.ItemCount == nil || *ev.ItemCount != 1 {
		t.Fatalf("snapshot = %+v count=%v", ev.ServerItems, ev.ItemCount)
	}
}

func TestMemoryStorePreservesOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		store.Upsert(ctx, Item{ID: id, Quantity: 1})
	}
	store.Upsert(ctx, Item{ID: "a", Quantity: 5})
	store.Remove(ctx, "b")
	store.Remove(ctx, "missing")

	items, _ := store.Items(ctx)
	if len(items) != 2 || items[0].ID != "a" || items[0].Quantity != 5 || items[1].ID != "c" {
		t.Fatalf("items = %+v", items)
	}
	if Count(items) != 6 {
		t.Fatalf("Count = %d, want 6", Count(items))
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		t.Skip("REDIS_URL not set; point it at a disposable Redis to run the live store test")
	}
	ctx := context.Background()
	store, err := NewRedisStore(ctx, RedisOptions{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		CartKey:  "test-" + uuid.NewString(),
		TTL:      time.Minute,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer store.Close()
	defer store.Clear(ctx)

	sync := NewSynchronizer(store, zap.NewNop())
	ev := Event{Action: messages.CartAdd, Item: burger(1), CartTotal: 12.99}
	sync.Apply(ctx, ev)
	sync.Apply(ctx, ev)
	store.Upsert(ctx, Item{ID: "8", Name: "Fries", Price: 3.5, Quantity: 1})
	sync.Apply(ctx, Event{Action: messages.CartUpdate, Item: burger(2), CartTotal: 29.48})

	items, err := store.Items(ctx)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 2 || items[0].ID != "7" || items[0].Quantity != 2 || items[1].ID != "8" {
		t.Fatalf("items = %+v", items)
	}
}

func TestDecodeEntriesOrdersBySequence(t *testing.T) {
	fields := map[string]string{
		"8":   `{"seq":2,"item":{"id":"8","name":"Fries","price":3.5,"quantity":1}}`,
		"7":   `{"seq":1,"item":{"id":"7","name":"Burger","price":12.99,"quantity":2}}`,
		"bad": `{not json`,
		"9":   `{"seq":3,"item":{"id":"9","name":"Shake","price":5,"quantity":1}}`,
	}
	items := decodeEntries(fields, zap.NewNop())
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	for i, want := range []string{"7", "8", "9"} {
		if items[i].ID != want {
			t.Fatalf("items[%d].ID = %q, want %q", i, items[i].ID, want)
		}
	}
	if items[0].Quantity != 2 {
		t.Fatalf("items[0].Quantity = %d, want 2", items[0].Quantity)
	}
}
