package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gigmarket/orderflow/internal/auth"
	"github.com/gigmarket/orderflow/internal/orders"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func orderEvent(t orders.EventType, orderID string) orders.Event {
	return orders.Event{
		Type:      t,
		OrderID:   orderID,
		BuyerID:   "buyer1",
		SellerID:  "seller1",
		Timestamp: time.Now(),
	}
}

func user(id string) auth.Actor { return auth.Actor{ID: id, Role: auth.RoleUser} }

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_PartiesOnly(t *testing.T) {
	h := testHub()
	ev := orderEvent(orders.EventAccepted, "ord_1")

	if !h.shouldSend(&Client{actor: user("buyer1")}, ev) {
		t.Error("buyer should receive events for own order")
	}
	if !h.shouldSend(&Client{actor: user("seller1")}, ev) {
		t.Error("seller should receive events for own order")
	}
	if h.shouldSend(&Client{actor: user("stranger")}, ev) {
		t.Error("unrelated account should NOT receive the event")
	}
	if !h.shouldSend(&Client{actor: auth.Actor{ID: "ops", Role: auth.RoleAdmin}}, ev) {
		t.Error("admin should receive every event")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{
		actor: user("buyer1"),
		sub:   Subscription{EventTypes: []orders.EventType{orders.EventCompleted, orders.EventRefunded}},
	}

	if !h.shouldSend(client, orderEvent(orders.EventCompleted, "ord_1")) {
		t.Error("should receive completed events")
	}
	if h.shouldSend(client, orderEvent(orders.EventProgress, "ord_1")) {
		t.Error("should NOT receive progress events")
	}
}

func TestShouldSend_OrderFilter(t *testing.T) {
	h := testHub()
	client := &Client{actor: user("seller1"), sub: Subscription{OrderIDs: []string{"ord_2"}}}

	if h.shouldSend(client, orderEvent(orders.EventAccepted, "ord_1")) {
		t.Error("should NOT receive events for other orders")
	}
	if !h.shouldSend(client, orderEvent(orders.EventAccepted, "ord_2")) {
		t.Error("should receive events for subscribed order")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_PublishAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	if err := h.Publish(ctx, orderEvent(orders.EventFunded, "ord_1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_PublishDropsWhenFull(t *testing.T) {
	h := testHub() // Run not started, so nothing drains the queue
	for i := 0; i < cap(h.broadcast)+3; i++ {
		if err := h.Publish(context.Background(), orderEvent(orders.EventProgress, "ord_1")); err != nil {
			t.Fatalf("Publish must never fail: %v", err)
		}
	}
	if got := h.Stats()["droppedEvents"].(int64); got != 3 {
		t.Errorf("Expected 3 dropped events, got %d", got)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{hub: h, send: make(chan []byte, 256), actor: user("buyer1")}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_DeliversOnlyToParties(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	buyer := &Client{hub: h, send: make(chan []byte, 256), actor: user("buyer1")}
	other := &Client{hub: h, send: make(chan []byte, 256), actor: user("someone")}
	h.register <- buyer
	h.register <- other
	time.Sleep(50 * time.Millisecond)

	_ = h.Publish(ctx, orderEvent(orders.EventCompleted, "ord_9"))

	select {
	case msg := <-buyer.send:
		var got orders.Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.OrderID != "ord_9" || got.Type != orders.EventCompleted {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}

	select {
	case <-other.send:
		t.Error("unrelated client should NOT receive the event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHandleWebSocket_RequiresActor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := testHub()
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/orders/stream", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}
