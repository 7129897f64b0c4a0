package lowstock

import (
	"context"
	"testing"
	"time"

	"vetstock/backend/internal/domain"
)

type memoryAlertCache struct {
	entries map[string]*domain.LowStockAlert
	ttls    map[string]time.Duration
}

func newMemoryAlertCache() *memoryAlertCache {
	return &memoryAlertCache{
		entries: map[string]*domain.LowStockAlert{},
		ttls:    map[string]time.Duration{},
	}
}

func (c *memoryAlertCache) Get(_ context.Context, key string) (*domain.LowStockAlert, bool, error) {
	alert, ok := c.entries[key]
	return alert, ok, nil
}

func (c *memoryAlertCache) Set(_ context.Context, key string, value *domain.LowStockAlert, ttl time.Duration) error {
	c.entries[key] = value
	c.ttls[key] = ttl
	return nil
}

type countingNotifier struct {
	alerts []domain.LowStockAlert
}

func (n *countingNotifier) Notify(_ context.Context, _ string, alert domain.LowStockAlert) error {
	n.alerts = append(n.alerts, alert)
	return nil
}

func intPtr(v int) *int { return &v }

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name    string
		rec     domain.InventoryRecord
		wantLow bool
	}{
		{
			name:    "no reorder point never alerts",
			rec:     domain.InventoryRecord{Quantity: 0},
			wantLow: false,
		},
		{
			name:    "above reorder point",
			rec:     domain.InventoryRecord{Quantity: 21, ReorderPoint: intPtr(20)},
			wantLow: false,
		},
		{
			name:    "exactly at reorder point",
			rec:     domain.InventoryRecord{Quantity: 20, ReorderPoint: intPtr(20)},
			wantLow: true,
		},
		{
			name:    "below reorder point",
			rec:     domain.InventoryRecord{Quantity: 3, ReorderPoint: intPtr(20)},
			wantLow: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, low := Evaluate(tc.rec, "Amoxicillin 250mg")
			if low != tc.wantLow {
				t.Fatalf("expected low=%t, got %t", tc.wantLow, low)
			}
		})
	}
}

func TestEvaluateCarriesReorderQuantity(t *testing.T) {
	rec := domain.InventoryRecord{
		LocationID:      "loc-1",
		ItemID:          "item-1",
		Quantity:        5,
		ReorderPoint:    intPtr(20),
		ReorderQuantity: intPtr(50),
	}

	alert, low := Evaluate(rec, "Amoxicillin 250mg")
	if !low {
		t.Fatalf("expected record to be low")
	}
	if alert.ItemName != "Amoxicillin 250mg" || alert.Quantity != 5 || alert.ReorderPoint != 20 || alert.ReorderQuantity != 50 {
		t.Fatalf("unexpected alert payload: %+v", alert)
	}
}

func TestCheckCooldownSuppressesRepeatAlerts(t *testing.T) {
	cacheStore := newMemoryAlertCache()
	notifier := &countingNotifier{}
	checker := NewChecker(cacheStore, notifier, 30*time.Minute)

	rec := domain.InventoryRecord{
		LocationID:   "loc-1",
		ItemID:       "item-1",
		Quantity:     4,
		ReorderPoint: intPtr(20),
	}

	sent, err := checker.Check(context.Background(), "prac-1", rec, "Gauze Roll")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !sent {
		t.Fatalf("expected first check to notify")
	}

	sent, err = checker.Check(context.Background(), "prac-1", rec, "Gauze Roll")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if sent {
		t.Fatalf("expected second check inside cooldown to be suppressed")
	}
	if len(notifier.alerts) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(notifier.alerts))
	}
	if got := cacheStore.ttls["vetstock:lowstock:prac-1:loc-1:item-1"]; got != 30*time.Minute {
		t.Fatalf("expected cooldown ttl on cached alert, got %v", got)
	}
}

func TestCheckSeparateItemsAlertIndependently(t *testing.T) {
	notifier := &countingNotifier{}
	checker := NewChecker(newMemoryAlertCache(), notifier, time.Hour)

	recA := domain.InventoryRecord{LocationID: "loc-1", ItemID: "item-a", Quantity: 2, ReorderPoint: intPtr(10)}
	recB := domain.InventoryRecord{LocationID: "loc-1", ItemID: "item-b", Quantity: 2, ReorderPoint: intPtr(10)}

	if _, err := checker.Check(context.Background(), "prac-1", recA, "Item A"); err != nil {
		t.Fatalf("check a: %v", err)
	}
	if _, err := checker.Check(context.Background(), "prac-1", recB, "Item B"); err != nil {
		t.Fatalf("check b: %v", err)
	}
	if len(notifier.alerts) != 2 {
		t.Fatalf("expected two independent alerts, got %d", len(notifier.alerts))
	}
}
