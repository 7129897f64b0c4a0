package lowstock

import (
	"context"
	"fmt"
	"log"
	"time"

	"vetstock/backend/internal/cache"
	"vetstock/backend/internal/domain"
)

// Notifier delivers a low-stock alert to whoever wants it. Delivery is
// best-effort; a failed notification never blocks the inventory write that
// triggered it.
type Notifier interface {
	Notify(ctx context.Context, practiceID string, alert domain.LowStockAlert) error
}

// LogNotifier writes alerts to the process log. It stands in for an email
// or messaging integration, which lives outside this backend.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, practiceID string, alert domain.LowStockAlert) error {
	log.Printf("[lowstock] practice=%s location=%s item=%s (%s) quantity=%d reorder_point=%d",
		practiceID, alert.LocationID, alert.ItemID, alert.ItemName, alert.Quantity, alert.ReorderPoint)
	return nil
}

type Checker struct {
	cache    cache.AlertCache
	notifier Notifier
	cooldown time.Duration
}

func NewChecker(cacheStore cache.AlertCache, notifier Notifier, cooldown time.Duration) *Checker {
	if cacheStore == nil {
		cacheStore = cache.NoopAlertCache{}
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	if cooldown <= 0 {
		cooldown = 6 * time.Hour
	}

	return &Checker{
		cache:    cacheStore,
		notifier: notifier,
		cooldown: cooldown,
	}
}

// Evaluate reports whether the record sits at or below its reorder point.
// Records without a reorder point never alert.
func Evaluate(rec domain.InventoryRecord, itemName string) (domain.LowStockAlert, bool) {
	if rec.ReorderPoint == nil || rec.Quantity > *rec.ReorderPoint {
		return domain.LowStockAlert{}, false
	}
	alert := domain.LowStockAlert{
		LocationID:   rec.LocationID,
		ItemID:       rec.ItemID,
		ItemName:     itemName,
		Quantity:     rec.Quantity,
		ReorderPoint: *rec.ReorderPoint,
	}
	if rec.ReorderQuantity != nil {
		alert.ReorderQuantity = *rec.ReorderQuantity
	}
	return alert, true
}

// Check evaluates the record and, if it is low, raises a notification
// unless one for the same (practice, location, item) went out within the
// cooldown window. The bool reports whether a notification was sent.
func (c *Checker) Check(ctx context.Context, practiceID string, rec domain.InventoryRecord, itemName string) (bool, error) {
	alert, low := Evaluate(rec, itemName)
	if !low {
		return false, nil
	}

	key := alertKey(practiceID, rec.LocationID, rec.ItemID)
	if _, seen, err := c.cache.Get(ctx, key); err == nil && seen {
		return false, nil
	}

	if err := c.notifier.Notify(ctx, practiceID, alert); err != nil {
		return false, err
	}
	_ = c.cache.Set(ctx, key, &alert, c.cooldown)
	return true, nil
}

func alertKey(practiceID string, locationID string, itemID string) string {
	return fmt.Sprintf("vetstock:lowstock:%s:%s:%s", practiceID, locationID, itemID)
}
