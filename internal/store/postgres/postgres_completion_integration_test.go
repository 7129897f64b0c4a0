package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"vetstock/backend/internal/domain"
	"vetstock/backend/internal/store"
)

func TestCompleteStockCountAppliesAdjustments(t *testing.T) {
	databaseURL := os.Getenv("VETSTOCK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set VETSTOCK_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	practiceID := fmt.Sprintf("prac-it-%d", stamp)
	locationID := fmt.Sprintf("loc-it-%d", stamp)
	itemID := fmt.Sprintf("item-it-%d", stamp)
	sessionID := fmt.Sprintf("count-it-%d", stamp)
	lineID := fmt.Sprintf("line-it-%d", stamp)
	userID := fmt.Sprintf("user-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_count_lines WHERE session_id = $1`, sessionID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_count_sessions WHERE id = $1`, sessionID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_adjustments WHERE practice_id = $1`, practiceID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_records WHERE practice_id = $1`, practiceID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM items WHERE practice_id = $1`, practiceID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM locations WHERE practice_id = $1`, practiceID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, practice_id, name, active, created_at)
		VALUES ($1, $2, 'Integration Pharmacy', true, now())
	`, locationID, practiceID); err != nil {
		t.Fatalf("insert location: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, practice_id, sku, name, category, unit, active, created_at)
		VALUES ($1, $2, $3, 'Integration Amoxicillin', 'medication', 'box', true, now())
	`, itemID, practiceID, fmt.Sprintf("SKU-IT-%d", stamp)); err != nil {
		t.Fatalf("insert item: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_records (practice_id, location_id, item_id, quantity, updated_at)
		VALUES ($1, $2, $3, 10, now())
	`, practiceID, locationID, itemID); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_count_sessions (id, practice_id, location_id, status, created_by_id, notes, completed_at, created_at)
		VALUES ($1, $2, $3, 'in_progress', $4, NULL, NULL, now())
	`, sessionID, practiceID, locationID, userID); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_count_lines (id, session_id, item_id, counted_quantity, system_quantity, variance, notes, created_at, updated_at)
		VALUES ($1, $2, $3, 8, 10, -2, NULL, now(), now())
	`, lineID, sessionID, itemID); err != nil {
		t.Fatalf("insert line: %v", err)
	}

	result, err := s.CompleteStockCountSession(ctx, store.CompletionParams{
		PracticeID:       practiceID,
		SessionID:        sessionID,
		ActorUserID:      userID,
		ApplyAdjustments: true,
	})
	if err != nil {
		t.Fatalf("complete stock count: %v", err)
	}
	if result.AdjustedItems != 1 || result.TotalAbsVariance != 2 {
		t.Fatalf("expected 1 adjusted item with abs variance 2, got %d/%d", result.AdjustedItems, result.TotalAbsVariance)
	}

	var qty int
	if err := s.db.QueryRowContext(ctx, `
		SELECT quantity
		FROM inventory_records
		WHERE practice_id = $1 AND location_id = $2 AND item_id = $3
	`, practiceID, locationID, itemID).Scan(&qty); err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if qty != 8 {
		t.Fatalf("expected stock 8 after completion, got %d", qty)
	}

	var adjQty int
	var reason string
	if err := s.db.QueryRowContext(ctx, `
		SELECT quantity, reason
		FROM stock_adjustments
		WHERE practice_id = $1 AND item_id = $2
	`, practiceID, itemID).Scan(&adjQty, &reason); err != nil {
		t.Fatalf("query adjustment: %v", err)
	}
	if adjQty != -2 || reason != domain.AdjustmentReasonStockCount {
		t.Fatalf("expected adjustment -2 with reason %q, got %d/%q", domain.AdjustmentReasonStockCount, adjQty, reason)
	}

	var status string
	if err := s.db.QueryRowContext(ctx, `
		SELECT status
		FROM stock_count_sessions
		WHERE id = $1
	`, sessionID).Scan(&status); err != nil {
		t.Fatalf("query session status: %v", err)
	}
	if status != domain.SessionStatusCompleted {
		t.Fatalf("expected session completed, got %s", status)
	}
}
