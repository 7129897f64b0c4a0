package store

import (
	"context"
	"time"

	"vetstock/backend/internal/domain"
)

// CompletionParams drives the atomic stock-count completion. AllowConflicts
// permits finishing even when the ledger moved during the count; the
// conflicts come back as warnings on the result instead of an error.
type CompletionParams struct {
	PracticeID       string
	SessionID        string
	ActorUserID      string
	ApplyAdjustments bool
	AllowConflicts   bool
	Now              time.Time
}

// AdjustmentParams drives one out-of-band ledger movement. Exactly one of
// Delta or SetTo must be supplied; the store resolves the target against
// the current quantity and writes the record and its adjustment row
// together.
type AdjustmentParams struct {
	PracticeID  string
	LocationID  string
	ItemID      string
	Delta       *int
	SetTo       *int
	Reason      string
	Note        string
	ActorUserID string
}

// Repository is the persistence boundary. All lookups are practice-scoped;
// a row belonging to another practice behaves exactly like a missing row
// (domain.ErrNotFound).
type Repository interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context, practiceID string) ([]domain.UserAccount, error)

	ListLocations(ctx context.Context, practiceID string) ([]domain.Location, error)
	GetLocation(ctx context.Context, practiceID string, locationID string) (*domain.Location, error)
	ListItems(ctx context.Context, practiceID string) ([]domain.Item, error)
	GetItem(ctx context.Context, practiceID string, itemID string) (*domain.Item, error)
	GetItemsByIDs(ctx context.Context, practiceID string, itemIDs []string) (map[string]domain.Item, error)

	// GetStockLevels returns the live quantity per item id; items with no
	// inventory record are simply absent from the map.
	GetStockLevels(ctx context.Context, practiceID string, locationID string, itemIDs []string) (map[string]int, error)
	GetInventoryRecord(ctx context.Context, practiceID string, locationID string, itemID string) (*domain.InventoryRecord, error)
	ListInventory(ctx context.Context, practiceID string, locationID string) ([]domain.InventoryRecord, error)
	// AdjustStock atomically applies one adjustment: read the current
	// quantity, resolve the target, upsert the record (preserving reorder
	// settings) and insert the adjustment row. A negative target or a
	// no-op change is rejected with domain.ErrValidation.
	AdjustStock(ctx context.Context, params AdjustmentParams) (*domain.InventoryRecord, *domain.StockAdjustment, error)
	SetReorderSettings(ctx context.Context, practiceID string, locationID string, itemID string, reorderPoint, reorderQuantity, maxStock *int) (*domain.InventoryRecord, error)
	ListLowStock(ctx context.Context, practiceID string, locationID string) ([]domain.LowStockAlert, error)

	ListStockAdjustments(ctx context.Context, practiceID string, locationID string, itemID string, limit int) ([]domain.StockAdjustment, error)

	CreateStockCountSession(ctx context.Context, session domain.StockCountSession) (*domain.StockCountSession, error)
	GetStockCountSession(ctx context.Context, practiceID string, sessionID string) (*domain.StockCountSession, error)
	ListStockCountSessions(ctx context.Context, practiceID string, status string, limit int) ([]domain.StockCountSession, error)
	CancelStockCountSession(ctx context.Context, practiceID string, sessionID string) (*domain.StockCountSession, error)
	// DeleteStockCountSession removes a non-completed session and its lines.
	DeleteStockCountSession(ctx context.Context, practiceID string, sessionID string) error

	// UpsertStockCountLine inserts or, when a line for (session, item)
	// already exists, updates it in place keeping the original line id.
	// The caller supplies a fresh SystemQuantity snapshot either way. The
	// bool reports whether a new line was created.
	UpsertStockCountLine(ctx context.Context, practiceID string, line domain.StockCountLine) (*domain.StockCountLine, bool, error)
	GetStockCountLine(ctx context.Context, practiceID string, lineID string) (*domain.StockCountLine, error)
	// UpdateStockCountLine patches counted quantity and/or notes,
	// recomputing variance against the stored snapshot.
	UpdateStockCountLine(ctx context.Context, practiceID string, lineID string, counted *int, notes *string) (*domain.StockCountLine, error)
	DeleteStockCountLine(ctx context.Context, practiceID string, lineID string) error
	ListStockCountLines(ctx context.Context, practiceID string, sessionID string) ([]domain.StockCountLine, error)

	// CompleteStockCountSession finalizes a session in one transaction:
	// snapshot re-verification, ledger upserts, adjustment rows, and the
	// status flip all commit or roll back together.
	CompleteStockCountSession(ctx context.Context, params CompletionParams) (*domain.CompletionResult, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, practiceID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}
