package domain

import "time"

type Location struct {
	ID         string    `json:"id"`
	PracticeID string    `json:"practice_id"`
	Name       string    `json:"name"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

type Item struct {
	ID         string    `json:"id"`
	PracticeID string    `json:"practice_id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	Unit       string    `json:"unit"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// InventoryRecord is the on-hand ledger row for one item at one location.
// Quantity is never negative. Reorder settings are optional and survive
// quantity upserts.
type InventoryRecord struct {
	PracticeID      string    `json:"practice_id"`
	LocationID      string    `json:"location_id"`
	ItemID          string    `json:"item_id"`
	Quantity        int       `json:"quantity"`
	ReorderPoint    *int      `json:"reorder_point,omitempty"`
	ReorderQuantity *int      `json:"reorder_quantity,omitempty"`
	MaxStock        *int      `json:"max_stock,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type StockCountSession struct {
	ID          string     `json:"id"`
	PracticeID  string     `json:"practice_id"`
	LocationID  string     `json:"location_id"`
	Status      string     `json:"status"`
	CreatedByID string     `json:"created_by_id"`
	Notes       string     `json:"notes,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// StockCountLine records one counted item within a session. SystemQuantity
// is a snapshot of the ledger at count time and is never re-linked to it.
type StockCountLine struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	ItemID          string    `json:"item_id"`
	CountedQuantity int       `json:"counted_quantity"`
	SystemQuantity  int       `json:"system_quantity"`
	Variance        int       `json:"variance"`
	Notes           string    `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StockAdjustment is an append-only signed movement record. Quantity is
// never zero.
type StockAdjustment struct {
	ID          string    `json:"id"`
	PracticeID  string    `json:"practice_id"`
	LocationID  string    `json:"location_id"`
	ItemID      string    `json:"item_id"`
	Quantity    int       `json:"quantity"`
	Reason      string    `json:"reason"`
	Note        string    `json:"note,omitempty"`
	CreatedByID string    `json:"created_by_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	PracticeID    string    `json:"practice_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID         string
	Username   string
	Password   string
	Role       string
	PracticeID string
	Active     bool
	CreatedAt  time.Time
}

type Actor struct {
	UserID     string
	Username   string
	Role       string
	PracticeID string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	PracticeID  string `json:"practice_id"`
	ExpiresAt   string `json:"expires_at"`
}

type StockCountCreateRequest struct {
	LocationID string `json:"location_id"`
	Notes      string `json:"notes,omitempty"`
}

type StockCountLineRequest struct {
	ItemID          string `json:"item_id"`
	CountedQuantity int    `json:"counted_quantity"`
	Notes           string `json:"notes,omitempty"`
}

type StockCountLineUpdateRequest struct {
	CountedQuantity *int    `json:"counted_quantity,omitempty"`
	Notes           *string `json:"notes,omitempty"`
}

type StockCountLineResponse struct {
	Line StockCountLine `json:"line"`
}

type StockCountResponse struct {
	Session StockCountSession `json:"session"`
	Lines   []StockCountLine  `json:"lines"`
}

type StockCountListResponse struct {
	Sessions []StockCountSession `json:"sessions"`
}

type CompleteStockCountRequest struct {
	ApplyAdjustments *bool `json:"apply_adjustments,omitempty"`
	AdminOverride    bool  `json:"admin_override,omitempty"`
}

// AppliedAdjustment describes one reconciled line in a completion result.
type AppliedAdjustment struct {
	ItemID          string `json:"item_id"`
	ItemName        string `json:"item_name"`
	SystemQuantity  int    `json:"system_quantity"`
	CountedQuantity int    `json:"counted_quantity"`
	Delta           int    `json:"delta"`
}

// ConcurrencyConflict reports an item whose ledger quantity moved between
// the count snapshot and completion.
type ConcurrencyConflict struct {
	ItemID           string `json:"item_id"`
	ItemName         string `json:"item_name"`
	SnapshotQuantity int    `json:"snapshot_quantity"`
	CurrentQuantity  int    `json:"current_quantity"`
}

type CompletionResult struct {
	SessionID        string                `json:"session_id"`
	Status           string                `json:"status"`
	Applied          bool                  `json:"applied"`
	AdjustedItems    int                   `json:"adjusted_items"`
	TotalAbsVariance int                   `json:"total_abs_variance"`
	Adjustments      []AppliedAdjustment   `json:"adjustments,omitempty"`
	Warnings         []ConcurrencyConflict `json:"warnings,omitempty"`
	CompletedAt      string                `json:"completed_at"`
}

type InventoryAdjustRequest struct {
	LocationID string `json:"location_id"`
	ItemID     string `json:"item_id"`
	Delta      *int   `json:"delta,omitempty"`
	SetTo      *int   `json:"set_to,omitempty"`
	Reason     string `json:"reason"`
	Note       string `json:"note,omitempty"`
}

type ReorderSettingsRequest struct {
	LocationID      string `json:"location_id"`
	ItemID          string `json:"item_id"`
	ReorderPoint    *int   `json:"reorder_point,omitempty"`
	ReorderQuantity *int   `json:"reorder_quantity,omitempty"`
	MaxStock        *int   `json:"max_stock,omitempty"`
}

type InventoryListResponse struct {
	Records []InventoryRecord `json:"records"`
}

// LowStockAlert is a read model joining an inventory record with its item
// for records at or below their reorder point.
type LowStockAlert struct {
	LocationID      string `json:"location_id"`
	ItemID          string `json:"item_id"`
	ItemName        string `json:"item_name"`
	Quantity        int    `json:"quantity"`
	ReorderPoint    int    `json:"reorder_point"`
	ReorderQuantity int    `json:"reorder_quantity,omitempty"`
}

type LowStockListResponse struct {
	Alerts []LowStockAlert `json:"alerts"`
}

type AdjustmentListResponse struct {
	Adjustments []StockAdjustment `json:"adjustments"`
}

type LocationListResponse struct {
	Locations []Location `json:"locations"`
}

type ItemListResponse struct {
	Items []Item `json:"items"`
}

type AuditLogListResponse struct {
	Logs []AuditLog `json:"logs"`
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	SessionStatusInProgress = "in_progress"
	SessionStatusCompleted  = "completed"
	SessionStatusCancelled  = "cancelled"
)

const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

// AdjustmentReasonStockCount is the fixed reason for adjustments written by
// stock-count completion.
const AdjustmentReasonStockCount = "Stock Count"
