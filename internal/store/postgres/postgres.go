package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"vetstock/backend/internal/domain"
	"vetstock/backend/internal/store"
	"vetstock/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password, role, practice_id, active, created_at
		FROM app_users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(
		&user.ID, &user.Username, &user.Password, &user.Role, &user.PracticeID, &user.Active, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" || user.PracticeID == "" {
		return fmt.Errorf("%w: username, password and practice are required", domain.ErrValidation)
	}
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (id, username, password, role, practice_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,true,$6,now())
	`, user.ID, username, user.Password, user.Role, user.PracticeID, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s already exists", domain.ErrValidation, username)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context, practiceID string) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password, role, practice_id, active, created_at
		FROM app_users
		WHERE practice_id = $1
		ORDER BY username
	`, practiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.ID, &user.Username, &user.Password, &user.Role, &user.PracticeID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) ListLocations(ctx context.Context, practiceID string) ([]domain.Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, practice_id, name, active, created_at
		FROM locations
		WHERE practice_id = $1 AND active = true
		ORDER BY name
	`, practiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locations := make([]domain.Location, 0, 8)
	for rows.Next() {
		var loc domain.Location
		if err := rows.Scan(&loc.ID, &loc.PracticeID, &loc.Name, &loc.Active, &loc.CreatedAt); err != nil {
			return nil, err
		}
		loc.CreatedAt = loc.CreatedAt.UTC()
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return locations, nil
}

func (s *Store) GetLocation(ctx context.Context, practiceID string, locationID string) (*domain.Location, error) {
	var loc domain.Location
	err := s.db.QueryRowContext(ctx, `
		SELECT id, practice_id, name, active, created_at
		FROM locations
		WHERE id = $1 AND practice_id = $2
	`, locationID, practiceID).Scan(&loc.ID, &loc.PracticeID, &loc.Name, &loc.Active, &loc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	loc.CreatedAt = loc.CreatedAt.UTC()
	return &loc, nil
}

func (s *Store) ListItems(ctx context.Context, practiceID string) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, practice_id, sku, name, category, unit, active, created_at
		FROM items
		WHERE practice_id = $1 AND active = true
		ORDER BY category, name
	`, practiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Item, 0, 64)
	for rows.Next() {
		var item domain.Item
		if err := rows.Scan(&item.ID, &item.PracticeID, &item.SKU, &item.Name, &item.Category, &item.Unit, &item.Active, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetItem(ctx context.Context, practiceID string, itemID string) (*domain.Item, error) {
	var item domain.Item
	err := s.db.QueryRowContext(ctx, `
		SELECT id, practice_id, sku, name, category, unit, active, created_at
		FROM items
		WHERE id = $1 AND practice_id = $2
	`, itemID, practiceID).Scan(&item.ID, &item.PracticeID, &item.SKU, &item.Name, &item.Category, &item.Unit, &item.Active, &item.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}

func (s *Store) GetItemsByIDs(ctx context.Context, practiceID string, itemIDs []string) (map[string]domain.Item, error) {
	result := make(map[string]domain.Item, len(itemIDs))
	if len(itemIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, practice_id, sku, name, category, unit, active, created_at
		FROM items
		WHERE practice_id = $1 AND id = ANY($2)
	`, practiceID, itemIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.Item
		if err := rows.Scan(&item.ID, &item.PracticeID, &item.SKU, &item.Name, &item.Category, &item.Unit, &item.Active, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.CreatedAt = item.CreatedAt.UTC()
		result[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetStockLevels(ctx context.Context, practiceID string, locationID string, itemIDs []string) (map[string]int, error) {
	if _, err := s.GetLocation(ctx, practiceID, locationID); err != nil {
		return nil, err
	}

	levels := make(map[string]int, len(itemIDs))
	if len(itemIDs) == 0 {
		return levels, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, quantity
		FROM inventory_records
		WHERE practice_id = $1 AND location_id = $2 AND item_id = ANY($3)
	`, practiceID, locationID, itemIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var itemID string
		var qty int
		if err := rows.Scan(&itemID, &qty); err != nil {
			return nil, err
		}
		levels[itemID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return levels, nil
}

func (s *Store) GetInventoryRecord(ctx context.Context, practiceID string, locationID string, itemID string) (*domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	var reorderPoint, reorderQty, maxStock sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT practice_id, location_id, item_id, quantity, reorder_point, reorder_quantity, max_stock, updated_at
		FROM inventory_records
		WHERE practice_id = $1 AND location_id = $2 AND item_id = $3
	`, practiceID, locationID, itemID).Scan(
		&rec.PracticeID, &rec.LocationID, &rec.ItemID, &rec.Quantity, &reorderPoint, &reorderQty, &maxStock, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	rec.ReorderPoint = intPtrFromNull(reorderPoint)
	rec.ReorderQuantity = intPtrFromNull(reorderQty)
	rec.MaxStock = intPtrFromNull(maxStock)
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func (s *Store) ListInventory(ctx context.Context, practiceID string, locationID string) ([]domain.InventoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT practice_id, location_id, item_id, quantity, reorder_point, reorder_quantity, max_stock, updated_at
		FROM inventory_records
		WHERE practice_id = $1 AND ($2 = '' OR location_id = $2)
		ORDER BY location_id, item_id
	`, practiceID, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.InventoryRecord, 0, 64)
	for rows.Next() {
		var rec domain.InventoryRecord
		var reorderPoint, reorderQty, maxStock sql.NullInt64
		if err := rows.Scan(&rec.PracticeID, &rec.LocationID, &rec.ItemID, &rec.Quantity, &reorderPoint, &reorderQty, &maxStock, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.ReorderPoint = intPtrFromNull(reorderPoint)
		rec.ReorderQuantity = intPtrFromNull(reorderQty)
		rec.MaxStock = intPtrFromNull(maxStock)
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// AdjustStock runs the read, the quantity upsert and the adjustment insert
// in one serializable transaction with the inventory row locked, so the
// adjustment row always matches the ledger change it caused.
func (s *Store) AdjustStock(ctx context.Context, params store.AdjustmentParams) (*domain.InventoryRecord, *domain.StockAdjustment, error) {
	if (params.Delta == nil) == (params.SetTo == nil) {
		return nil, nil, fmt.Errorf("%w: exactly one of delta or set_to must be supplied", domain.ErrValidation)
	}
	if strings.TrimSpace(params.Reason) == "" {
		return nil, nil, fmt.Errorf("%w: adjustment reason is required", domain.ErrValidation)
	}
	if _, err := s.GetLocation(ctx, params.PracticeID, params.LocationID); err != nil {
		return nil, nil, err
	}
	if _, err := s.GetItem(ctx, params.PracticeID, params.ItemID); err != nil {
		return nil, nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	current := 0
	err = pgTx.QueryRowContext(ctx, `
		SELECT quantity
		FROM inventory_records
		WHERE practice_id = $1 AND location_id = $2 AND item_id = $3
		FOR UPDATE
	`, params.PracticeID, params.LocationID, params.ItemID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, err
	}

	target := current
	if params.Delta != nil {
		target = current + *params.Delta
	} else {
		target = *params.SetTo
	}
	if target < 0 {
		return nil, nil, fmt.Errorf("%w: adjustment would make stock negative (current %d)", domain.ErrValidation, current)
	}
	if target == current {
		return nil, nil, fmt.Errorf("%w: adjustment changes nothing", domain.ErrValidation)
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO inventory_records (practice_id, location_id, item_id, quantity, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (location_id, item_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()
	`, params.PracticeID, params.LocationID, params.ItemID, target)
	if err != nil {
		return nil, nil, err
	}

	adj := domain.StockAdjustment{
		ID:          xid.New("adj"),
		PracticeID:  params.PracticeID,
		LocationID:  params.LocationID,
		ItemID:      params.ItemID,
		Quantity:    target - current,
		Reason:      params.Reason,
		Note:        params.Note,
		CreatedByID: params.ActorUserID,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO stock_adjustments (id, practice_id, location_id, item_id, quantity, reason, note, created_by_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, adj.ID, adj.PracticeID, adj.LocationID, adj.ItemID, adj.Quantity, adj.Reason, nullIfEmpty(adj.Note), adj.CreatedByID, adj.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, nil, err
	}

	rec, err := s.GetInventoryRecord(ctx, params.PracticeID, params.LocationID, params.ItemID)
	if err != nil {
		return nil, nil, err
	}
	return rec, &adj, nil
}

func (s *Store) SetReorderSettings(ctx context.Context, practiceID string, locationID string, itemID string, reorderPoint, reorderQuantity, maxStock *int) (*domain.InventoryRecord, error) {
	if reorderPoint != nil && *reorderPoint < 0 {
		return nil, fmt.Errorf("%w: reorder point must not be negative", domain.ErrValidation)
	}
	if reorderQuantity != nil && *reorderQuantity < 1 {
		return nil, fmt.Errorf("%w: reorder quantity must be positive", domain.ErrValidation)
	}
	if maxStock != nil && *maxStock < 0 {
		return nil, fmt.Errorf("%w: max stock must not be negative", domain.ErrValidation)
	}
	if _, err := s.GetLocation(ctx, practiceID, locationID); err != nil {
		return nil, err
	}
	if _, err := s.GetItem(ctx, practiceID, itemID); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_records (practice_id, location_id, item_id, quantity, reorder_point, reorder_quantity, max_stock, updated_at)
		VALUES ($1,$2,$3,0,$4,$5,$6,now())
		ON CONFLICT (location_id, item_id)
		DO UPDATE SET reorder_point = EXCLUDED.reorder_point,
			reorder_quantity = EXCLUDED.reorder_quantity,
			max_stock = EXCLUDED.max_stock,
			updated_at = now()
	`, practiceID, locationID, itemID, nullInt(reorderPoint), nullInt(reorderQuantity), nullInt(maxStock))
	if err != nil {
		return nil, err
	}
	return s.GetInventoryRecord(ctx, practiceID, locationID, itemID)
}

func (s *Store) ListLowStock(ctx context.Context, practiceID string, locationID string) ([]domain.LowStockAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ir.location_id, ir.item_id, i.name, ir.quantity, ir.reorder_point, COALESCE(ir.reorder_quantity, 0)
		FROM inventory_records ir
		JOIN items i ON i.id = ir.item_id
		WHERE ir.practice_id = $1
			AND ($2 = '' OR ir.location_id = $2)
			AND ir.reorder_point IS NOT NULL
			AND ir.quantity <= ir.reorder_point
		ORDER BY ir.location_id, i.name
	`, practiceID, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]domain.LowStockAlert, 0, 16)
	for rows.Next() {
		var alert domain.LowStockAlert
		if err := rows.Scan(&alert.LocationID, &alert.ItemID, &alert.ItemName, &alert.Quantity, &alert.ReorderPoint, &alert.ReorderQuantity); err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (s *Store) ListStockAdjustments(ctx context.Context, practiceID string, locationID string, itemID string, limit int) ([]domain.StockAdjustment, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, practice_id, location_id, item_id, quantity, reason, COALESCE(note,''), created_by_id, created_at
		FROM stock_adjustments
		WHERE practice_id = $1
			AND ($2 = '' OR location_id = $2)
			AND ($3 = '' OR item_id = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, practiceID, locationID, itemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	adjustments := make([]domain.StockAdjustment, 0, limit)
	for rows.Next() {
		var adj domain.StockAdjustment
		if err := rows.Scan(&adj.ID, &adj.PracticeID, &adj.LocationID, &adj.ItemID, &adj.Quantity, &adj.Reason, &adj.Note, &adj.CreatedByID, &adj.CreatedAt); err != nil {
			return nil, err
		}
		adj.CreatedAt = adj.CreatedAt.UTC()
		adjustments = append(adjustments, adj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return adjustments, nil
}

func (s *Store) CreateStockCountSession(ctx context.Context, session domain.StockCountSession) (*domain.StockCountSession, error) {
	if _, err := s.GetLocation(ctx, session.PracticeID, session.LocationID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(session.CreatedByID) == "" {
		return nil, fmt.Errorf("%w: created_by is required", domain.ErrValidation)
	}
	if session.ID == "" {
		session.ID = xid.New("count")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusInProgress
	session.CompletedAt = nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_count_sessions (id, practice_id, location_id, status, created_by_id, notes, completed_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,NULL,$7)
	`, session.ID, session.PracticeID, session.LocationID, session.Status, session.CreatedByID, nullIfEmpty(session.Notes), session.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := session
	return &created, nil
}

func (s *Store) GetStockCountSession(ctx context.Context, practiceID string, sessionID string) (*domain.StockCountSession, error) {
	var session domain.StockCountSession
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, practice_id, location_id, status, created_by_id, COALESCE(notes,''), completed_at, created_at
		FROM stock_count_sessions
		WHERE id = $1 AND practice_id = $2
	`, sessionID, practiceID).Scan(
		&session.ID, &session.PracticeID, &session.LocationID, &session.Status, &session.CreatedByID, &session.Notes, &completedAt, &session.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		session.CompletedAt = &at
	}
	session.CreatedAt = session.CreatedAt.UTC()
	return &session, nil
}

func (s *Store) ListStockCountSessions(ctx context.Context, practiceID string, status string, limit int) ([]domain.StockCountSession, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, practice_id, location_id, status, created_by_id, COALESCE(notes,''), completed_at, created_at
		FROM stock_count_sessions
		WHERE practice_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, practiceID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.StockCountSession, 0, limit)
	for rows.Next() {
		var session domain.StockCountSession
		var completedAt sql.NullTime
		if err := rows.Scan(&session.ID, &session.PracticeID, &session.LocationID, &session.Status, &session.CreatedByID, &session.Notes, &completedAt, &session.CreatedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			at := completedAt.Time.UTC()
			session.CompletedAt = &at
		}
		session.CreatedAt = session.CreatedAt.UTC()
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) CancelStockCountSession(ctx context.Context, practiceID string, sessionID string) (*domain.StockCountSession, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status
		FROM stock_count_sessions
		WHERE id = $1 AND practice_id = $2
		FOR UPDATE
	`, sessionID, practiceID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SessionStatusInProgress {
		return nil, fmt.Errorf("%w: stock count %s is %s", domain.ErrValidation, sessionID, status)
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE stock_count_sessions
		SET status = $3, updated_at = now()
		WHERE id = $1 AND practice_id = $2
	`, sessionID, practiceID, domain.SessionStatusCancelled)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetStockCountSession(ctx, practiceID, sessionID)
}

func (s *Store) DeleteStockCountSession(ctx context.Context, practiceID string, sessionID string) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status
		FROM stock_count_sessions
		WHERE id = $1 AND practice_id = $2
		FOR UPDATE
	`, sessionID, practiceID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	if status == domain.SessionStatusCompleted {
		return fmt.Errorf("%w: completed stock counts cannot be deleted", domain.ErrValidation)
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM stock_count_lines WHERE session_id = $1`, sessionID); err != nil {
		return err
	}
	if _, err := pgTx.ExecContext(ctx, `DELETE FROM stock_count_sessions WHERE id = $1`, sessionID); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) UpsertStockCountLine(ctx context.Context, practiceID string, line domain.StockCountLine) (*domain.StockCountLine, bool, error) {
	if line.CountedQuantity < 0 {
		return nil, false, fmt.Errorf("%w: counted quantity must not be negative", domain.ErrValidation)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status
		FROM stock_count_sessions
		WHERE id = $1 AND practice_id = $2
		FOR UPDATE
	`, line.SessionID, practiceID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, domain.ErrNotFound
		}
		return nil, false, err
	}
	if status != domain.SessionStatusInProgress {
		return nil, false, fmt.Errorf("%w: stock count %s is %s", domain.ErrValidation, line.SessionID, status)
	}

	if line.ID == "" {
		line.ID = xid.New("line")
	}
	line.Variance = line.CountedQuantity - line.SystemQuantity
	now := time.Now().UTC()

	var savedID string
	var createdAt, updatedAt time.Time
	var notes string
	created := false
	err = pgTx.QueryRowContext(ctx, `
		INSERT INTO stock_count_lines (
			id, session_id, item_id, counted_quantity, system_quantity, variance, notes, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (session_id, item_id)
		DO UPDATE SET counted_quantity = EXCLUDED.counted_quantity,
			system_quantity = EXCLUDED.system_quantity,
			variance = EXCLUDED.variance,
			notes = CASE WHEN EXCLUDED.notes IS NULL OR EXCLUDED.notes = ''
				THEN stock_count_lines.notes ELSE EXCLUDED.notes END,
			updated_at = now()
		RETURNING id, COALESCE(notes,''), created_at, updated_at, (xmax = 0)
	`, line.ID, line.SessionID, line.ItemID, line.CountedQuantity, line.SystemQuantity, line.Variance, nullIfEmpty(strings.TrimSpace(line.Notes)), now).Scan(
		&savedID, &notes, &createdAt, &updatedAt, &created,
	)
	if err != nil {
		return nil, false, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, false, err
	}

	line.ID = savedID
	line.Notes = notes
	line.CreatedAt = createdAt.UTC()
	line.UpdatedAt = updatedAt.UTC()
	return &line, created, nil
}

func (s *Store) GetStockCountLine(ctx context.Context, practiceID string, lineID string) (*domain.StockCountLine, error) {
	var line domain.StockCountLine
	err := s.db.QueryRowContext(ctx, `
		SELECT l.id, l.session_id, l.item_id, l.counted_quantity, l.system_quantity, l.variance, COALESCE(l.notes,''), l.created_at, l.updated_at
		FROM stock_count_lines l
		JOIN stock_count_sessions sess ON sess.id = l.session_id
		WHERE l.id = $1 AND sess.practice_id = $2
	`, lineID, practiceID).Scan(
		&line.ID, &line.SessionID, &line.ItemID, &line.CountedQuantity, &line.SystemQuantity, &line.Variance, &line.Notes, &line.CreatedAt, &line.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	line.CreatedAt = line.CreatedAt.UTC()
	line.UpdatedAt = line.UpdatedAt.UTC()
	return &line, nil
}

func (s *Store) UpdateStockCountLine(ctx context.Context, practiceID string, lineID string, counted *int, notes *string) (*domain.StockCountLine, error) {
	if counted != nil && *counted < 0 {
		return nil, fmt.Errorf("%w: counted quantity must not be negative", domain.ErrValidation)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var line domain.StockCountLine
	var sessionStatus string
	err = pgTx.QueryRowContext(ctx, `
		SELECT l.id, l.session_id, l.item_id, l.counted_quantity, l.system_quantity, l.variance, COALESCE(l.notes,''), sess.status
		FROM stock_count_lines l
		JOIN stock_count_sessions sess ON sess.id = l.session_id
		WHERE l.id = $1 AND sess.practice_id = $2
		FOR UPDATE OF l
	`, lineID, practiceID).Scan(
		&line.ID, &line.SessionID, &line.ItemID, &line.CountedQuantity, &line.SystemQuantity, &line.Variance, &line.Notes, &sessionStatus,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if sessionStatus != domain.SessionStatusInProgress {
		return nil, fmt.Errorf("%w: stock count %s is %s", domain.ErrValidation, line.SessionID, sessionStatus)
	}

	if counted != nil {
		line.CountedQuantity = *counted
		line.Variance = *counted - line.SystemQuantity
	}
	if notes != nil {
		line.Notes = *notes
	}

	err = pgTx.QueryRowContext(ctx, `
		UPDATE stock_count_lines
		SET counted_quantity = $2, variance = $3, notes = $4, updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at
	`, lineID, line.CountedQuantity, line.Variance, nullIfEmpty(line.Notes)).Scan(&line.CreatedAt, &line.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	line.CreatedAt = line.CreatedAt.UTC()
	line.UpdatedAt = line.UpdatedAt.UTC()
	return &line, nil
}

func (s *Store) DeleteStockCountLine(ctx context.Context, practiceID string, lineID string) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var sessionID, sessionStatus string
	err = pgTx.QueryRowContext(ctx, `
		SELECT sess.id, sess.status
		FROM stock_count_lines l
		JOIN stock_count_sessions sess ON sess.id = l.session_id
		WHERE l.id = $1 AND sess.practice_id = $2
		FOR UPDATE OF l
	`, lineID, practiceID).Scan(&sessionID, &sessionStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	if sessionStatus != domain.SessionStatusInProgress {
		return fmt.Errorf("%w: stock count %s is %s", domain.ErrValidation, sessionID, sessionStatus)
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM stock_count_lines WHERE id = $1`, lineID); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) ListStockCountLines(ctx context.Context, practiceID string, sessionID string) ([]domain.StockCountLine, error) {
	if _, err := s.GetStockCountSession(ctx, practiceID, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, item_id, counted_quantity, system_quantity, variance, COALESCE(notes,''), created_at, updated_at
		FROM stock_count_lines
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.StockCountLine, 0, 32)
	for rows.Next() {
		var line domain.StockCountLine
		if err := rows.Scan(&line.ID, &line.SessionID, &line.ItemID, &line.CountedQuantity, &line.SystemQuantity, &line.Variance, &line.Notes, &line.CreatedAt, &line.UpdatedAt); err != nil {
			return nil, err
		}
		line.CreatedAt = line.CreatedAt.UTC()
		line.UpdatedAt = line.UpdatedAt.UTC()
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// CompleteStockCountSession runs the whole reconciliation in one
// serializable transaction. The session row and the affected inventory rows
// are locked, then snapshots are re-verified against the locked quantities
// so no pre-transaction check is ever trusted.
func (s *Store) CompleteStockCountSession(ctx context.Context, params store.CompletionParams) (*domain.CompletionResult, error) {
	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var locationID, status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT location_id, status
		FROM stock_count_sessions
		WHERE id = $1 AND practice_id = $2
		FOR UPDATE
	`, params.SessionID, params.PracticeID).Scan(&locationID, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SessionStatusInProgress {
		return nil, fmt.Errorf("%w: stock count %s is %s", domain.ErrValidation, params.SessionID, status)
	}

	lineRows, err := pgTx.QueryContext(ctx, `
		SELECT id, item_id, counted_quantity, system_quantity, variance, COALESCE(notes,'')
		FROM stock_count_lines
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`, params.SessionID)
	if err != nil {
		return nil, err
	}
	lines := make([]domain.StockCountLine, 0, 32)
	for lineRows.Next() {
		var line domain.StockCountLine
		if err := lineRows.Scan(&line.ID, &line.ItemID, &line.CountedQuantity, &line.SystemQuantity, &line.Variance, &line.Notes); err != nil {
			_ = lineRows.Close()
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return nil, err
	}
	_ = lineRows.Close()

	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: stock count %s has no lines", domain.ErrValidation, params.SessionID)
	}

	result := &domain.CompletionResult{
		SessionID:   params.SessionID,
		Status:      domain.SessionStatusCompleted,
		Applied:     params.ApplyAdjustments,
		CompletedAt: now.Format(time.RFC3339),
	}
	itemIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		result.TotalAbsVariance += absInt(line.Variance)
		itemIDs = append(itemIDs, line.ItemID)
	}
	sort.Strings(itemIDs)

	if params.ApplyAdjustments {
		stockRows, err := pgTx.QueryContext(ctx, `
			SELECT item_id, quantity
			FROM inventory_records
			WHERE practice_id = $1 AND location_id = $2 AND item_id = ANY($3)
			ORDER BY item_id
			FOR UPDATE
		`, params.PracticeID, locationID, itemIDs)
		if err != nil {
			return nil, err
		}
		liveMap := make(map[string]int, len(itemIDs))
		for stockRows.Next() {
			var itemID string
			var qty int
			if err := stockRows.Scan(&itemID, &qty); err != nil {
				_ = stockRows.Close()
				return nil, err
			}
			liveMap[itemID] = qty
		}
		if err := stockRows.Err(); err != nil {
			_ = stockRows.Close()
			return nil, err
		}
		_ = stockRows.Close()

		itemNames, err := s.itemNames(ctx, pgTx, params.PracticeID, itemIDs)
		if err != nil {
			return nil, err
		}

		conflicts := make([]domain.ConcurrencyConflict, 0, 2)
		for _, line := range lines {
			if live := liveMap[line.ItemID]; live != line.SystemQuantity {
				conflicts = append(conflicts, domain.ConcurrencyConflict{
					ItemID:           line.ItemID,
					ItemName:         itemNames[line.ItemID],
					SnapshotQuantity: line.SystemQuantity,
					CurrentQuantity:  live,
				})
			}
			if line.CountedQuantity < 0 {
				return nil, fmt.Errorf("%w: stock for item %s would be negative", domain.ErrInvariant, line.ItemID)
			}
		}
		if len(conflicts) > 0 && !params.AllowConflicts {
			return nil, &domain.ConcurrencyError{SessionID: params.SessionID, Conflicts: conflicts}
		}
		result.Warnings = conflicts

		for _, line := range lines {
			if line.Variance == 0 {
				continue
			}
			// The adjustment records the real ledger movement, which differs
			// from the line's variance when an override let the ledger move
			// mid-count.
			delta := line.CountedQuantity - liveMap[line.ItemID]
			if delta == 0 {
				continue
			}

			_, err = pgTx.ExecContext(ctx, `
				INSERT INTO inventory_records (practice_id, location_id, item_id, quantity, updated_at)
				VALUES ($1,$2,$3,$4,now())
				ON CONFLICT (location_id, item_id)
				DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()
			`, params.PracticeID, locationID, line.ItemID, line.CountedQuantity)
			if err != nil {
				return nil, err
			}

			note := fmt.Sprintf("stock count %s", params.SessionID)
			if strings.TrimSpace(line.Notes) != "" {
				note = note + ": " + line.Notes
			}
			_, err = pgTx.ExecContext(ctx, `
				INSERT INTO stock_adjustments (id, practice_id, location_id, item_id, quantity, reason, note, created_by_id, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			`, xid.New("adj"), params.PracticeID, locationID, line.ItemID, delta, domain.AdjustmentReasonStockCount, note, params.ActorUserID, now)
			if err != nil {
				return nil, err
			}

			result.AdjustedItems++
			result.Adjustments = append(result.Adjustments, domain.AppliedAdjustment{
				ItemID:          line.ItemID,
				ItemName:        itemNames[line.ItemID],
				SystemQuantity:  line.SystemQuantity,
				CountedQuantity: line.CountedQuantity,
				Delta:           delta,
			})
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE stock_count_sessions
		SET status = $2, completed_at = $3, updated_at = now()
		WHERE id = $1
	`, params.SessionID, domain.SessionStatusCompleted, now)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) itemNames(ctx context.Context, pgTx *sql.Tx, practiceID string, itemIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(itemIDs))
	if len(itemIDs) == 0 {
		return names, nil
	}

	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, name
		FROM items
		WHERE practice_id = $1 AND id = ANY($2)
	`, practiceID, itemIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range itemIDs {
		if _, ok := names[id]; !ok {
			names[id] = id
		}
	}
	return names, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, practice_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.PracticeID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, practiceID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, practice_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE practice_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, practiceID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.PracticeID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func intPtrFromNull(val sql.NullInt64) *int {
	if !val.Valid {
		return nil
	}
	v := int(val.Int64)
	return &v
}

func nullInt(val *int) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
