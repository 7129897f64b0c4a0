package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"vetstock/backend/internal/domain"
	"vetstock/backend/internal/store"
	"vetstock/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	locationsByID   map[string]domain.Location
	itemsByID       map[string]domain.Item
	inventory       map[string]domain.InventoryRecord
	sessionsByID    map[string]domain.StockCountSession
	linesByID       map[string]domain.StockCountLine
	linesBySession  map[string]map[string]string
	adjustments     []domain.StockAdjustment
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_OWNER_PASSWORD, SEED_ADMIN_PASSWORD and
// SEED_STAFF_PASSWORD environment variables. If unset, hardcoded dev
// defaults are used with a warning printed to stdout. These credentials are
// never used in production (the backend uses PostgreSQL when DATABASE_URL
// is set).
func seedUsers() map[string]domain.UserAccount {
	ownerPwd := envOr("SEED_OWNER_PASSWORD", "owner123")
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_OWNER_PASSWORD") == "" || os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_OWNER_PASSWORD, SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		id       string
		username string
		password string
		role     string
		practice string
	}{
		{"user-owner", "owner", ownerPwd, domain.RoleOwner, "prac-lakeside"},
		{"user-admin", "admin", adminPwd, domain.RoleAdmin, "prac-lakeside"},
		{"user-staff", "staff", staffPwd, domain.RoleStaff, "prac-lakeside"},
		{"user-hillcrest-admin", "hillcrest-admin", adminPwd, domain.RoleAdmin, "prac-hillcrest"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			ID:         u.id,
			Username:   u.username,
			Password:   string(hash),
			Role:       u.role,
			PracticeID: u.practice,
			Active:     true,
			CreatedAt:  now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()

	locations := []domain.Location{
		{ID: "loc-lakeside-pharmacy", PracticeID: "prac-lakeside", Name: "Lakeside Pharmacy", Active: true, CreatedAt: now},
		{ID: "loc-lakeside-ward", PracticeID: "prac-lakeside", Name: "Lakeside Treatment Ward", Active: true, CreatedAt: now},
		{ID: "loc-hillcrest-pharmacy", PracticeID: "prac-hillcrest", Name: "Hillcrest Pharmacy", Active: true, CreatedAt: now},
	}

	items := []domain.Item{
		{ID: "item-amox-250", PracticeID: "prac-lakeside", SKU: "AMOX-250", Name: "Amoxicillin 250mg Capsules", Category: "pharmaceutical", Unit: "capsule", Active: true, CreatedAt: now},
		{ID: "item-melox-oral", PracticeID: "prac-lakeside", SKU: "MELOX-15", Name: "Meloxicam Oral Suspension 15ml", Category: "pharmaceutical", Unit: "bottle", Active: true, CreatedAt: now},
		{ID: "item-rabies-vax", PracticeID: "prac-lakeside", SKU: "VAX-RAB", Name: "Rabies Vaccine 1ml", Category: "vaccine", Unit: "vial", Active: true, CreatedAt: now},
		{ID: "item-syringe-5ml", PracticeID: "prac-lakeside", SKU: "SYR-5ML", Name: "Syringe 5ml Luer Lock", Category: "consumable", Unit: "piece", Active: true, CreatedAt: now},
		{ID: "item-gauze-roll", PracticeID: "prac-lakeside", SKU: "GAUZE-10", Name: "Gauze Roll 10cm", Category: "consumable", Unit: "roll", Active: true, CreatedAt: now},
		{ID: "item-gloves-m", PracticeID: "prac-lakeside", SKU: "GLOVE-M", Name: "Surgical Gloves Medium", Category: "consumable", Unit: "pair", Active: true, CreatedAt: now},
		{ID: "item-spot-on", PracticeID: "prac-lakeside", SKU: "FLEA-SPOT", Name: "Flea and Tick Spot-On", Category: "parasiticide", Unit: "pipette", Active: true, CreatedAt: now},
		{ID: "item-iv-cath-22", PracticeID: "prac-lakeside", SKU: "IVC-22G", Name: "IV Catheter 22G", Category: "consumable", Unit: "piece", Active: true, CreatedAt: now},
		{ID: "item-microchip", PracticeID: "prac-lakeside", SKU: "CHIP-STD", Name: "Pet Microchip", Category: "consumable", Unit: "piece", Active: true, CreatedAt: now},
		{ID: "item-hc-amox-250", PracticeID: "prac-hillcrest", SKU: "AMOX-250", Name: "Amoxicillin 250mg Capsules", Category: "pharmaceutical", Unit: "capsule", Active: true, CreatedAt: now},
	}

	locationMap := make(map[string]domain.Location, len(locations))
	for _, loc := range locations {
		locationMap[loc.ID] = loc
	}
	itemMap := make(map[string]domain.Item, len(items))
	for _, item := range items {
		itemMap[item.ID] = item
	}

	ten := 10
	twenty := 20
	fifty := 50
	twoHundred := 200
	inventory := map[string]domain.InventoryRecord{}
	seedRecords := []domain.InventoryRecord{
		{PracticeID: "prac-lakeside", LocationID: "loc-lakeside-pharmacy", ItemID: "item-amox-250", Quantity: 120, ReorderPoint: &twenty, ReorderQuantity: &fifty, MaxStock: &twoHundred, UpdatedAt: now},
		{PracticeID: "prac-lakeside", LocationID: "loc-lakeside-pharmacy", ItemID: "item-melox-oral", Quantity: 35, ReorderPoint: &ten, ReorderQuantity: &twenty, UpdatedAt: now},
		{PracticeID: "prac-lakeside", LocationID: "loc-lakeside-pharmacy", ItemID: "item-rabies-vax", Quantity: 48, ReorderPoint: &ten, ReorderQuantity: &twenty, UpdatedAt: now},
		{PracticeID: "prac-lakeside", LocationID: "loc-lakeside-pharmacy", ItemID: "item-syringe-5ml", Quantity: 240, ReorderPoint: &fifty, UpdatedAt: now},
		{PracticeID: "prac-lakeside", LocationID: "loc-lakeside-pharmacy", ItemID: "item-gauze-roll", Quantity: 80, UpdatedAt: now},
		{PracticeID: "prac-lakeside", LocationID: "loc-lakeside-pharmacy", ItemID: "item-gloves-m", Quantity: 150, ReorderPoint: &fifty, UpdatedAt: now},
		{PracticeID: "prac-lakeside", LocationID: "loc-lakeside-pharmacy", ItemID: "item-spot-on", Quantity: 60, ReorderPoint: &twenty, UpdatedAt: now},
		{PracticeID: "prac-lakeside", LocationID: "loc-lakeside-ward", ItemID: "item-iv-cath-22", Quantity: 40, ReorderPoint: &ten, UpdatedAt: now},
		{PracticeID: "prac-lakeside", LocationID: "loc-lakeside-ward", ItemID: "item-gauze-roll", Quantity: 25, UpdatedAt: now},
		{PracticeID: "prac-hillcrest", LocationID: "loc-hillcrest-pharmacy", ItemID: "item-hc-amox-250", Quantity: 90, ReorderPoint: &twenty, UpdatedAt: now},
	}
	for _, rec := range seedRecords {
		inventory[invKey(rec.LocationID, rec.ItemID)] = rec
	}

	return &Store{
		locationsByID:   locationMap,
		itemsByID:       itemMap,
		inventory:       inventory,
		sessionsByID:    make(map[string]domain.StockCountSession),
		linesByID:       make(map[string]domain.StockCountLine),
		linesBySession:  make(map[string]map[string]string),
		adjustments:     make([]domain.StockAdjustment, 0, 64),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !exists {
		return nil, domain.ErrNotFound
	}
	copyUser := user
	return &copyUser, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" || user.PracticeID == "" {
		return fmt.Errorf("%w: username, password and practice are required", domain.ErrValidation)
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: username %s already exists", domain.ErrValidation, username)
	}
	user.Username = username
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context, practiceID string) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		if practiceID != "" && user.PracticeID != practiceID {
			continue
		}
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) ListLocations(_ context.Context, practiceID string) ([]domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	locations := make([]domain.Location, 0, len(s.locationsByID))
	for _, loc := range s.locationsByID {
		if loc.PracticeID != practiceID || !loc.Active {
			continue
		}
		locations = append(locations, loc)
	}
	slices.SortFunc(locations, func(a, b domain.Location) int {
		return cmpString(a.Name, b.Name)
	})
	return locations, nil
}

func (s *Store) GetLocation(_ context.Context, practiceID string, locationID string) (*domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getLocationLocked(practiceID, locationID)
}

func (s *Store) getLocationLocked(practiceID string, locationID string) (*domain.Location, error) {
	loc, exists := s.locationsByID[locationID]
	if !exists || loc.PracticeID != practiceID {
		return nil, domain.ErrNotFound
	}
	copyLoc := loc
	return &copyLoc, nil
}

func (s *Store) ListItems(_ context.Context, practiceID string) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Item, 0, len(s.itemsByID))
	for _, item := range s.itemsByID {
		if item.PracticeID != practiceID || !item.Active {
			continue
		}
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b domain.Item) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})
	return items, nil
}

func (s *Store) GetItem(_ context.Context, practiceID string, itemID string) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getItemLocked(practiceID, itemID)
}

func (s *Store) getItemLocked(practiceID string, itemID string) (*domain.Item, error) {
	item, exists := s.itemsByID[itemID]
	if !exists || item.PracticeID != practiceID {
		return nil, domain.ErrNotFound
	}
	copyItem := item
	return &copyItem, nil
}

func (s *Store) GetItemsByIDs(_ context.Context, practiceID string, itemIDs []string) (map[string]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Item, len(itemIDs))
	for _, id := range itemIDs {
		if item, ok := s.itemsByID[id]; ok && item.PracticeID == practiceID {
			result[id] = item
		}
	}
	return result, nil
}

func (s *Store) GetStockLevels(_ context.Context, practiceID string, locationID string, itemIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getLocationLocked(practiceID, locationID); err != nil {
		return nil, err
	}

	levels := make(map[string]int, len(itemIDs))
	for _, itemID := range itemIDs {
		if rec, ok := s.inventory[invKey(locationID, itemID)]; ok && rec.PracticeID == practiceID {
			levels[itemID] = rec.Quantity
		}
	}
	return levels, nil
}

func (s *Store) GetInventoryRecord(_ context.Context, practiceID string, locationID string, itemID string) (*domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.inventory[invKey(locationID, itemID)]
	if !exists || rec.PracticeID != practiceID {
		return nil, domain.ErrNotFound
	}
	copyRec := cloneInventoryRecord(rec)
	return &copyRec, nil
}

func (s *Store) ListInventory(_ context.Context, practiceID string, locationID string) ([]domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.InventoryRecord, 0, len(s.inventory))
	for _, rec := range s.inventory {
		if rec.PracticeID != practiceID {
			continue
		}
		if locationID != "" && rec.LocationID != locationID {
			continue
		}
		records = append(records, cloneInventoryRecord(rec))
	}
	slices.SortFunc(records, func(a, b domain.InventoryRecord) int {
		if a.LocationID == b.LocationID {
			return cmpString(a.ItemID, b.ItemID)
		}
		return cmpString(a.LocationID, b.LocationID)
	})
	return records, nil
}

// AdjustStock applies one out-of-band movement under a single lock, so the
// adjustment row always matches the ledger change it caused.
func (s *Store) AdjustStock(_ context.Context, params store.AdjustmentParams) (*domain.InventoryRecord, *domain.StockAdjustment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if (params.Delta == nil) == (params.SetTo == nil) {
		return nil, nil, fmt.Errorf("%w: exactly one of delta or set_to must be supplied", domain.ErrValidation)
	}
	if strings.TrimSpace(params.Reason) == "" {
		return nil, nil, fmt.Errorf("%w: adjustment reason is required", domain.ErrValidation)
	}

	current := 0
	if rec, ok := s.inventory[invKey(params.LocationID, params.ItemID)]; ok && rec.PracticeID == params.PracticeID {
		current = rec.Quantity
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

	saved, err := s.setStockLocked(params.PracticeID, params.LocationID, params.ItemID, target)
	if err != nil {
		return nil, nil, err
	}
	created, err := s.createStockAdjustmentLocked(domain.StockAdjustment{
		PracticeID:  params.PracticeID,
		LocationID:  params.LocationID,
		ItemID:      params.ItemID,
		Quantity:    target - current,
		Reason:      params.Reason,
		Note:        params.Note,
		CreatedByID: params.ActorUserID,
	})
	if err != nil {
		return nil, nil, err
	}
	copyAdj := *created
	return saved, &copyAdj, nil
}

func (s *Store) setStockLocked(practiceID string, locationID string, itemID string, quantity int) (*domain.InventoryRecord, error) {
	if quantity < 0 {
		return nil, fmt.Errorf("%w: stock for item %s would be negative", domain.ErrInvariant, itemID)
	}
	if _, err := s.getLocationLocked(practiceID, locationID); err != nil {
		return nil, err
	}
	if _, err := s.getItemLocked(practiceID, itemID); err != nil {
		return nil, err
	}

	key := invKey(locationID, itemID)
	rec, exists := s.inventory[key]
	if !exists {
		rec = domain.InventoryRecord{
			PracticeID: practiceID,
			LocationID: locationID,
			ItemID:     itemID,
		}
	}
	rec.Quantity = quantity
	rec.UpdatedAt = time.Now().UTC()
	s.inventory[key] = rec
	copyRec := cloneInventoryRecord(rec)
	return &copyRec, nil
}

func (s *Store) SetReorderSettings(_ context.Context, practiceID string, locationID string, itemID string, reorderPoint, reorderQuantity, maxStock *int) (*domain.InventoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reorderPoint != nil && *reorderPoint < 0 {
		return nil, fmt.Errorf("%w: reorder point must not be negative", domain.ErrValidation)
	}
	if reorderQuantity != nil && *reorderQuantity < 1 {
		return nil, fmt.Errorf("%w: reorder quantity must be positive", domain.ErrValidation)
	}
	if maxStock != nil && *maxStock < 0 {
		return nil, fmt.Errorf("%w: max stock must not be negative", domain.ErrValidation)
	}
	if _, err := s.getLocationLocked(practiceID, locationID); err != nil {
		return nil, err
	}
	if _, err := s.getItemLocked(practiceID, itemID); err != nil {
		return nil, err
	}

	key := invKey(locationID, itemID)
	rec, exists := s.inventory[key]
	if !exists {
		rec = domain.InventoryRecord{
			PracticeID: practiceID,
			LocationID: locationID,
			ItemID:     itemID,
		}
	}
	rec.ReorderPoint = copyIntPtr(reorderPoint)
	rec.ReorderQuantity = copyIntPtr(reorderQuantity)
	rec.MaxStock = copyIntPtr(maxStock)
	rec.UpdatedAt = time.Now().UTC()
	s.inventory[key] = rec
	copyRec := cloneInventoryRecord(rec)
	return &copyRec, nil
}

func (s *Store) ListLowStock(_ context.Context, practiceID string, locationID string) ([]domain.LowStockAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alerts := make([]domain.LowStockAlert, 0, 16)
	for _, rec := range s.inventory {
		if rec.PracticeID != practiceID {
			continue
		}
		if locationID != "" && rec.LocationID != locationID {
			continue
		}
		if rec.ReorderPoint == nil || rec.Quantity > *rec.ReorderPoint {
			continue
		}
		alert := domain.LowStockAlert{
			LocationID:   rec.LocationID,
			ItemID:       rec.ItemID,
			Quantity:     rec.Quantity,
			ReorderPoint: *rec.ReorderPoint,
		}
		if rec.ReorderQuantity != nil {
			alert.ReorderQuantity = *rec.ReorderQuantity
		}
		if item, ok := s.itemsByID[rec.ItemID]; ok {
			alert.ItemName = item.Name
		}
		alerts = append(alerts, alert)
	}
	slices.SortFunc(alerts, func(a, b domain.LowStockAlert) int {
		if a.LocationID == b.LocationID {
			return cmpString(a.ItemName, b.ItemName)
		}
		return cmpString(a.LocationID, b.LocationID)
	})
	return alerts, nil
}

func (s *Store) createStockAdjustmentLocked(adj domain.StockAdjustment) (*domain.StockAdjustment, error) {
	if adj.Quantity == 0 {
		return nil, fmt.Errorf("%w: adjustment quantity must not be zero", domain.ErrValidation)
	}
	if strings.TrimSpace(adj.Reason) == "" {
		return nil, fmt.Errorf("%w: adjustment reason is required", domain.ErrValidation)
	}
	if adj.ID == "" {
		adj.ID = xid.New("adj")
	}
	if adj.CreatedAt.IsZero() {
		adj.CreatedAt = time.Now().UTC()
	}
	s.adjustments = append(s.adjustments, adj)
	return &adj, nil
}

func (s *Store) ListStockAdjustments(_ context.Context, practiceID string, locationID string, itemID string, limit int) ([]domain.StockAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockAdjustment, 0, 64)
	for _, adj := range s.adjustments {
		if adj.PracticeID != practiceID {
			continue
		}
		if locationID != "" && adj.LocationID != locationID {
			continue
		}
		if itemID != "" && adj.ItemID != itemID {
			continue
		}
		result = append(result, adj)
	}
	slices.SortFunc(result, func(a, b domain.StockAdjustment) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateStockCountSession(_ context.Context, session domain.StockCountSession) (*domain.StockCountSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getLocationLocked(session.PracticeID, session.LocationID); err != nil {
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

	s.sessionsByID[session.ID] = session
	s.linesBySession[session.ID] = map[string]string{}
	copySession := cloneSession(session)
	return &copySession, nil
}

func (s *Store) GetStockCountSession(_ context.Context, practiceID string, sessionID string) (*domain.StockCountSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getSessionLocked(practiceID, sessionID)
}

func (s *Store) getSessionLocked(practiceID string, sessionID string) (*domain.StockCountSession, error) {
	session, exists := s.sessionsByID[sessionID]
	if !exists || session.PracticeID != practiceID {
		return nil, domain.ErrNotFound
	}
	copySession := cloneSession(session)
	return &copySession, nil
}

func (s *Store) ListStockCountSessions(_ context.Context, practiceID string, status string, limit int) ([]domain.StockCountSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockCountSession, 0, len(s.sessionsByID))
	for _, session := range s.sessionsByID {
		if session.PracticeID != practiceID {
			continue
		}
		if status != "" && session.Status != status {
			continue
		}
		result = append(result, cloneSession(session))
	}
	slices.SortFunc(result, func(a, b domain.StockCountSession) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CancelStockCountSession(_ context.Context, practiceID string, sessionID string) (*domain.StockCountSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[sessionID]
	if !exists || session.PracticeID != practiceID {
		return nil, domain.ErrNotFound
	}
	if session.Status != domain.SessionStatusInProgress {
		return nil, fmt.Errorf("%w: stock count %s is %s", domain.ErrValidation, sessionID, session.Status)
	}
	session.Status = domain.SessionStatusCancelled
	s.sessionsByID[sessionID] = session
	copySession := cloneSession(session)
	return &copySession, nil
}

func (s *Store) DeleteStockCountSession(_ context.Context, practiceID string, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[sessionID]
	if !exists || session.PracticeID != practiceID {
		return domain.ErrNotFound
	}
	if session.Status == domain.SessionStatusCompleted {
		return fmt.Errorf("%w: completed stock counts cannot be deleted", domain.ErrValidation)
	}

	for _, lineID := range s.linesBySession[sessionID] {
		delete(s.linesByID, lineID)
	}
	delete(s.linesBySession, sessionID)
	delete(s.sessionsByID, sessionID)
	return nil
}

func (s *Store) UpsertStockCountLine(_ context.Context, practiceID string, line domain.StockCountLine) (*domain.StockCountLine, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[line.SessionID]
	if !exists || session.PracticeID != practiceID {
		return nil, false, domain.ErrNotFound
	}
	if session.Status != domain.SessionStatusInProgress {
		return nil, false, fmt.Errorf("%w: stock count %s is %s", domain.ErrValidation, line.SessionID, session.Status)
	}
	if line.CountedQuantity < 0 {
		return nil, false, fmt.Errorf("%w: counted quantity must not be negative", domain.ErrValidation)
	}

	now := time.Now().UTC()
	byItem := s.linesBySession[line.SessionID]
	if byItem == nil {
		byItem = map[string]string{}
		s.linesBySession[line.SessionID] = byItem
	}

	if existingID, ok := byItem[line.ItemID]; ok {
		existing := s.linesByID[existingID]
		existing.CountedQuantity = line.CountedQuantity
		existing.SystemQuantity = line.SystemQuantity
		existing.Variance = line.CountedQuantity - line.SystemQuantity
		if strings.TrimSpace(line.Notes) != "" {
			existing.Notes = line.Notes
		}
		existing.UpdatedAt = now
		s.linesByID[existingID] = existing
		copyLine := existing
		return &copyLine, false, nil
	}

	if line.ID == "" {
		line.ID = xid.New("line")
	}
	line.Variance = line.CountedQuantity - line.SystemQuantity
	line.CreatedAt = now
	line.UpdatedAt = now
	s.linesByID[line.ID] = line
	byItem[line.ItemID] = line.ID
	copyLine := line
	return &copyLine, true, nil
}

func (s *Store) GetStockCountLine(_ context.Context, practiceID string, lineID string) (*domain.StockCountLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	line, exists := s.linesByID[lineID]
	if !exists {
		return nil, domain.ErrNotFound
	}
	session, exists := s.sessionsByID[line.SessionID]
	if !exists || session.PracticeID != practiceID {
		return nil, domain.ErrNotFound
	}
	copyLine := line
	return &copyLine, nil
}

func (s *Store) UpdateStockCountLine(_ context.Context, practiceID string, lineID string, counted *int, notes *string) (*domain.StockCountLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, exists := s.linesByID[lineID]
	if !exists {
		return nil, domain.ErrNotFound
	}
	session, exists := s.sessionsByID[line.SessionID]
	if !exists || session.PracticeID != practiceID {
		return nil, domain.ErrNotFound
	}
	if session.Status != domain.SessionStatusInProgress {
		return nil, fmt.Errorf("%w: stock count %s is %s", domain.ErrValidation, line.SessionID, session.Status)
	}

	if counted != nil {
		if *counted < 0 {
			return nil, fmt.Errorf("%w: counted quantity must not be negative", domain.ErrValidation)
		}
		line.CountedQuantity = *counted
		line.Variance = *counted - line.SystemQuantity
	}
	if notes != nil {
		line.Notes = *notes
	}
	line.UpdatedAt = time.Now().UTC()
	s.linesByID[lineID] = line
	copyLine := line
	return &copyLine, nil
}

func (s *Store) DeleteStockCountLine(_ context.Context, practiceID string, lineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, exists := s.linesByID[lineID]
	if !exists {
		return domain.ErrNotFound
	}
	session, exists := s.sessionsByID[line.SessionID]
	if !exists || session.PracticeID != practiceID {
		return domain.ErrNotFound
	}
	if session.Status != domain.SessionStatusInProgress {
		return fmt.Errorf("%w: stock count %s is %s", domain.ErrValidation, line.SessionID, session.Status)
	}

	delete(s.linesByID, lineID)
	delete(s.linesBySession[line.SessionID], line.ItemID)
	return nil
}

func (s *Store) ListStockCountLines(_ context.Context, practiceID string, sessionID string) ([]domain.StockCountLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getSessionLocked(practiceID, sessionID); err != nil {
		return nil, err
	}
	return s.listLinesLocked(sessionID), nil
}

func (s *Store) listLinesLocked(sessionID string) []domain.StockCountLine {
	result := make([]domain.StockCountLine, 0, len(s.linesBySession[sessionID]))
	for _, lineID := range s.linesBySession[sessionID] {
		result = append(result, s.linesByID[lineID])
	}
	slices.SortFunc(result, func(a, b domain.StockCountLine) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result
}

// CompleteStockCountSession validates everything before mutating anything,
// so a returned error leaves the ledger and the session untouched. The
// whole method runs under one write lock, which stands in for the
// serializable transaction of the postgres store.
func (s *Store) CompleteStockCountSession(_ context.Context, params store.CompletionParams) (*domain.CompletionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[params.SessionID]
	if !exists || session.PracticeID != params.PracticeID {
		return nil, domain.ErrNotFound
	}
	if session.Status != domain.SessionStatusInProgress {
		return nil, fmt.Errorf("%w: stock count %s is %s", domain.ErrValidation, params.SessionID, session.Status)
	}
	lines := s.listLinesLocked(params.SessionID)
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: stock count %s has no lines", domain.ErrValidation, params.SessionID)
	}

	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result := &domain.CompletionResult{
		SessionID:   params.SessionID,
		Status:      domain.SessionStatusCompleted,
		Applied:     params.ApplyAdjustments,
		CompletedAt: now.Format(time.RFC3339),
	}
	for _, line := range lines {
		result.TotalAbsVariance += absInt(line.Variance)
	}

	if params.ApplyAdjustments {
		conflicts := make([]domain.ConcurrencyConflict, 0, 2)
		for _, line := range lines {
			live := 0
			if rec, ok := s.inventory[invKey(session.LocationID, line.ItemID)]; ok {
				live = rec.Quantity
			}
			if live != line.SystemQuantity {
				conflicts = append(conflicts, domain.ConcurrencyConflict{
					ItemID:           line.ItemID,
					ItemName:         s.itemNameLocked(line.ItemID),
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
			live := 0
			if rec, ok := s.inventory[invKey(session.LocationID, line.ItemID)]; ok {
				live = rec.Quantity
			}
			// The adjustment records the real ledger movement, which differs
			// from the line's variance when an override let the ledger move
			// mid-count.
			delta := line.CountedQuantity - live
			if delta == 0 {
				continue
			}
			if _, err := s.setStockLocked(session.PracticeID, session.LocationID, line.ItemID, line.CountedQuantity); err != nil {
				return nil, err
			}
			note := fmt.Sprintf("stock count %s", params.SessionID)
			if strings.TrimSpace(line.Notes) != "" {
				note = note + ": " + line.Notes
			}
			if _, err := s.createStockAdjustmentLocked(domain.StockAdjustment{
				PracticeID:  session.PracticeID,
				LocationID:  session.LocationID,
				ItemID:      line.ItemID,
				Quantity:    delta,
				Reason:      domain.AdjustmentReasonStockCount,
				Note:        note,
				CreatedByID: params.ActorUserID,
				CreatedAt:   now,
			}); err != nil {
				return nil, err
			}
			result.AdjustedItems++
			result.Adjustments = append(result.Adjustments, domain.AppliedAdjustment{
				ItemID:          line.ItemID,
				ItemName:        s.itemNameLocked(line.ItemID),
				SystemQuantity:  line.SystemQuantity,
				CountedQuantity: line.CountedQuantity,
				Delta:           delta,
			})
		}
	}

	session.Status = domain.SessionStatusCompleted
	session.CompletedAt = &now
	s.sessionsByID[params.SessionID] = session

	return result, nil
}

func (s *Store) itemNameLocked(itemID string) string {
	if item, ok := s.itemsByID[itemID]; ok {
		return item.Name
	}
	return itemID
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, practiceID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if practiceID != "" && entry.PracticeID != practiceID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func invKey(locationID string, itemID string) string {
	return locationID + "::" + itemID
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSession(src domain.StockCountSession) domain.StockCountSession {
	dup := src
	if src.CompletedAt != nil {
		at := src.CompletedAt.UTC()
		dup.CompletedAt = &at
	}
	return dup
}

func cloneInventoryRecord(src domain.InventoryRecord) domain.InventoryRecord {
	dup := src
	dup.ReorderPoint = copyIntPtr(src.ReorderPoint)
	dup.ReorderQuantity = copyIntPtr(src.ReorderQuantity)
	dup.MaxStock = copyIntPtr(src.MaxStock)
	return dup
}

func copyIntPtr(src *int) *int {
	if src == nil {
		return nil
	}
	v := *src
	return &v
}
