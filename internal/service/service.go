package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"vetstock/backend/internal/domain"
	"vetstock/backend/internal/lowstock"
	"vetstock/backend/internal/store"
	"vetstock/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo     store.Repository
	lowStock *lowstock.Checker
}

func New(repo store.Repository, lowStockChecker *lowstock.Checker) *Service {
	if lowStockChecker == nil {
		lowStockChecker = lowstock.NewChecker(nil, nil, 0)
	}

	return &Service{
		repo:     repo,
		lowStock: lowStockChecker,
	}
}

// requireMinimumRole resolves the actor from the context and checks it
// holds at least the given role. Practice scoping for everything below
// comes from the actor, never from request payloads.
func (s *Service) requireMinimumRole(ctx context.Context, role string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" || actor.PracticeID == "" {
		return domain.Actor{}, domain.ErrUnauthorized
	}
	if domain.RoleRank(actor.Role) < domain.RoleRank(role) {
		return domain.Actor{}, fmt.Errorf("%w: %s role required", domain.ErrForbidden, role)
	}
	return actor, nil
}

func (s *Service) ListLocations(ctx context.Context) ([]domain.Location, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleStaff)
	if err != nil {
		return nil, err
	}
	return s.repo.ListLocations(ctx, actor.PracticeID)
}

func (s *Service) ListItems(ctx context.Context) ([]domain.Item, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleStaff)
	if err != nil {
		return nil, err
	}
	return s.repo.ListItems(ctx, actor.PracticeID)
}

func (s *Service) ListInventory(ctx context.Context, locationID string) ([]domain.InventoryRecord, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleStaff)
	if err != nil {
		return nil, err
	}
	return s.repo.ListInventory(ctx, actor.PracticeID, strings.TrimSpace(locationID))
}

func (s *Service) ListLowStock(ctx context.Context, locationID string) ([]domain.LowStockAlert, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleStaff)
	if err != nil {
		return nil, err
	}
	return s.repo.ListLowStock(ctx, actor.PracticeID, strings.TrimSpace(locationID))
}

func (s *Service) ListStockAdjustments(ctx context.Context, locationID string, itemID string, limit int) ([]domain.StockAdjustment, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleStaff)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListStockAdjustments(ctx, actor.PracticeID, strings.TrimSpace(locationID), strings.TrimSpace(itemID), limit)
}

// AdjustInventory is the out-of-band ledger writer: receiving deliveries,
// breakage, corrections. Exactly one of Delta or SetTo must be supplied.
func (s *Service) AdjustInventory(ctx context.Context, req domain.InventoryAdjustRequest) (domain.InventoryRecord, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.InventoryRecord{}, err
	}

	req.LocationID = strings.TrimSpace(req.LocationID)
	req.ItemID = strings.TrimSpace(req.ItemID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.LocationID == "" || req.ItemID == "" {
		return domain.InventoryRecord{}, fmt.Errorf("%w: location and item are required", domain.ErrValidation)
	}
	if req.Reason == "" {
		return domain.InventoryRecord{}, fmt.Errorf("%w: reason is required", domain.ErrValidation)
	}
	if (req.Delta == nil) == (req.SetTo == nil) {
		return domain.InventoryRecord{}, fmt.Errorf("%w: exactly one of delta or set_to must be supplied", domain.ErrValidation)
	}

	item, err := s.repo.GetItem(ctx, actor.PracticeID, req.ItemID)
	if err != nil {
		return domain.InventoryRecord{}, err
	}

	saved, adjustment, err := s.repo.AdjustStock(ctx, store.AdjustmentParams{
		PracticeID:  actor.PracticeID,
		LocationID:  req.LocationID,
		ItemID:      req.ItemID,
		Delta:       req.Delta,
		SetTo:       req.SetTo,
		Reason:      req.Reason,
		Note:        strings.TrimSpace(req.Note),
		ActorUserID: actor.UserID,
	})
	if err != nil {
		return domain.InventoryRecord{}, err
	}

	s.checkLowStock(ctx, actor.PracticeID, *saved, item.Name)
	s.logAudit(ctx, actor.PracticeID, "inventory_adjust", "inventory", req.LocationID+"/"+req.ItemID,
		fmt.Sprintf("delta=%d,quantity=%d,reason=%s", adjustment.Quantity, saved.Quantity, req.Reason))

	return *saved, nil
}

func (s *Service) SetReorderSettings(ctx context.Context, req domain.ReorderSettingsRequest) (domain.InventoryRecord, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.InventoryRecord{}, err
	}

	req.LocationID = strings.TrimSpace(req.LocationID)
	req.ItemID = strings.TrimSpace(req.ItemID)
	if req.LocationID == "" || req.ItemID == "" {
		return domain.InventoryRecord{}, fmt.Errorf("%w: location and item are required", domain.ErrValidation)
	}

	saved, err := s.repo.SetReorderSettings(ctx, actor.PracticeID, req.LocationID, req.ItemID, req.ReorderPoint, req.ReorderQuantity, req.MaxStock)
	if err != nil {
		return domain.InventoryRecord{}, err
	}

	s.logAudit(ctx, actor.PracticeID, "reorder_settings_update", "inventory", req.LocationID+"/"+req.ItemID,
		fmt.Sprintf("reorder_point=%s,reorder_quantity=%s,max_stock=%s", fmtIntPtr(req.ReorderPoint), fmtIntPtr(req.ReorderQuantity), fmtIntPtr(req.MaxStock)))
	return *saved, nil
}

func (s *Service) CreateStockCount(ctx context.Context, req domain.StockCountCreateRequest) (domain.StockCountSession, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleStaff)
	if err != nil {
		return domain.StockCountSession{}, err
	}

	req.LocationID = strings.TrimSpace(req.LocationID)
	if req.LocationID == "" {
		return domain.StockCountSession{}, fmt.Errorf("%w: location is required", domain.ErrValidation)
	}
	if _, err := s.repo.GetLocation(ctx, actor.PracticeID, req.LocationID); err != nil {
		return domain.StockCountSession{}, err
	}

	created, err := s.repo.CreateStockCountSession(ctx, domain.StockCountSession{
		PracticeID:  actor.PracticeID,
		LocationID:  req.LocationID,
		CreatedByID: actor.UserID,
		Notes:       strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return domain.StockCountSession{}, err
	}

	s.logAudit(ctx, actor.PracticeID, "stock_count_create", "stock_count", created.ID, fmt.Sprintf("location=%s", created.LocationID))
	return *created, nil
}

func (s *Service) GetStockCount(ctx context.Context, sessionID string) (domain.StockCountResponse, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleStaff)
	if err != nil {
		return domain.StockCountResponse{}, err
	}

	session, err := s.repo.GetStockCountSession(ctx, actor.PracticeID, sessionID)
	if err != nil {
		return domain.StockCountResponse{}, err
	}
	lines, err := s.repo.ListStockCountLines(ctx, actor.PracticeID, sessionID)
	if err != nil {
		return domain.StockCountResponse{}, err
	}
	return domain.StockCountResponse{Session: *session, Lines: lines}, nil
}

func (s *Service) ListStockCounts(ctx context.Context, status string, limit int) ([]domain.StockCountSession, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleStaff)
	if err != nil {
		return nil, err
	}

	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "", domain.SessionStatusInProgress, domain.SessionStatusCompleted, domain.SessionStatusCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status)
	}
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListStockCountSessions(ctx, actor.PracticeID, status, limit)
}

// RecordCountLine adds a counted item to an in-progress session, or
// re-counts it if a line for the item already exists. The system quantity
// snapshot is read from the live ledger here and nowhere else; counting
// never writes to the ledger.
func (s *Service) RecordCountLine(ctx context.Context, sessionID string, req domain.StockCountLineRequest) (domain.StockCountLine, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleStaff)
	if err != nil {
		return domain.StockCountLine{}, err
	}

	req.ItemID = strings.TrimSpace(req.ItemID)
	if req.ItemID == "" {
		return domain.StockCountLine{}, fmt.Errorf("%w: item is required", domain.ErrValidation)
	}
	if req.CountedQuantity < 0 {
		return domain.StockCountLine{}, fmt.Errorf("%w: counted quantity must not be negative", domain.ErrValidation)
	}

	session, err := s.repo.GetStockCountSession(ctx, actor.PracticeID, sessionID)
	if err != nil {
		return domain.StockCountLine{}, err
	}
	if session.Status != domain.SessionStatusInProgress {
		return domain.StockCountLine{}, fmt.Errorf("%w: stock count %s is %s", domain.ErrValidation, sessionID, session.Status)
	}
	if _, err := s.repo.GetItem(ctx, actor.PracticeID, req.ItemID); err != nil {
		return domain.StockCountLine{}, err
	}

	levels, err := s.repo.GetStockLevels(ctx, actor.PracticeID, session.LocationID, []string{req.ItemID})
	if err != nil {
		return domain.StockCountLine{}, err
	}

	line, _, err := s.repo.UpsertStockCountLine(ctx, actor.PracticeID, domain.StockCountLine{
		SessionID:       sessionID,
		ItemID:          req.ItemID,
		CountedQuantity: req.CountedQuantity,
		SystemQuantity:  levels[req.ItemID],
		Notes:           strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return domain.StockCountLine{}, err
	}
	return *line, nil
}

// UpdateCountLine edits an existing line. Variance is recomputed against
// the line's stored snapshot; the ledger is deliberately not re-read.
func (s *Service) UpdateCountLine(ctx context.Context, lineID string, req domain.StockCountLineUpdateRequest) (domain.StockCountLine, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleStaff)
	if err != nil {
		return domain.StockCountLine{}, err
	}
	if req.CountedQuantity == nil && req.Notes == nil {
		return domain.StockCountLine{}, fmt.Errorf("%w: nothing to update", domain.ErrValidation)
	}

	line, err := s.repo.UpdateStockCountLine(ctx, actor.PracticeID, lineID, req.CountedQuantity, req.Notes)
	if err != nil {
		return domain.StockCountLine{}, err
	}
	return *line, nil
}

func (s *Service) RemoveCountLine(ctx context.Context, lineID string) error {
	actor, err := s.requireMinimumRole(ctx, domain.RoleStaff)
	if err != nil {
		return err
	}
	return s.repo.DeleteStockCountLine(ctx, actor.PracticeID, lineID)
}

// CompleteStockCount finalizes a session. With adjustments enabled it
// re-checks every snapshot against the live ledger first: any divergence
// aborts with a ConcurrencyError unless an admin explicitly overrides, in
// which case the divergence is carried through as warnings. The store runs
// the authoritative re-check again inside the transaction, so this
// pre-check only exists to fail fast with a readable error.
func (s *Service) CompleteStockCount(ctx context.Context, sessionID string, req domain.CompleteStockCountRequest) (domain.CompletionResult, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleStaff)
	if err != nil {
		return domain.CompletionResult{}, err
	}
	if req.AdminOverride {
		if _, err := s.requireMinimumRole(ctx, domain.RoleAdmin); err != nil {
			return domain.CompletionResult{}, err
		}
	}

	apply := true
	if req.ApplyAdjustments != nil {
		apply = *req.ApplyAdjustments
	}

	session, err := s.repo.GetStockCountSession(ctx, actor.PracticeID, sessionID)
	if err != nil {
		return domain.CompletionResult{}, err
	}
	if session.Status != domain.SessionStatusInProgress {
		return domain.CompletionResult{}, fmt.Errorf("%w: stock count %s is %s", domain.ErrValidation, sessionID, session.Status)
	}
	lines, err := s.repo.ListStockCountLines(ctx, actor.PracticeID, sessionID)
	if err != nil {
		return domain.CompletionResult{}, err
	}
	if len(lines) == 0 {
		return domain.CompletionResult{}, fmt.Errorf("%w: stock count %s has no lines", domain.ErrValidation, sessionID)
	}

	if apply && !req.AdminOverride {
		itemIDs := make([]string, 0, len(lines))
		for _, line := range lines {
			itemIDs = append(itemIDs, line.ItemID)
		}
		live, err := s.repo.GetStockLevels(ctx, actor.PracticeID, session.LocationID, itemIDs)
		if err != nil {
			return domain.CompletionResult{}, err
		}
		if conflicts := detectConflicts(lines, live, s.itemNames(ctx, actor.PracticeID, itemIDs)); len(conflicts) > 0 {
			return domain.CompletionResult{}, &domain.ConcurrencyError{SessionID: sessionID, Conflicts: conflicts}
		}
	}

	result, err := s.repo.CompleteStockCountSession(ctx, store.CompletionParams{
		PracticeID:       actor.PracticeID,
		SessionID:        sessionID,
		ActorUserID:      actor.UserID,
		ApplyAdjustments: apply,
		AllowConflicts:   req.AdminOverride,
	})
	if err != nil {
		return domain.CompletionResult{}, err
	}

	for _, adj := range result.Adjustments {
		rec, err := s.repo.GetInventoryRecord(ctx, actor.PracticeID, session.LocationID, adj.ItemID)
		if err != nil {
			log.Printf("[service] WARN: low-stock check skipped for item=%s: %v", adj.ItemID, err)
			continue
		}
		s.checkLowStock(ctx, actor.PracticeID, *rec, adj.ItemName)
	}

	detail := fmt.Sprintf("lines=%d,applied=%t,adjusted=%d,abs_variance=%d,override=%t,warnings=%d",
		len(lines), result.Applied, result.AdjustedItems, result.TotalAbsVariance, req.AdminOverride, len(result.Warnings))
	if len(result.Adjustments) > 0 {
		if breakdown, err := json.Marshal(result.Adjustments); err == nil {
			detail = detail + ",items=" + string(breakdown)
		}
	}
	if len(result.Warnings) > 0 {
		if divergence, err := json.Marshal(result.Warnings); err == nil {
			detail = detail + ",conflicts=" + string(divergence)
		}
	}
	s.logAudit(ctx, actor.PracticeID, "stock_count_complete", "stock_count", sessionID, detail)

	return *result, nil
}

func (s *Service) CancelStockCount(ctx context.Context, sessionID string) (domain.StockCountSession, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleStaff)
	if err != nil {
		return domain.StockCountSession{}, err
	}

	cancelled, err := s.repo.CancelStockCountSession(ctx, actor.PracticeID, sessionID)
	if err != nil {
		return domain.StockCountSession{}, err
	}

	s.logAudit(ctx, actor.PracticeID, "stock_count_cancel", "stock_count", sessionID, "")
	return *cancelled, nil
}

func (s *Service) DeleteStockCount(ctx context.Context, sessionID string) error {
	actor, err := s.requireMinimumRole(ctx, domain.RoleAdmin)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteStockCountSession(ctx, actor.PracticeID, sessionID); err != nil {
		return err
	}

	s.logAudit(ctx, actor.PracticeID, "stock_count_delete", "stock_count", sessionID, "")
	return nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}

	day := time.Now().UTC()
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse("2006-01-02", strings.TrimSpace(date))
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", domain.ErrValidation)
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, actor.PracticeID, from, to, limit)
}

func (s *Service) CreateStaffUser(ctx context.Context, req domain.StaffCreateRequest) (domain.StaffUser, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.StaffUser{}, err
	}

	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || len(req.Password) < 8 {
		return domain.StaffUser{}, fmt.Errorf("%w: username and a password of at least 8 characters are required", domain.ErrValidation)
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = domain.RoleStaff
	}
	if domain.RoleRank(role) == 0 {
		return domain.StaffUser{}, fmt.Errorf("%w: unknown role %q", domain.ErrValidation, role)
	}
	if domain.RoleRank(role) >= domain.RoleRank(actor.Role) {
		return domain.StaffUser{}, fmt.Errorf("%w: cannot create a user with role %s", domain.ErrForbidden, role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.StaffUser{}, err
	}

	user := domain.UserAccount{
		Username:   username,
		Password:   string(hash),
		Role:       role,
		PracticeID: actor.PracticeID,
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return domain.StaffUser{}, err
	}

	s.logAudit(ctx, actor.PracticeID, "user_create", "user", username, fmt.Sprintf("role=%s", role))
	return domain.StaffUser{Username: username, Role: role, Active: true, CreatedAt: time.Now().UTC()}, nil
}

func (s *Service) ListStaffUsers(ctx context.Context) ([]domain.StaffUser, error) {
	actor, err := s.requireMinimumRole(ctx, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}

	accounts, err := s.repo.ListUsers(ctx, actor.PracticeID)
	if err != nil {
		return nil, err
	}
	users := make([]domain.StaffUser, 0, len(accounts))
	for _, account := range accounts {
		users = append(users, domain.StaffUser{
			Username:  account.Username,
			Role:      account.Role,
			Active:    account.Active,
			CreatedAt: account.CreatedAt,
		})
	}
	return users, nil
}

// checkLowStock is fire-and-forget: a notification failure is logged and
// never propagated to the inventory write that triggered the check.
func (s *Service) checkLowStock(ctx context.Context, practiceID string, rec domain.InventoryRecord, itemName string) {
	if _, err := s.lowStock.Check(ctx, practiceID, rec, itemName); err != nil {
		log.Printf("[service] WARN: low-stock notification failed item=%s: %v", rec.ItemID, err)
	}
}

func (s *Service) itemNames(ctx context.Context, practiceID string, itemIDs []string) map[string]string {
	names := make(map[string]string, len(itemIDs))
	items, err := s.repo.GetItemsByIDs(ctx, practiceID, itemIDs)
	if err != nil {
		log.Printf("[service] WARN: item name lookup failed: %v", err)
		return names
	}
	for id, item := range items {
		names[id] = item.Name
	}
	return names
}

func (s *Service) logAudit(ctx context.Context, practiceID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		PracticeID:    practiceID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func fmtIntPtr(val *int) string {
	if val == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *val)
}
