package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	// ErrInvariant covers storage-level violations that validation should
	// have caught earlier, such as a write that would drive stock negative.
	ErrInvariant = errors.New("invariant violation")
)

// ConcurrencyError reports that the ledger moved underneath a stock count
// between counting and completion. It is the only error kind an admin
// override may bypass.
type ConcurrencyError struct {
	SessionID string
	Conflicts []ConcurrencyConflict
}

func (e *ConcurrencyError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s (%s): counted against %d, ledger now %d", c.ItemName, c.ItemID, c.SnapshotQuantity, c.CurrentQuantity))
	}
	return fmt.Sprintf("inventory changed during stock count %s: %s", e.SessionID, strings.Join(parts, "; "))
}

// IsConcurrency reports whether err is (or wraps) a ConcurrencyError.
func IsConcurrency(err error) (*ConcurrencyError, bool) {
	var ce *ConcurrencyError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// RoleRank orders roles for minimum-role checks. Unknown roles rank below
// staff.
func RoleRank(role string) int {
	switch role {
	case RoleStaff:
		return 1
	case RoleAdmin:
		return 2
	case RoleOwner:
		return 3
	default:
		return 0
	}
}
