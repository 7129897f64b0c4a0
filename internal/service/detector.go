package service

import "vetstock/backend/internal/domain"

// detectConflicts compares each counted line's snapshot against the live
// ledger quantity and returns the lines that diverged. Items with no
// inventory record read as zero, matching how snapshots are taken.
func detectConflicts(lines []domain.StockCountLine, live map[string]int, itemNames map[string]string) []domain.ConcurrencyConflict {
	conflicts := make([]domain.ConcurrencyConflict, 0, 2)
	for _, line := range lines {
		current := live[line.ItemID]
		if current == line.SystemQuantity {
			continue
		}
		name := itemNames[line.ItemID]
		if name == "" {
			name = line.ItemID
		}
		conflicts = append(conflicts, domain.ConcurrencyConflict{
			ItemID:           line.ItemID,
			ItemName:         name,
			SnapshotQuantity: line.SystemQuantity,
			CurrentQuantity:  current,
		})
	}
	return conflicts
}
