package models

// SnapshotStats is the per-database snapshot census. The JSON field names are
// a compatibility contract with operator-facing reporting; do not rename.
type SnapshotStats struct {
	Total  int            `json:"total"`
	ByTier map[string]int `json:"byTier"`
}

// NewSnapshotStats returns an empty census with the map initialized, so a
// degraded tenant reports an explicit zero rather than a null.
func NewSnapshotStats() SnapshotStats {
	return SnapshotStats{ByTier: make(map[string]int)}
}

// AllSnapshotStats is the cross-database aggregate report.
type AllSnapshotStats struct {
	TotalDatabases int                      `json:"totalDatabases"`
	TotalSnapshots int                      `json:"totalSnapshots"`
	ByTier         map[string]int           `json:"byTier"`
	ByDatabase     map[string]SnapshotStats `json:"byDatabase"`
}

// NewAllSnapshotStats returns an empty aggregate with maps initialized.
func NewAllSnapshotStats() *AllSnapshotStats {
	return &AllSnapshotStats{
		ByTier:     make(map[string]int),
		ByDatabase: make(map[string]SnapshotStats),
	}
}

// Merge folds one database's census into the aggregate.
func (a *AllSnapshotStats) Merge(database string, stats SnapshotStats) {
	a.TotalDatabases++
	a.TotalSnapshots += stats.Total
	for tier, count := range stats.ByTier {
		a.ByTier[tier] += count
	}
	a.ByDatabase[database] = stats
}
