package models

import (
	"fmt"
	"time"
)

// SnapshotDocType discriminates snapshots from every other document kind
// sharing a tenant database.
const SnapshotDocType = "story-snapshot"

// RetentionTier is a named snapshot creation/retention cadence.
type RetentionTier string

const (
	TierGranular RetentionTier = "granular"
	TierHourly   RetentionTier = "hourly"
	TierDaily    RetentionTier = "daily"
	TierWeekly   RetentionTier = "weekly"
	TierMonthly  RetentionTier = "monthly"
	TierManual   RetentionTier = "manual"
)

// AllTiers lists every tier, manual included.
func AllTiers() []RetentionTier {
	return []RetentionTier{TierGranular, TierHourly, TierDaily, TierWeekly, TierMonthly, TierManual}
}

// AutomaticTiers lists the tiers driven by scheduled creation triggers.
// Manual snapshots are user-initiated and never expire.
func AutomaticTiers() []RetentionTier {
	return []RetentionTier{TierGranular, TierHourly, TierDaily, TierWeekly, TierMonthly}
}

// Valid reports whether t is a known retention tier.
func (t RetentionTier) Valid() bool {
	switch t {
	case TierGranular, TierHourly, TierDaily, TierWeekly, TierMonthly, TierManual:
		return true
	}
	return false
}

func (t RetentionTier) String() string { return string(t) }

// Snapshot is the document written by the external snapshot creator and
// consumed (read or tombstoned, never modified) by this engine.
// Timestamps are ISO 8601 UTC strings as stored; an absent ExpiresAt means
// the snapshot never expires via time-based pruning.
type Snapshot struct {
	ID            string            `json:"_id"`
	Rev           string            `json:"_rev,omitempty"`
	Type          string            `json:"type"`
	StoryID       string            `json:"storyId"`
	RetentionTier RetentionTier     `json:"retentionTier"`
	CreatedAt     string            `json:"createdAt"`
	ExpiresAt     string            `json:"expiresAt,omitempty"`
	Metadata      *SnapshotMetadata `json:"metadata,omitempty"`
	Deleted       bool              `json:"_deleted,omitempty"`
}

// SnapshotMetadata carries informational fields the engine never acts on.
type SnapshotMetadata struct {
	WordCount int `json:"wordCount,omitempty"`
}

// CreatedTime parses the snapshot's creation timestamp.
func (s *Snapshot) CreatedTime() (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, s.CreatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("snapshot %s: bad createdAt %q: %w", s.ID, s.CreatedAt, err)
	}
	return ts, nil
}

// ExpiresTime parses the snapshot's expiry timestamp. The second return is
// false when the snapshot has no expiry (manual tier).
func (s *Snapshot) ExpiresTime() (time.Time, bool, error) {
	if s.ExpiresAt == "" {
		return time.Time{}, false, nil
	}
	ts, err := time.Parse(time.RFC3339, s.ExpiresAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("snapshot %s: bad expiresAt %q: %w", s.ID, s.ExpiresAt, err)
	}
	return ts, true, nil
}

// FormatTimestamp renders t the way snapshot documents store timestamps.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
