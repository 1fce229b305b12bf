package store

import "time"

// HistoryEntry is one row of the binding change log.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Value     string    `json:"value,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}
