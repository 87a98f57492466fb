package sessionkit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionStore persists SessionData. Implementations are safe for concurrent
// use and perform blocking I/O; callers must not hold broad locks around them.
type SessionStore interface {
	// Exists reports whether a record for id is present.
	Exists(ctx context.Context, id string) (bool, error)
	// Load returns the record for id, or ErrSessionNotFound when it is absent
	// or unreadable.
	Load(ctx context.Context, id string) (*SessionData, error)
	// Save writes the full record for id. Readers never observe a partial write.
	Save(ctx context.Context, id string, data *SessionData) error
	// Delete removes the record for id and reports whether one existed.
	Delete(ctx context.Context, id string) (bool, error)
	// GetExpired returns the ids of every persisted record idle beyond its
	// budget (plus the store's grace period) at now, in epoch millis.
	GetExpired(ctx context.Context, now int64) ([]string, error)
	// Close releases the store's resources.
	Close() error
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func secondsToMillis(secs int) int64 {
	return int64(secs) * int64(time.Second/time.Millisecond)
}

// collectIDs drains a single-column id result set.
func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return ids, nil
}
