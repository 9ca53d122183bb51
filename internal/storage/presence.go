package storage

import (
	"context"
	"time"
)

// CachedPresence is the last presence the tracker saw for a user. It is
// written on every status change and survives restarts, so a freshly started
// client can show "last seen" before the first heartbeat arrives.
type CachedPresence struct {
	UserID   string
	Status   string
	LastSeen time.Time
}

// UpsertPresence stores or replaces the cached presence for a user.
func (d *DB) UpsertPresence(ctx context.Context, p CachedPresence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO presence_cache (user_id, status, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status    = excluded.status,
			last_seen = MAX(presence_cache.last_seen, excluded.last_seen)`,
		p.UserID, p.Status, toMillis(p.LastSeen),
	)
	return err
}

// ListPresence returns every cached presence row, most recently seen first.
func (d *DB) ListPresence(ctx context.Context) ([]CachedPresence, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id, status, last_seen FROM presence_cache ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CachedPresence
	for rows.Next() {
		var p CachedPresence
		var seen int64
		if err := rows.Scan(&p.UserID, &p.Status, &seen); err != nil {
			return nil, err
		}
		p.LastSeen = fromMillis(seen)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePresence forgets a user entirely.
func (d *DB) DeletePresence(ctx context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `DELETE FROM presence_cache WHERE user_id = ?`, userID)
	return err
}
