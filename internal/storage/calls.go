package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dp2ptrade/rolenet-sub003/internal/model"
)

// InsertCallRecord appends a call-history row. A second insert for the same
// (call id, owner) is ignored; inserted reports which case applied.
func (d *DB) InsertCallRecord(ctx context.Context, r model.CallRecord) (bool, error) {
	parts, err := json.Marshal(r.Participants)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO call_history
			(call_id, owner, participants, reason, started_at, connected_at, ended_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CallID, r.Owner, string(parts), string(r.Reason),
		toMillis(r.StartedAt), toMillis(r.ConnectedAt), toMillis(r.EndedAt), r.Duration.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("insert call record: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListCallRecords returns owner's call history, newest first.
func (d *DB) ListCallRecords(ctx context.Context, owner string, limit int) ([]model.CallRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT call_id, owner, participants, reason, started_at, connected_at, ended_at, duration_ms
		FROM call_history WHERE owner = ?
		ORDER BY ended_at DESC, call_id
		LIMIT ?`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}
	defer rows.Close()

	var out []model.CallRecord
	for rows.Next() {
		var r model.CallRecord
		var parts, reason string
		var started, connected, ended, dur int64
		if err := rows.Scan(&r.CallID, &r.Owner, &parts, &reason, &started, &connected, &ended, &dur); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(parts), &r.Participants)
		r.Reason = model.EndReason(reason)
		r.StartedAt = fromMillis(started)
		r.ConnectedAt = fromMillis(connected)
		r.EndedAt = fromMillis(ended)
		r.Duration = time.Duration(dur) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountCallRecords returns how many rows exist for a call id.
func (d *DB) CountCallRecords(ctx context.Context, callID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_history WHERE call_id = ?`, callID).Scan(&n)
	return n, err
}
