package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dp2ptrade/rolenet-sub003/internal/model"
)

const notificationCols = `id, type, recipient_id, entity_id, payload, created_at, read_at`

func scanNotification(s scanner) (model.Notification, error) {
	var n model.Notification
	var typ string
	var created int64
	var readAt sql.NullInt64
	if err := s.Scan(&n.ID, &typ, &n.RecipientID, &n.EntityID, &n.Payload, &created, &readAt); err != nil {
		return n, err
	}
	n.Type = model.NotificationType(typ)
	n.CreatedAt = fromMillis(created)
	if readAt.Valid {
		t := fromMillis(readAt.Int64)
		n.ReadAt = &t
	}
	return n, nil
}

// InsertNotification stores n unless a notification with the same
// (type, entity id, recipient) already exists. It returns the stored row and
// whether this call inserted it.
func (d *DB) InsertNotification(ctx context.Context, n model.Notification) (model.Notification, bool, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.clk.Now()
	}

	var out model.Notification
	var inserted bool
	err := d.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (`+notificationCols+`)
			VALUES (?, ?, ?, ?, ?, ?, NULL)
			ON CONFLICT(type, entity_id, recipient_id) DO NOTHING`,
			n.ID, string(n.Type), n.RecipientID, n.EntityID, n.Payload, toMillis(n.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		rows, _ := res.RowsAffected()
		inserted = rows == 1

		out, err = scanNotification(tx.QueryRowContext(ctx, `
			SELECT `+notificationCols+` FROM notifications
			WHERE type = ? AND entity_id = ? AND recipient_id = ?`,
			string(n.Type), n.EntityID, n.RecipientID))
		return err
	})
	return out, inserted, err
}

// MarkNotificationRead sets read_at once. It reports whether the row changed.
func (d *DB) MarkNotificationRead(ctx context.Context, id string, at time.Time) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx,
		`UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL`, toMillis(at), id)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkAllNotificationsRead marks every unread notification of recipient and
// returns how many changed.
func (d *DB) MarkAllNotificationsRead(ctx context.Context, recipient string, at time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx,
		`UPDATE notifications SET read_at = ? WHERE recipient_id = ? AND read_at IS NULL`, toMillis(at), recipient)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return res.RowsAffected()
}

// GetNotification loads one notification by id.
func (d *DB) GetNotification(ctx context.Context, id string) (model.Notification, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, err := scanNotification(d.db.QueryRowContext(ctx,
		`SELECT `+notificationCols+` FROM notifications WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return n, ErrNotFound
	}
	return n, err
}

// CountUnread returns recipient's unread notification count.
func (d *DB) CountUnread(ctx context.Context, recipient string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND read_at IS NULL`, recipient).Scan(&n)
	return n, err
}

// ListNotifications returns recipient's notifications, newest first.
func (d *DB) ListNotifications(ctx context.Context, recipient string, limit int) ([]model.Notification, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+notificationCols+` FROM notifications
		WHERE recipient_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?`, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
