package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dp2ptrade/rolenet-sub003/internal/model"
)

const messageCols = `server_id, local_id, chat_id, sender_id, content, state, created_at, server_ts`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (model.ChatMessage, error) {
	var m model.ChatMessage
	var state string
	var created int64
	if err := s.Scan(&m.ServerID, &m.LocalID, &m.ChatID, &m.SenderID, &m.Content, &state, &created, &m.ServerTimestamp); err != nil {
		return m, err
	}
	m.State = model.ParseDeliveryState(state)
	m.CreatedAt = fromMillis(created)
	return m, nil
}

// UpsertMessage stores m keyed by its LocalID and returns the stored row.
// The first call assigns the server id and a server timestamp that is
// strictly greater than any other in the database; later calls with the same
// LocalID return that row, moving a failed row back to sent.
func (d *DB) UpsertMessage(ctx context.Context, m model.ChatMessage) (model.ChatMessage, error) {
	if m.LocalID == "" || m.ChatID == "" {
		return m, errors.New("storage: message needs local id and chat id")
	}
	var out model.ChatMessage
	err := d.tx(ctx, func(tx *sql.Tx) error {
		existing, err := scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+messageCols+` FROM messages WHERE local_id = ?`, m.LocalID))
		if err == nil {
			if existing.State == model.Failed {
				existing.State = model.Sent
				if _, err := tx.ExecContext(ctx,
					`UPDATE messages SET state = ? WHERE local_id = ?`, existing.State.String(), m.LocalID); err != nil {
					return fmt.Errorf("revive message: %w", err)
				}
			}
			out = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup message: %w", err)
		}

		var last sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(server_ts) FROM messages`).Scan(&last); err != nil {
			return fmt.Errorf("server clock: %w", err)
		}
		ts := d.nowMillis()
		if last.Valid && ts <= last.Int64 {
			ts = last.Int64 + 1
		}

		out = m
		if out.ServerID == "" {
			out.ServerID = uuid.NewString()
		}
		out.ServerTimestamp = ts
		out.State = model.Sent
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (`+messageCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			out.ServerID, out.LocalID, out.ChatID, out.SenderID, out.Content,
			out.State.String(), toMillis(out.CreatedAt), out.ServerTimestamp,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE chats SET last_message_id = ?, updated_at = ? WHERE id = ?`,
			out.ServerID, ts, out.ChatID,
		); err != nil {
			return fmt.Errorf("touch chat: %w", err)
		}
		return nil
	})
	return out, err
}

// SaveRemoteMessage stores a message received from another participant,
// keeping its server id and timestamp. A row with the same LocalID wins; the
// result reports whether this call inserted.
func (d *DB) SaveRemoteMessage(ctx context.Context, m model.ChatMessage) (bool, error) {
	if m.LocalID == "" || m.ServerID == "" {
		return false, errors.New("storage: remote message needs local and server id")
	}
	var inserted bool
	err := d.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (`+messageCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ServerID, m.LocalID, m.ChatID, m.SenderID, m.Content,
			m.State.String(), toMillis(m.CreatedAt), m.ServerTimestamp,
		)
		if err != nil {
			return fmt.Errorf("insert remote message: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted = n == 1
		if !inserted {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE chats SET last_message_id = ?, updated_at = ?
			WHERE id = ? AND updated_at <= ?`,
			m.ServerID, m.ServerTimestamp, m.ChatID, m.ServerTimestamp)
		return err
	})
	return inserted, err
}

// MarkMessageFailed flags a stored message whose publish was given up on.
// Only rows still in the sent state change; a missing row is not an error.
func (d *DB) MarkMessageFailed(ctx context.Context, localID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx,
		`UPDATE messages SET state = ? WHERE local_id = ? AND state = ?`,
		model.Failed.String(), localID, model.Sent.String())
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// GetMessage returns the stored message with the given server id.
func (d *DB) GetMessage(ctx context.Context, serverID string) (model.ChatMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, err := scanMessage(d.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE server_id = ?`, serverID))
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

// ApplyDeliveryState moves a stored message forward to next and returns the
// resulting state. Regressions are ignored.
func (d *DB) ApplyDeliveryState(ctx context.Context, serverID string, next model.DeliveryState) (model.DeliveryState, error) {
	var result model.DeliveryState
	err := d.tx(ctx, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT state FROM messages WHERE server_id = ?`, serverID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		curState := model.ParseDeliveryState(cur)
		result = model.Advance(curState, next)
		if result == curState {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE messages SET state = ? WHERE server_id = ?`, result.String(), serverID)
		return err
	})
	return result, err
}

// InsertReceipt records r once. It reports whether the receipt was new.
func (d *DB) InsertReceipt(ctx context.Context, r model.Receipt) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO receipts (message_id, type, acker_id, at)
		VALUES (?, ?, ?, ?)`,
		r.MessageID, r.Type, r.AckerID, toMillis(r.At),
	)
	if err != nil {
		return false, fmt.Errorf("insert receipt: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListReceipts returns every receipt recorded for a message.
func (d *DB) ListReceipts(ctx context.Context, messageID string) ([]model.Receipt, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx,
		`SELECT message_id, type, acker_id, at FROM receipts WHERE message_id = ? ORDER BY at, type, acker_id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Receipt
	for rows.Next() {
		var r model.Receipt
		var at int64
		if err := rows.Scan(&r.MessageID, &r.Type, &r.AckerID, &at); err != nil {
			return nil, err
		}
		r.At = fromMillis(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListMessagesBefore returns up to limit messages of a chat strictly older
// than the (beforeTS, beforeID) position, newest first. A zero beforeTS
// starts from the newest message.
func (d *DB) ListMessagesBefore(ctx context.Context, chatID string, beforeTS int64, beforeID string, limit int) ([]model.ChatMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if beforeTS == 0 {
		rows, err = d.db.QueryContext(ctx, `
			SELECT `+messageCols+` FROM messages
			WHERE chat_id = ?
			ORDER BY server_ts DESC, server_id DESC
			LIMIT ?`, chatID, limit)
	} else {
		rows, err = d.db.QueryContext(ctx, `
			SELECT `+messageCols+` FROM messages
			WHERE chat_id = ? AND (server_ts < ? OR (server_ts = ? AND server_id < ?))
			ORDER BY server_ts DESC, server_id DESC
			LIMIT ?`, chatID, beforeTS, beforeTS, beforeID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectMessages(rows)
}

// ListMessagesAfter returns up to limit messages of a chat with a server
// timestamp greater than afterTS, oldest first.
func (d *DB) ListMessagesAfter(ctx context.Context, chatID string, afterTS int64, limit int) ([]model.ChatMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE chat_id = ? AND server_ts > ?
		ORDER BY server_ts ASC, server_id ASC
		LIMIT ?`, chatID, afterTS, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectMessages(rows)
}

// CountMessagesByLocalID is used by tests and diagnostics to prove
// exactly-once storage.
func (d *DB) CountMessagesByLocalID(ctx context.Context, localID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE local_id = ?`, localID).Scan(&n)
	return n, err
}

func collectMessages(rows *sql.Rows) ([]model.ChatMessage, error) {
	defer rows.Close()
	var out []model.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
