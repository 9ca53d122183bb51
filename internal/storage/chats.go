package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/dp2ptrade/rolenet-sub003/internal/model"
)

// CreateOrGetDirectChat returns the direct chat between a and b, creating
// it if needed. Concurrent callers converge on the same row: the first
// insert wins and every later one reads it back. created reports whether
// this call made the row.
func (d *DB) CreateOrGetDirectChat(ctx context.Context, a, b string) (chat model.Chat, created bool, err error) {
	if a == "" || b == "" || a == b {
		return chat, false, fmt.Errorf("storage: direct chat needs two distinct users")
	}
	id := model.DirectChatID(a, b)
	err = d.tx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = insertChat(ctx, tx, id, "", true, []string{a, b}, d.nowMillis())
		return err
	})
	if err != nil {
		return chat, false, err
	}
	chat, err = d.GetChat(ctx, id, a)
	return chat, created, err
}

// CreateGroupChat creates a group chat with the given id. Repeating the
// call with the same id is a no-op that returns the existing chat.
func (d *DB) CreateGroupChat(ctx context.Context, id, name string, participants []string) (model.Chat, error) {
	participants = lo.Uniq(participants)
	if id == "" || len(participants) < 2 {
		return model.Chat{}, fmt.Errorf("storage: group chat needs an id and at least two participants")
	}
	err := d.tx(ctx, func(tx *sql.Tx) error {
		_, err := insertChat(ctx, tx, id, name, false, participants, d.nowMillis())
		return err
	})
	if err != nil {
		return model.Chat{}, err
	}
	return d.GetChat(ctx, id, participants[0])
}

func insertChat(ctx context.Context, tx *sql.Tx, id, name string, direct bool, participants []string, now int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, name, direct, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, name, boolInt(direct), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert chat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	for _, p := range participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO chat_participants (chat_id, user_id) VALUES (?, ?)`, id, p); err != nil {
			return false, fmt.Errorf("insert participant: %w", err)
		}
	}
	return true, nil
}

// GetChat loads a chat as seen by viewer (the pinned flag is per viewer).
func (d *DB) GetChat(ctx context.Context, id, viewer string) (model.Chat, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getChat(ctx, id, viewer)
}

func (d *DB) getChat(ctx context.Context, id, viewer string) (model.Chat, error) {
	var c model.Chat
	var direct, pinned int
	var updated int64
	err := d.db.QueryRowContext(ctx, `
		SELECT c.id, c.name, c.direct, c.last_message_id, c.updated_at,
		       EXISTS (SELECT 1 FROM chat_pins p WHERE p.chat_id = c.id AND p.user_id = ?)
		FROM chats c WHERE c.id = ?`, viewer, id,
	).Scan(&c.ID, &c.Name, &direct, &c.LastMessageID, &updated, &pinned)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Direct = direct == 1
	c.Pinned = pinned == 1
	c.UpdatedAt = fromMillis(updated)

	rows, err := d.db.QueryContext(ctx, `SELECT user_id FROM chat_participants WHERE chat_id = ?`, id)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return c, err
		}
		c.Participants = append(c.Participants, u)
	}
	sort.Strings(c.Participants)
	return c, rows.Err()
}

// ListChats returns the chats viewer participates in, pinned first, then
// most recently updated.
func (d *DB) ListChats(ctx context.Context, viewer string) ([]model.Chat, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT c.id FROM chats c
		JOIN chat_participants cp ON cp.chat_id = c.id AND cp.user_id = ?
		LEFT JOIN chat_pins p ON p.chat_id = c.id AND p.user_id = ?
		ORDER BY (p.user_id IS NOT NULL) DESC, c.updated_at DESC, c.id`, viewer, viewer)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Chat, 0, len(ids))
	for _, id := range ids {
		c, err := d.getChat(ctx, id, viewer)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// SetPinned pins or unpins a chat for viewer. Idempotent.
func (d *DB) SetPinned(ctx context.Context, chatID, viewer string, pinned bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if pinned {
		_, err = d.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO chat_pins (chat_id, user_id) VALUES (?, ?)`, chatID, viewer)
	} else {
		_, err = d.db.ExecContext(ctx,
			`DELETE FROM chat_pins WHERE chat_id = ? AND user_id = ?`, chatID, viewer)
	}
	if err != nil {
		return fmt.Errorf("set pinned: %w", err)
	}
	return nil
}
