package storage

import (
	"context"
)

const upsertDraft = `
INSERT INTO drafts (table_key, placeholder_id, position, payload, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (table_key, placeholder_id)
DO UPDATE SET position = excluded.position, payload = excluded.payload, updated_at = excluded.updated_at
`

func (q *Queries) UpsertDraft(ctx context.Context, arg DraftRow) error {
	_, err := q.db.ExecContext(ctx, upsertDraft,
		arg.TableKey, arg.PlaceholderID, arg.Position, arg.Payload, arg.UpdatedAt)
	return err
}

const listDrafts = `
SELECT table_key, placeholder_id, position, payload, updated_at
FROM drafts
WHERE table_key = ?
ORDER BY position, placeholder_id
`

func (q *Queries) ListDrafts(ctx context.Context, tableKey string) ([]DraftRow, error) {
	rows, err := q.db.QueryContext(ctx, listDrafts, tableKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []DraftRow
	for rows.Next() {
		var i DraftRow
		if err := rows.Scan(&i.TableKey, &i.PlaceholderID, &i.Position, &i.Payload, &i.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const deleteDraft = `DELETE FROM drafts WHERE table_key = ? AND placeholder_id = ?`

func (q *Queries) DeleteDraft(ctx context.Context, tableKey, placeholderID string) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteDraft, tableKey, placeholderID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const clearDrafts = `DELETE FROM drafts WHERE table_key = ?`

func (q *Queries) ClearDrafts(ctx context.Context, tableKey string) error {
	_, err := q.db.ExecContext(ctx, clearDrafts, tableKey)
	return err
}

const insertNotification = `
INSERT INTO notifications (id, level, domain, message, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING
`

func (q *Queries) InsertNotification(ctx context.Context, arg NotificationRow) error {
	_, err := q.db.ExecContext(ctx, insertNotification,
		arg.ID, arg.Level, arg.Domain, arg.Message, arg.Detail, arg.CreatedAt)
	return err
}

const listNotifications = `
SELECT id, level, domain, message, detail, created_at
FROM notifications
WHERE created_at >= ?
ORDER BY created_at DESC, id
LIMIT ?
`

func (q *Queries) ListNotifications(ctx context.Context, since int64, limit int64) ([]NotificationRow, error) {
	rows, err := q.db.QueryContext(ctx, listNotifications, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []NotificationRow
	for rows.Next() {
		var i NotificationRow
		if err := rows.Scan(&i.ID, &i.Level, &i.Domain, &i.Message, &i.Detail, &i.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const deleteNotificationsBefore = `DELETE FROM notifications WHERE created_at < ?`

func (q *Queries) DeleteNotificationsBefore(ctx context.Context, before int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteNotificationsBefore, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
