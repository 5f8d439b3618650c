// Package storage persists unsaved table rows and notifications in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"greenbudget/internal/log"
	"greenbudget/internal/notify"

	_ "modernc.org/sqlite"
)

// Draft is a placeholder row that has not been confirmed by the server yet.
type Draft struct {
	ID        string
	Position  int
	Payload   json.RawMessage
	UpdatedAt time.Time
}

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	logger  *log.Logger
	now     func() time.Time
}

func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Serialize writers; sqlite locks the whole file anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
		logger:  log.OrDiscard(logger).WithComponent(log.ComponentStorage),
		now:     time.Now,
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// SaveDrafts replaces the drafts stored under tableKey.
func (r *SQLiteRepository) SaveDrafts(ctx context.Context, tableKey string, drafts []Draft) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	q := r.queries.WithTx(tx)
	if err := q.ClearDrafts(ctx, tableKey); err != nil {
		return fmt.Errorf("clear drafts: %w", err)
	}
	now := r.now().UnixMilli()
	for i, d := range drafts {
		if d.ID == "" {
			return fmt.Errorf("draft %d of %s has no id", i, tableKey)
		}
		if err := q.UpsertDraft(ctx, DraftRow{
			TableKey:      tableKey,
			PlaceholderID: d.ID,
			Position:      int64(i),
			Payload:       string(d.Payload),
			UpdatedAt:     now,
		}); err != nil {
			return fmt.Errorf("save draft %s: %w", d.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit drafts: %w", err)
	}

	r.logger.DebugContext(ctx, "drafts saved", log.FieldTable, tableKey, log.FieldCount, len(drafts))
	return nil
}

// LoadDrafts returns the drafts of a table in their saved order.
func (r *SQLiteRepository) LoadDrafts(ctx context.Context, tableKey string) ([]Draft, error) {
	rows, err := r.queries.ListDrafts(ctx, tableKey)
	if err != nil {
		return nil, fmt.Errorf("list drafts for %s: %w", tableKey, err)
	}
	out := make([]Draft, 0, len(rows))
	for _, row := range rows {
		out = append(out, Draft{
			ID:        row.PlaceholderID,
			Position:  int(row.Position),
			Payload:   json.RawMessage(row.Payload),
			UpdatedAt: time.UnixMilli(row.UpdatedAt).UTC(),
		})
	}
	return out, nil
}

// DeleteDraft removes one draft and reports whether it existed.
func (r *SQLiteRepository) DeleteDraft(ctx context.Context, tableKey, id string) (bool, error) {
	n, err := r.queries.DeleteDraft(ctx, tableKey, id)
	if err != nil {
		return false, fmt.Errorf("delete draft %s: %w", id, err)
	}
	return n > 0, nil
}

// Notify stores a notification; it implements notify.Notifier.
func (r *SQLiteRepository) Notify(ctx context.Context, n notify.Notification) error {
	if n.Time.IsZero() {
		n.Time = r.now()
	}
	err := r.queries.InsertNotification(ctx, NotificationRow{
		ID:        n.ID,
		Level:     string(n.Level),
		Domain:    n.Domain,
		Message:   n.Message,
		Detail:    n.Detail,
		CreatedAt: n.Time.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// Notifications returns up to limit notifications raised at or after since, newest first.
func (r *SQLiteRepository) Notifications(ctx context.Context, since time.Time, limit int) ([]notify.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	var from int64
	if !since.IsZero() {
		from = since.UnixMilli()
	}
	rows, err := r.queries.ListNotifications(ctx, from, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	out := make([]notify.Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, notify.Notification{
			ID:      row.ID,
			Level:   notify.Level(row.Level),
			Domain:  row.Domain,
			Message: row.Message,
			Detail:  row.Detail,
			Time:    time.UnixMilli(row.CreatedAt).UTC(),
		})
	}
	return out, nil
}

// PruneNotifications deletes notifications older than before.
func (r *SQLiteRepository) PruneNotifications(ctx context.Context, before time.Time) (int64, error) {
	n, err := r.queries.DeleteNotificationsBefore(ctx, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "notifications pruned", log.FieldCount, n)
	}
	return n, nil
}

var _ notify.Notifier = (*SQLiteRepository)(nil)
