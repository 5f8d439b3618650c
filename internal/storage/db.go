package storage

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type DraftRow struct {
	TableKey      string
	PlaceholderID string
	Position      int64
	Payload       string
	UpdatedAt     int64
}

type NotificationRow struct {
	ID        string
	Level     string
	Domain    string
	Message   string
	Detail    string
	CreatedAt int64
}
