package cockroach

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of *pgxpool.Pool the repositories use
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema creates the relay tables. Schema administration normally happens
// out of band; services apply it only when DB_AUTO_MIGRATE is set.
const Schema = `
CREATE TABLE IF NOT EXISTS public_keys (
	user_id       STRING PRIMARY KEY,
	public_key    STRING NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	id               UUID PRIMARY KEY,
	sender           STRING NOT NULL,
	recipient        STRING NOT NULL,
	double_wrapped   BYTES NOT NULL,
	wrapped_data_key BYTES NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	stored_at        TIMESTAMPTZ NOT NULL,
	seq              INT8 NOT NULL,
	UNIQUE (recipient, seq)
);
`

// Migrate applies Schema
func Migrate(ctx context.Context, db DBTX) error {
	_, err := db.Exec(ctx, Schema)
	return err
}
