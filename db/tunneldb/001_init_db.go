package tunneldb

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE stream_events (
			id         INTEGER PRIMARY KEY,
			ts         INTEGER NOT NULL,
			session    TEXT NOT NULL,
			role       TEXT NOT NULL,
			cid        INTEGER NOT NULL,
			event      TEXT NOT NULL,
			port       INTEGER NOT NULL DEFAULT 0
		) STRICT;
	`); err != nil {
		return fmt.Errorf("create stream_events table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX stream_events_session_idx ON stream_events(session, cid)`); err != nil {
		return fmt.Errorf("create stream_events index: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX stream_events_session_idx`); err != nil {
		return fmt.Errorf("drop stream_events_session_idx index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE stream_events`); err != nil {
		return fmt.Errorf("drop stream_events table: %w", err)
	}
	return nil
}
