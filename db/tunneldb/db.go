// Package tunneldb implements the optional sqlite3 stream-event audit log.
// Writes never block the session: see Writer.
package tunneldb

import (
	"context"
	"net/url"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// DB stores stream-event audit records in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens (creating if needed) a DB at the provided sqlite3 filename and
// migrates it to the latest schema version.
func Open(name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-32000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	db := &DB{x}

	_, required, err := db.Version()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(context.Background(), required); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// Event is one audit-logged stream lifecycle event.
type Event struct {
	TS      int64  `db:"ts"`
	Session string `db:"session"`
	Role    string `db:"role"`
	CID     uint64 `db:"cid"`
	Event   string `db:"event"` // "opened", "closed" or "reject"
	Port    uint64 `db:"port"`
}

// InsertEvent records one stream lifecycle event.
func (db *DB) InsertEvent(e Event) error {
	_, err := db.x.NamedExec(`
		INSERT INTO
		stream_events ( ts,  session,  role,  cid,  event,  port)
		VALUES        (:ts, :session, :role, :cid, :event, :port)
	`, e)
	return err
}
