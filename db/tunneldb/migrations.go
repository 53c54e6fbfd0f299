package tunneldb

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"runtime"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

// migration is one schema step, identified by its 1-based sequence number.
type migration struct {
	name string
	up   func(context.Context, *sqlx.Tx) error
	down func(context.Context, *sqlx.Tx) error
}

// migrations holds every registered step in order; its length is the latest
// schema version. Steps are required to register in sequence (no gaps, no
// reordering) since the audit schema only ever grows one step at a time.
var migrations []migration

// migrate registers the next migration step, reading its sequence number
// from the caller's filename (NNN_description.go) and checking it lines up
// with the number of steps already registered.
func migrate(up, down func(context.Context, *sqlx.Tx) error) {
	_, callerFile, _, ok := runtime.Caller(1)
	if !ok {
		panic("tunneldb: migrate: could not determine caller filename")
	}
	base := path.Base(strings.ReplaceAll(callerFile, `\`, `/`))

	prefix, _, ok := strings.Cut(base, "_")
	if !ok {
		panic("tunneldb: migrate: filename " + base + " has no NNN_ prefix")
	}
	seq, err := strconv.Atoi(prefix)
	if err != nil {
		panic("tunneldb: migrate: bad sequence number in " + base + ": " + err.Error())
	}
	if want := len(migrations) + 1; seq != want {
		panic(fmt.Sprintf("tunneldb: migrate: %s registers as step %d, want %d", base, seq, want))
	}

	migrations = append(migrations, migration{name: strings.TrimSuffix(base, ".go"), up: up, down: down})
}

// Version reports the schema version currently applied to db and the
// version Open will migrate it to.
func (db *DB) Version() (current, required uint64, err error) {
	if err = db.x.Get(&current, `PRAGMA user_version`); err != nil {
		return 0, 0, fmt.Errorf("read user_version: %w", err)
	}
	return current, uint64(len(migrations)), nil
}

// runSteps moves the database from its current version to to within one
// transaction, applying the steps strictly between the two versions with
// apply, then stamps user_version. up callers walk version order low to
// high; down callers must pass a reversed step list.
func (db *DB) runSteps(ctx context.Context, to uint64, steps []migration, apply func(context.Context, *sqlx.Tx, migration) error) error {
	tx, err := db.x.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, step := range steps {
		if err := apply(ctx, tx, step); err != nil {
			return fmt.Errorf("run step %s: %w", step.name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `PRAGMA user_version = `+strconv.FormatUint(to, 10)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}

// MigrateUp applies every registered step between the database's current
// version and to, in ascending order.
func (db *DB) MigrateUp(ctx context.Context, to uint64) error {
	current, latest, err := db.Version()
	if err != nil {
		return err
	}
	if to < current {
		return fmt.Errorf("target version %d is below current version %d, use MigrateDown", to, current)
	}
	if to > latest {
		return fmt.Errorf("target version %d exceeds latest known version %d", to, latest)
	}

	steps := make([]migration, 0, to-current)
	for v := current + 1; v <= to; v++ {
		steps = append(steps, migrations[v-1])
	}
	return db.runSteps(ctx, to, steps, func(ctx context.Context, tx *sqlx.Tx, m migration) error { return m.up(ctx, tx) })
}

// MigrateDown reverts steps down to, and including, version to+1, leaving
// the database at version to. Destructive: each step's down function is
// free to drop data along with its schema.
func (db *DB) MigrateDown(ctx context.Context, to uint64) error {
	current, _, err := db.Version()
	if err != nil {
		return err
	}
	if to > current {
		return fmt.Errorf("target version %d is above current version %d, use MigrateUp", to, current)
	}

	steps := make([]migration, 0, current-to)
	for v := current; v > to; v-- {
		steps = append(steps, migrations[v-1])
	}
	return db.runSteps(ctx, to, steps, func(ctx context.Context, tx *sqlx.Tx, m migration) error { return m.down(ctx, tx) })
}
