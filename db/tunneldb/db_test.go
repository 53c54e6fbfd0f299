package tunneldb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/alexandrkondratenko/tunnel/internal/tunnel"
)

func TestOpenMigratesToLatestVersion(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer db.Close()

	current, required, err := db.Version()
	if err != nil {
		t.Fatalf("Version() = %v", err)
	}
	if current != required {
		t.Fatalf("current version %d != required %d after Open", current, required)
	}
	if required == 0 {
		t.Fatal("required version is 0; no migrations registered")
	}
}

func TestMigrateDownAndUpRoundTrip(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer db.Close()

	_, required, _ := db.Version()

	if err := db.MigrateDown(context.Background(), 0); err != nil {
		t.Fatalf("MigrateDown(0) = %v", err)
	}
	current, _, err := db.Version()
	if err != nil || current != 0 {
		t.Fatalf("Version() after MigrateDown(0) = %d, %v, want 0, nil", current, err)
	}

	if err := db.InsertEvent(Event{TS: 1, Session: "s", Role: "client", CID: 1, Event: "opened"}); err == nil {
		t.Fatal("InsertEvent() succeeded against a downgraded (tableless) database")
	}

	if err := db.MigrateUp(context.Background(), required); err != nil {
		t.Fatalf("MigrateUp(%d) = %v", required, err)
	}
	current, _, err = db.Version()
	if err != nil || current != required {
		t.Fatalf("Version() after re-migrating up = %d, %v, want %d, nil", current, err, required)
	}
	if err := db.InsertEvent(Event{TS: 1, Session: "s", Role: "client", CID: 1, Event: "opened"}); err != nil {
		t.Fatalf("InsertEvent() after re-migrating up = %v", err)
	}
}

func TestInsertAndQueryEvent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer db.Close()

	in := Event{TS: 1700000000, Session: "sess-1", Role: "server", CID: 42, Event: "opened", Port: 8080}
	if err := db.InsertEvent(in); err != nil {
		t.Fatalf("InsertEvent() = %v", err)
	}

	var out []Event
	if err := db.x.Select(&out, `SELECT ts, session, role, cid, event, port FROM stream_events`); err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(out) != 1 || out[0] != in {
		t.Fatalf("stored event = %+v, want %+v", out, in)
	}
}

func TestWriterDropsOldestWhenFull(t *testing.T) {
	w := &Writer{
		events:  make(chan Event, 2),
		dropped: make(chan struct{}, 1),
	}

	w.Write(Event{CID: 1})
	w.Write(Event{CID: 2})
	w.Write(Event{CID: 3}) // queue full at 2: must drop cid 1, not 3

	select {
	case <-w.dropped:
	default:
		t.Fatal("dropped signal not set after writing past capacity")
	}

	first := <-w.events
	second := <-w.events
	if first.CID != 2 || second.CID != 3 {
		t.Fatalf("queue contents = [%d, %d], want [2, 3]", first.CID, second.CID)
	}
	select {
	case e := <-w.events:
		t.Fatalf("unexpected extra queued event: %+v", e)
	default:
	}
}

func TestAuditHooksWritesThroughToDB(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer db.Close()

	w := NewWriter(db, zerolog.Nop())
	hooks := NewAuditHooks(w, tunnel.RoleServer, "session-xyz")

	hooks.StreamOpened(1)
	hooks.StreamClosed(1)
	hooks.StreamRejected(2)
	hooks.FrameWritten(0, 0)            // no-op, must not panic or write a row
	hooks.SessionStarted(tunnel.RoleServer) // no-op
	w.Close()

	var count int
	if err := db.x.Get(&count, `SELECT COUNT(*) FROM stream_events`); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 3 {
		t.Fatalf("row count = %d, want 3 (opened, closed, reject)", count)
	}

	var events []string
	if err := db.x.Select(&events, `SELECT event FROM stream_events ORDER BY rowid`); err != nil {
		t.Fatalf("select events: %v", err)
	}
	if len(events) != 3 || events[0] != "opened" || events[1] != "closed" || events[2] != "reject" {
		t.Fatalf("events = %v, want [opened closed reject]", events)
	}

	var roles []string
	if err := db.x.Select(&roles, `SELECT DISTINCT role FROM stream_events`); err != nil {
		t.Fatalf("select roles: %v", err)
	}
	if len(roles) != 1 || roles[0] != "server" {
		t.Fatalf("role = %v, want [server]", roles)
	}
}
