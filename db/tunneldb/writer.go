package tunneldb

import (
	"github.com/rs/zerolog"
)

// writerQueueSize bounds how many pending audit events Writer buffers
// before it starts dropping the oldest. 4096 events is generous for a
// log consumer no faster than a local sqlite3 insert.
const writerQueueSize = 4096

// Writer serializes Event writes onto a single background goroutine so the
// audit log can never add sqlite3 latency to the session's core
// multiplexing path. A full queue drops the oldest pending event rather
// than blocking the caller or the newest event.
type Writer struct {
	db     *DB
	logger zerolog.Logger

	events  chan Event
	dropped chan struct{} // signaled (non-blocking) each time an event is dropped
	done    chan struct{}
}

// NewWriter starts a Writer's background goroutine against db.
func NewWriter(db *DB, logger zerolog.Logger) *Writer {
	w := &Writer{
		db:      db,
		logger:  logger,
		events:  make(chan Event, writerQueueSize),
		dropped: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Write enqueues e, dropping the oldest queued event if the queue is full.
// Never blocks.
func (w *Writer) Write(e Event) {
	select {
	case w.events <- e:
	default:
		select {
		case <-w.events:
		default:
		}
		select {
		case w.events <- e:
		default:
		}
		select {
		case w.dropped <- struct{}{}:
		default:
		}
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for e := range w.events {
		if err := w.db.InsertEvent(e); err != nil {
			w.logger.Debug().Err(err).Msg("audit log insert failed")
		}
	}
}

// Close stops accepting new events and waits for the queue to drain.
func (w *Writer) Close() {
	close(w.events)
	<-w.done
}
