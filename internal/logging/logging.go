// Package logging constructs the process-wide zerolog logger: a console
// sink, an optional rotated file sink, and per-session correlation IDs.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Config controls where logs go and at what verbosity. The CLI layer
// populates this from flags; logging itself never touches flags or env.
type Config struct {
	StdoutPretty bool
	StdoutLevel  zerolog.Level

	// File is the log file path. Empty disables file logging.
	File      string
	FileLevel zerolog.Level
}

// New builds the process logger per cfg. The returned rotate func closes
// the current log file, gzips it in place, and reopens a fresh one at the
// same path — the caller wires this to SIGHUP.
func New(cfg Config) (logger zerolog.Logger, rotate func() error, err error) {
	var outputs []io.Writer

	if cfg.StdoutPretty {
		outputs = append(outputs, newLevelWriter(zerolog.ConsoleWriter{Out: os.Stdout}, cfg.StdoutLevel))
	} else {
		outputs = append(outputs, newLevelWriter(os.Stdout, cfg.StdoutLevel))
	}

	var fileWriter *levelWriter
	if cfg.File != "" {
		fileWriter = newLevelWriter(nil, cfg.FileLevel)
		if openErr := fileWriter.reopen(cfg.File); openErr != nil {
			err = fmt.Errorf("open log file: %w", openErr)
			return
		}
		outputs = append(outputs, fileWriter)
		rotate = func() error {
			if fileWriter == nil {
				return nil
			}
			return fileWriter.rotate(cfg.File)
		}
	}

	logger = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(minLevel(cfg.StdoutLevel, cfg.FileLevel)).
		With().
		Timestamp().
		Logger()
	return
}

// WithSessionID returns a logger derived from base carrying a fresh
// correlation ID, and that ID itself for callers (e.g. an audit log
// writer) that need to tag records with the same value. Every line logged
// through the returned logger carries the id under the "session" key;
// cmd/tunnel calls this once per process, so one id spans all of that
// process's control connections, reconnects included.
func WithSessionID(base zerolog.Logger) (zerolog.Logger, string) {
	id := xid.New().String()
	return base.With().Str("session", id).Logger(), id
}

func minLevel(levels ...zerolog.Level) zerolog.Level {
	min := zerolog.Disabled
	for _, l := range levels {
		if l < min {
			min = l
		}
	}
	return min
}

// levelWriter gates writes by level and allows its underlying io.Writer to
// be swapped (for rotation) without disturbing readers of the zerolog
// MultiLevelWriter that wraps it.
type levelWriter struct {
	mu sync.Mutex
	w  io.Writer
	l  zerolog.Level
	f  *os.File
}

var _ zerolog.LevelWriter = (*levelWriter)(nil)

func newLevelWriter(w io.Writer, l zerolog.Level) *levelWriter {
	return &levelWriter{w: w, l: l}
}

func (lw *levelWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.w == nil {
		return len(p), nil
	}
	return lw.w.Write(p)
}

func (lw *levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < lw.l {
		return len(p), nil
	}
	return lw.Write(p)
}

// reopen opens path for appending and installs it as the writer.
func (lw *levelWriter) reopen(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	lw.mu.Lock()
	lw.w = f
	lw.f = f
	lw.mu.Unlock()
	return nil
}

// rotate closes the current file, gzips it alongside under a .gz suffix,
// and reopens path fresh.
func (lw *levelWriter) rotate(path string) error {
	lw.mu.Lock()
	old := lw.f
	lw.w = nil
	lw.f = nil
	lw.mu.Unlock()

	if old != nil {
		old.Close()
		if err := gzipInPlace(path); err != nil {
			return fmt.Errorf("gzip rotated log: %w", err)
		}
	}
	return lw.reopen(path)
}

func gzipInPlace(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
