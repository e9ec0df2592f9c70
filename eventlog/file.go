package eventlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FILE TRANSPORT - Append-only per-day stream with a durable consumer offset
// ═══════════════════════════════════════════════════════════════════════════════
//
// Single writer, single reader cursor. The writer only ever appends; the
// reader advances a byte offset that is persisted to a sidecar file, so a
// restarted consumer never reprocesses a byte range it already passed.
//
// Guarantees: ordered, replayable, each record delivered exactly once.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Sink is the producer side of a stage stream.
type Sink interface {
	Append(rec Record) error
}

// Source is the consumer side of a stage stream. ConsumeNew returns the raw
// fields of every record appended since the previous call, in append order.
type Source interface {
	ConsumeNew() ([][]string, error)
}

// FileLog appends records to the current day's stream file.
type FileLog struct {
	dir    string
	schema Schema
	now    func() time.Time
}

// NewFileLog creates the producer side of a file-backed stream.
func NewFileLog(dir string, schema Schema) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create %s: %w", dir, err)
	}
	return &FileLog{dir: dir, schema: schema, now: time.Now}, nil
}

func (l *FileLog) path() string {
	return filepath.Join(l.dir, fmt.Sprintf("%s_%s.csv", l.schema.Name, l.now().Format("20060102")))
}

// Append serializes one record as a line of the current day's file. A newly
// created file gets the schema header first. Append never rewrites or deletes.
func (l *FileLog) Append(rec Record) error {
	path := l.path()
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	var b strings.Builder
	if fresh {
		b.WriteString(strings.Join(l.schema.Header, ","))
		b.WriteByte('\n')
	}
	b.WriteString(strings.Join(rec.Fields(), ","))
	b.WriteByte('\n')

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("eventlog: append %s: %w", path, err)
	}
	// A later stage must not see the record before the append is durable.
	return f.Sync()
}

// FileConsumer reads a file-backed stream from a durable offset.
type FileConsumer struct {
	dir    string
	schema Schema
	now    func() time.Time

	curPath string
	offset  int64
}

// NewFileConsumer creates the consumer side of a file-backed stream.
func NewFileConsumer(dir string, schema Schema) *FileConsumer {
	return &FileConsumer{dir: dir, schema: schema, now: time.Now}
}

func (c *FileConsumer) path() string {
	return filepath.Join(c.dir, fmt.Sprintf("%s_%s.csv", c.schema.Name, c.now().Format("20060102")))
}

// ConsumeNew reads all bytes appended since the last-known offset, parses
// complete lines only, and advances the persisted offset past the last fully
// written record. Header and malformed lines are skipped but still advanced
// past, so they are never reprocessed.
func (c *FileConsumer) ConsumeNew() ([][]string, error) {
	path := c.path()
	if path != c.curPath {
		// Day rollover (or first call): pick up any offset persisted for
		// this file by a previous run of the same consumer.
		c.curPath = path
		c.offset = loadOffset(path)
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil // producer has not created today's stream yet
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(c.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("eventlog: seek %s: %w", path, err)
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read %s: %w", path, err)
	}

	// Only complete lines count; a partial trailing line stays unconsumed.
	end := strings.LastIndexByte(string(buf), '\n')
	if end < 0 {
		return nil, nil
	}
	chunk := string(buf[:end])

	var rows [][]string
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if fields[0] == "ts" || len(fields) < len(c.schema.Header) {
			log.Debug().Str("stream", c.schema.Name).Str("line", line).Msg("Skipping non-data line")
			continue
		}
		rows = append(rows, fields)
	}

	c.offset += int64(end) + 1
	if err := saveOffset(path, c.offset); err != nil {
		log.Warn().Err(err).Str("stream", c.schema.Name).Msg("Failed to persist consumer offset")
	}
	return rows, nil
}

func offsetPath(path string) string { return path + ".offset" }

func loadOffset(path string) int64 {
	b, err := os.ReadFile(offsetPath(path))
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func saveOffset(path string, offset int64) error {
	return os.WriteFile(offsetPath(path), []byte(strconv.FormatInt(offset, 10)), 0o644)
}
