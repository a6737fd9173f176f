// Package logging builds the structured logger used across the engine and
// keeps a bounded in-memory mirror of recent entries so the getLogs/clearLogs
// RPC methods (spec.md §6) can serve them without re-reading the on-disk
// log file. The logger itself follows the pack sibling
// IAmSoThirsty-Project-AI/octoreflex's zap.Config construction
// (cmd/octoreflex/main.go's buildLogger): development console encoding for
// local runs, production JSON encoding otherwise, both at a configurable
// level.
package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RingCapacity bounds how many recent log entries are kept in memory for
// getLogs, mirroring spec.md §6's "recent log entries" contract rather than
// the full on-disk history.
const RingCapacity = 500

// Entry is one mirrored log line, shaped for JSON-RPC event payloads.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Fields  string    `json:"fields,omitempty"`
}

// Ring is a fixed-capacity, mutex-protected circular buffer of Entry.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	size    int
	notify  func(Entry)
}

// NewRing builds a Ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = RingCapacity
	}
	return &Ring{entries: make([]Entry, capacity)}
}

func (r *Ring) push(e Entry) {
	r.mu.Lock()
	idx := (r.head + r.size) % len(r.entries)
	if r.size < len(r.entries) {
		r.entries[idx] = e
		r.size++
	} else {
		r.entries[r.head] = e
		r.head = (r.head + 1) % len(r.entries)
	}
	notify := r.notify
	r.mu.Unlock()
	if notify != nil {
		notify(e)
	}
}

// OnPush registers fn to observe every entry as it is mirrored, used to
// relay log records onto the wire protocol as "log" events. fn runs on the
// logging call's goroutine and must not log through the same logger.
func (r *Ring) OnPush(fn func(Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = fn
}

// Snapshot returns entries oldest-first.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(r.head+i)%len(r.entries)]
	}
	return out
}

// Clear empties the ring, for the clearLogs RPC method.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.size = 0, 0
}

// ringCore is a zapcore.Core that mirrors every entry written through the
// real core into a Ring, so in-memory getLogs never depends on disk I/O.
type ringCore struct {
	zapcore.Core
	ring *Ring
}

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	return &ringCore{Core: c.Core.With(fields), ring: c.ring}
}

func (c *ringCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *ringCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	fieldStr := ""
	if len(enc.Fields) > 0 {
		if b, err := zapcore.NewJSONEncoder(zapcore.EncoderConfig{}).EncodeEntry(zapcore.Entry{}, fields); err == nil {
			fieldStr = b.String()
		}
	}
	c.ring.push(Entry{
		Time:    ent.Time,
		Level:   ent.Level.String(),
		Message: ent.Message,
		Fields:  fieldStr,
	})
	return c.Core.Write(ent, fields)
}

// Build constructs a zap.Logger whose output is mirrored into a fresh Ring,
// following octoreflex's buildLogger shape (development vs. production
// zap.Config selected by format, level parsed from a string).
func Build(level, format string) (*zap.Logger, *Ring, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	ring := NewRing(RingCapacity)
	logger, err := cfg.Build(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &ringCore{Core: core, ring: ring}
	}))
	if err != nil {
		return nil, nil, err
	}
	return logger, ring, nil
}
