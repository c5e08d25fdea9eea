// Package writelog buffers index mutations that arrive while a background
// maintenance cycle holds a private copy of the graph. Entries are replayed
// in append order onto the optimized copy before it is swapped in, so no
// write observed by a caller is ever lost to maintenance.
//
// The log is memory-bounded: once the entry cap is reached further appends
// are refused and an overflow flag latches, signalling the maintenance cycle
// to abort rather than swap in a copy missing writes.
package writelog

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxEntries is the bound after which appends are refused.
	DefaultMaxEntries = 100_000

	// DefaultWarnThreshold is the fill level at which the log reports
	// pressure so callers can log or shed load before overflow.
	DefaultWarnThreshold = 50_000
)

// OperationType represents the type of a logged mutation.
type OperationType uint8

const (
	// OpInsert represents an insert operation.
	OpInsert OperationType = iota
	// OpRemove represents a remove operation.
	OpRemove
)

// Entry is a single logged mutation. Insert entries own their vector copy.
// Entries carry an append timestamp for diagnostics; replay depends only on
// append order.
type Entry struct {
	Type      OperationType
	ID        uint64
	Vector    []float32
	Timestamp time.Time
}

// Applier is the surface the log replays onto. Replay resolves collisions
// itself, so implementations only need plain mutate operations.
type Applier interface {
	Contains(id uint64) bool
	Add(id uint64, vector []float32) error
	Remove(id uint64) error
}

// Options contains configuration for the write log.
type Options struct {
	// MaxEntries bounds the log. Appends past the bound fail.
	MaxEntries int

	// WarnThreshold is the fill level at which Pressure reports true.
	WarnThreshold int
}

// DefaultOptions are the log defaults.
var DefaultOptions = Options{
	MaxEntries:    DefaultMaxEntries,
	WarnThreshold: DefaultWarnThreshold,
}

// Log is an append-only, order-preserving mutation buffer. It starts
// disabled; appends are recorded only between SetEnabled(true) and
// SetEnabled(false), so mutations outside a maintenance cycle cost one
// atomic load.
type Log struct {
	mu       sync.Mutex
	opts     Options
	enabled  atomic.Bool
	entries  []Entry
	overflow bool
}

// New creates a new write log.
func New(optFns ...func(o *Options)) *Log {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.WarnThreshold <= 0 || opts.WarnThreshold > opts.MaxEntries {
		opts.WarnThreshold = opts.MaxEntries / 2
	}

	return &Log{opts: opts}
}

// Enabled reports whether appends are being recorded.
func (l *Log) Enabled() bool {
	return l.enabled.Load()
}

// SetEnabled arms or disarms the log.
func (l *Log) SetEnabled(enabled bool) {
	l.enabled.Store(enabled)
}

// AppendInsert logs an insert while the log is enabled; a disabled log
// accepts and discards. The vector is copied so later caller mutation
// cannot corrupt replay. It returns false when the log is full, in which
// case the overflow flag latches.
func (l *Log) AppendInsert(id uint64, vector []float32) bool {
	if !l.enabled.Load() {
		return true
	}
	own := make([]float32, len(vector))
	copy(own, vector)
	return l.append(Entry{Type: OpInsert, ID: id, Vector: own, Timestamp: time.Now()})
}

// AppendRemove logs a removal while the log is enabled. It returns false
// when the log is full.
func (l *Log) AppendRemove(id uint64) bool {
	if !l.enabled.Load() {
		return true
	}
	return l.append(Entry{Type: OpRemove, ID: id, Timestamp: time.Now()})
}

func (l *Log) append(e Entry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= l.opts.MaxEntries {
		l.overflow = true
		return false
	}

	l.entries = append(l.entries, e)
	return true
}

// Len returns the number of buffered entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Overflow reports whether an append has ever been refused. The flag stays
// set until Reset.
func (l *Log) Overflow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overflow
}

// Pressure reports whether the log has crossed its warn threshold.
func (l *Log) Pressure() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries) >= l.opts.WarnThreshold
}

// Drain returns the buffered entries in append order and empties the log,
// clearing the overflow flag.
func (l *Log) Drain() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.entries
	l.entries = nil
	l.overflow = false
	return entries
}

// Reset discards all buffered entries and clears the overflow flag.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = nil
	l.overflow = false
}

// ReplayTo applies the buffered entries to the target in append order and
// empties the log. An insert whose id is already live replaces the stored
// vector; removing an id the target does not hold is ignored. Replay stops
// at the first unexpected error.
func (l *Log) ReplayTo(target Applier) error {
	for _, e := range l.Drain() {
		switch e.Type {
		case OpInsert:
			if target.Contains(e.ID) {
				if err := target.Remove(e.ID); err != nil {
					return err
				}
			}
			if err := target.Add(e.ID, e.Vector); err != nil {
				return err
			}
		case OpRemove:
			if !target.Contains(e.ID) {
				continue
			}
			if err := target.Remove(e.ID); err != nil {
				return err
			}
		}
	}

	return nil
}
