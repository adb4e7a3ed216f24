package inspector

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyuha/cellscope/internal/codec"
	"github.com/vyuha/cellscope/internal/state"
	"github.com/vyuha/cellscope/internal/storage"
)

// ---------------------------------------------------------------------------
// Inspector: one observation context over a reactive host graph
// ---------------------------------------------------------------------------

// Inspector mirrors the live cells of a host graph, keeps a bounded change
// history, and brokers external reads and writes. Every instance is fully
// self-contained; two Inspectors never share state.
type Inspector struct {
	registry *state.Registry
	history  *state.HistoryLog
	bc       Broadcaster
	store    *storage.Storage

	mu   sync.Mutex
	host state.Host

	eventsSeen      atomic.Int64
	eventsDropped   atomic.Int64
	writesRequested atomic.Int64
	writesSucceeded atomic.Int64

	startedAt time.Time
}

// Config carries the optional collaborators of an Inspector. The zero
// value is usable: default history capacity, no broadcast, no persistence.
type Config struct {
	// HistoryCapacity bounds the in-memory change ring. Values below 1
	// fall back to state.DefaultHistoryCapacity.
	HistoryCapacity int
	// Broadcaster receives every observed event for live watchers.
	Broadcaster Broadcaster
	// Store persists change events and named scenarios when non-nil.
	Store *storage.Storage
}

// New creates an Inspector with an empty mirror.
func New(cfg Config) *Inspector {
	return &Inspector{
		registry:  state.NewRegistry(),
		history:   state.NewHistoryLog(cfg.HistoryCapacity),
		bc:        cfg.Broadcaster,
		store:     cfg.Store,
		startedAt: nowUTC(),
	}
}

// RegisterObserver attaches the Inspector to a host graph and subscribes
// to its lifecycle stream. Hosts replay Added for already-live cells, so
// late registration still yields a complete mirror. Calling again is a
// logged no-op; an Inspector observes exactly one host.
func (ins *Inspector) RegisterObserver(h state.Host) {
	ins.mu.Lock()
	if ins.host != nil {
		ins.mu.Unlock()
		log.Printf("inspector: observer already registered, ignoring")
		return
	}
	ins.host = h
	ins.mu.Unlock()

	// Subscribe outside the lock: the replay calls straight back into
	// CellAdded, which resolves kinds through ins.host.
	h.Subscribe(ins)
}

// ClearAll empties the mirror and the change history. Persisted scenarios
// are kept; they are named save points, not live state.
func (ins *Inspector) ClearAll() {
	ins.registry.Clear()
	ins.history.Clear()
	log.Printf("inspector: cleared registry and history")
}

// ================================ QUERIES ==================================

// GetCell returns a copy of the named cell.
func (ins *Inspector) GetCell(name string) (state.Cell, bool) {
	return ins.registry.Get(name)
}

// GetValue returns the current value of the named cell.
func (ins *Inspector) GetValue(name string) (codec.Value, bool) {
	return ins.registry.GetValue(name)
}

// ListNames returns every tracked cell name, sorted.
func (ins *Inspector) ListNames() []string {
	return ins.registry.ListNames()
}

// FindByValueKind returns the names of cells whose current value carries
// the given kind tag.
func (ins *Inspector) FindByValueKind(k codec.Kind) []string {
	return ins.registry.FindByValueKind(k)
}

// FindContaining returns the names of cells whose current value contains
// text.
func (ins *Inspector) FindContaining(text string) []string {
	return ins.registry.FindContaining(text)
}

// Cells returns copies of every tracked cell, sorted by name.
func (ins *Inspector) Cells() []state.Cell {
	return ins.registry.All()
}

// RecentEvents returns up to n history entries, newest first.
func (ins *Inspector) RecentEvents(n int) []state.ChangeEvent {
	return ins.history.Last(n)
}

// CellEvents returns up to limit history entries for one cell, newest
// first. limit <= 0 means no limit.
func (ins *Inspector) CellEvents(name string, limit int) []state.ChangeEvent {
	return ins.history.ForCell(name, limit)
}

// ================================ SUMMARY ==================================

// Summary is an aggregate view of the mirror, cheap enough to poll.
type Summary struct {
	CellCount            int                `json:"cell_count"`
	SettableCount        int                `json:"settable_count"`
	DerivedCount         int                `json:"derived_count"`
	ValueKinds           map[codec.Kind]int `json:"value_kinds"`
	HistoryEntryCount    int                `json:"history_entry_count"`
	LastHistoryTimestamp *time.Time         `json:"last_history_timestamp,omitempty"`
	EventsSeen           int64              `json:"events_seen"`
	EventsDropped        int64              `json:"events_dropped"`
	WritesRequested      int64              `json:"writes_requested"`
	WritesSucceeded      int64              `json:"writes_succeeded"`
	UptimeSeconds        int64              `json:"uptime_seconds"`
}

// GetSummary returns current aggregate counts.
func (ins *Inspector) GetSummary() Summary {
	rs := ins.registry.Stats()
	s := Summary{
		CellCount:         rs.CellCount,
		SettableCount:     rs.Settable,
		DerivedCount:      rs.Derived,
		ValueKinds:        rs.ValueKinds,
		HistoryEntryCount: ins.history.Len(),
		EventsSeen:        ins.eventsSeen.Load(),
		EventsDropped:     ins.eventsDropped.Load(),
		WritesRequested:   ins.writesRequested.Load(),
		WritesSucceeded:   ins.writesSucceeded.Load(),
		UptimeSeconds:     int64(time.Since(ins.startedAt).Seconds()),
	}
	if ts, ok := ins.history.LastTimestamp(); ok {
		s.LastHistoryTimestamp = &ts
	}
	return s
}
