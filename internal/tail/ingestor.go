package tail

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
)

// CellEvent is one lifecycle event as instrumented hosts write it to their
// event logs, one JSON object per line.
type CellEvent struct {
	Op        string          `json:"op"` // add | update | dispose
	Handle    string          `json:"handle"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Value     json.RawMessage `json:"value"`
	Timestamp string          `json:"timestamp"` // RFC 3339
}

const (
	OpAdd     = "add"
	OpUpdate  = "update"
	OpDispose = "dispose"
)

// EventHandler applies one cell event. The server wires in the same routine
// the HTTP ingest endpoints use, so tailed and posted events take one path.
type EventHandler func(ctx context.Context, event CellEvent) error

// Ingestor funnels events from any source through the handler. The mutex
// serializes delivery: an update must never overtake the add that created
// its cell.
type Ingestor struct {
	handler EventHandler
	mu      sync.Mutex
	count   atomic.Int64
}

func NewIngestor(handler EventHandler) *Ingestor {
	return &Ingestor{handler: handler}
}

// Submit applies one event. Only successfully handled events count.
func (ing *Ingestor) Submit(ctx context.Context, event CellEvent) error {
	ing.mu.Lock()
	defer ing.mu.Unlock()

	if err := ing.handler(ctx, event); err != nil {
		return err
	}
	ing.count.Add(1)
	return nil
}

// EventCount returns how many events have been processed.
func (ing *Ingestor) EventCount() int64 {
	return ing.count.Load()
}
