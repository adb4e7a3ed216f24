package inspector

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vyuha/cellscope/internal/codec"
	"github.com/vyuha/cellscope/internal/state"
)

// ---------------------------------------------------------------------------
// Lifecycle observation: the host-facing half of the Inspector
// ---------------------------------------------------------------------------

// Event is the wire form of one observed transition, broadcast to SSE
// clients and returned by the history endpoints.
type Event struct {
	Type      state.EventType `json:"type"`
	Handle    state.CellID    `json:"handle"`
	CellName  string          `json:"cell_name"`
	CellKind  state.CellKind  `json:"cell_kind"`
	Previous  codec.Value     `json:"previous"`
	Next      codec.Value     `json:"next"`
	Timestamp time.Time       `json:"timestamp"`
}

// Broadcaster is a minimal interface for pushing change events to connected
// clients. The api.SSEBroadcaster satisfies it through an adapter; a nil
// broadcaster disables pushes.
type Broadcaster interface {
	Broadcast(event BroadcastEvent)
}

// BroadcastEvent mirrors api.SSEEvent without importing the api package.
type BroadcastEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// fallbackName labels an unnamed cell from its kind and the head of its
// handle, e.g. "settable:3f2a91bc". Handles shorter than eight characters
// are used whole.
func fallbackName(kind state.CellKind, handle state.CellID) string {
	h := string(handle)
	if len(h) > 8 {
		h = h[:8]
	}
	return fmt.Sprintf("%s:%s", kind, h)
}

// ============================ LOCAL HOST PATH ==============================

// The Inspector is itself the listener handed to the host graph. Values
// arrive as native Go values and are encoded on entry; everything past this
// point deals only in codec.Value.

// CellAdded implements state.Listener.
func (ins *Inspector) CellAdded(id state.CellID, label string, initial any) {
	kind := ins.resolveKind(id)
	ins.ObserveAdded(id, label, kind, codec.Encode(initial))
}

// CellUpdated implements state.Listener.
func (ins *Inspector) CellUpdated(id state.CellID, next any) {
	ins.ObserveUpdated(id, codec.Encode(next))
}

// CellDisposed implements state.Listener.
func (ins *Inspector) CellDisposed(id state.CellID) {
	ins.ObserveDisposed(id)
}

// resolveKind asks the host for the cell's kind. When no host is attached
// or the handle does not resolve, the cell is treated as settable; the host
// remains the final authority and rejects writes it cannot honor.
func (ins *Inspector) resolveKind(id state.CellID) state.CellKind {
	ins.mu.Lock()
	h := ins.host
	ins.mu.Unlock()
	if h == nil {
		return state.KindSettable
	}
	kind, ok := h.Resolve(id)
	if !ok {
		return state.KindSettable
	}
	return kind
}

// =========================== OBSERVATION CORE ==============================

// ObserveAdded mirrors a newly created cell. An empty name gets a fallback
// label derived from the handle. Re-adding an existing name fully replaces
// the old entry.
func (ins *Inspector) ObserveAdded(handle state.CellID, name string, kind state.CellKind, initial codec.Value) {
	if name == "" {
		name = fallbackName(kind, handle)
	}
	c := state.NewCell(name, kind, handle, initial)
	ins.registry.Add(c)
	ins.eventsSeen.Add(1)

	ins.record(state.ChangeEvent{
		Type:      state.EventAdded,
		CellName:  name,
		Timestamp: c.AddedAt,
		Previous:  codec.Null(),
		Next:      initial,
	}, kind, handle)
}

// ObserveUpdated mirrors a value change. The recorded previous value is
// what this mirror last saw for the cell, so history chains stay coherent
// even if the host skipped notifications. Updates for unknown handles are
// dropped with a log line; they never create ghost cells.
func (ins *Inspector) ObserveUpdated(handle state.CellID, next codec.Value) {
	updated, prev, ok := ins.registry.UpdateValue(handle, next)
	if !ok {
		ins.eventsDropped.Add(1)
		log.Printf("inspector: update for unknown handle %q dropped", handle)
		return
	}
	ins.eventsSeen.Add(1)

	ins.record(state.ChangeEvent{
		Type:      state.EventUpdated,
		CellName:  updated.Name,
		Timestamp: updated.UpdatedAt,
		Previous:  prev,
		Next:      next,
	}, updated.Kind, handle)
}

// ObserveDisposed drops the mirrored cell. Disposals for unknown handles
// are dropped with a log line.
func (ins *Inspector) ObserveDisposed(handle state.CellID) {
	removed, ok := ins.registry.Remove(handle)
	if !ok {
		ins.eventsDropped.Add(1)
		log.Printf("inspector: disposal for unknown handle %q dropped", handle)
		return
	}
	ins.eventsSeen.Add(1)

	ins.record(state.ChangeEvent{
		Type:      state.EventDisposed,
		CellName:  removed.Name,
		Timestamp: nowUTC(),
		Previous:  removed.LastValue,
		Next:      codec.Null(),
	}, removed.Kind, handle)
}

// record archives and broadcasts every transition; only value updates enter
// the in-memory history ring. Adds and disposals change what exists, not
// what a value was, so they live in the registry and the archive instead.
// Archive failures are logged and never interrupt observation.
func (ins *Inspector) record(ev state.ChangeEvent, kind state.CellKind, handle state.CellID) {
	if ev.Type == state.EventUpdated {
		ins.history.Append(ev)
	}

	if ins.store != nil {
		// Listener callbacks have no request context; archive writes are
		// best-effort and never cancel observation.
		if err := ins.store.SaveChange(context.Background(), ev); err != nil {
			log.Printf("inspector: archive change for %q: %v", ev.CellName, err)
		}
	}

	if ins.bc != nil {
		ins.bc.Broadcast(BroadcastEvent{
			Event: "cell_" + string(ev.Type),
			Data: Event{
				Type:      ev.Type,
				Handle:    handle,
				CellName:  ev.CellName,
				CellKind:  kind,
				Previous:  ev.Previous,
				Next:      ev.Next,
				Timestamp: ev.Timestamp,
			},
		})
	}
}

func nowUTC() time.Time { return time.Now().UTC() }
