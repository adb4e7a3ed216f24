package state

import (
	"time"

	"github.com/vyuha/cellscope/internal/codec"
)

// ---------------------------------------------------------------------------
// Cell identity and kinds
// ---------------------------------------------------------------------------

// CellID is the opaque lookup key a host graph uses for one of its cells.
// It carries no meaning here beyond identity; the host's own table is the
// only place it resolves.
type CellID string

// CellKind classifies how a cell may be written.
type CellKind string

const (
	// KindSettable marks a leaf cell whose value can be overwritten from
	// outside the host graph's normal computation.
	KindSettable CellKind = "settable"
	// KindDerived marks a computed cell; its value follows from other
	// cells and is never directly writable.
	KindDerived CellKind = "derived"
)

// ---------------------------------------------------------------------------
// Cell
// ---------------------------------------------------------------------------

// Cell is one tracked reactive unit mirrored from the host graph. A Cell
// exists exactly between the host's Added and Disposed events for its
// handle; re-adding a name after disposal starts a brand-new Cell with no
// link to the old one.
type Cell struct {
	Name        string      `json:"name"`
	Kind        CellKind    `json:"kind"`
	Handle      CellID      `json:"handle"`
	LastValue   codec.Value `json:"last_value"`
	AddedAt     time.Time   `json:"added_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	UpdateCount int         `json:"update_count"`
}

func nowUTC() time.Time { return time.Now().UTC() }

// NewCell creates a Cell for the given name, kind and host handle, carrying
// its first encoded value.
func NewCell(name string, kind CellKind, handle CellID, value codec.Value) *Cell {
	now := nowUTC()
	return &Cell{
		Name:      name,
		Kind:      kind,
		Handle:    handle,
		LastValue: value,
		AddedAt:   now,
		UpdatedAt: now,
	}
}

// Writable reports whether the cell accepts external writes.
func (c *Cell) Writable() bool {
	return c.Kind == KindSettable
}

// ValueKind returns the codec tag of the cell's current value.
func (c *Cell) ValueKind() codec.Kind {
	return c.LastValue.Kind
}

// ---------------------------------------------------------------------------
// Host graph boundary
// ---------------------------------------------------------------------------

// Listener receives the host graph's lifecycle stream. The host calls these
// from its own execution context; implementations must not call back into
// the host while handling a notification that still holds host locks.
type Listener interface {
	CellAdded(id CellID, label string, initial any)
	CellUpdated(id CellID, next any)
	CellDisposed(id CellID)
}

// Host is the reactive graph under observation. The observation layer never
// owns host cells; it holds their CellIDs and resolves everything through
// this interface.
type Host interface {
	// Subscribe attaches a listener to the lifecycle stream. Hosts replay
	// an Added notification for every already-live cell so late observers
	// see the full picture.
	Subscribe(l Listener)

	// Write pushes a new value into the cell identified by id. Only
	// settable leaves accept writes; the host is the final authority.
	Write(id CellID, value any) error

	// Resolve reports the kind of the cell identified by id, and whether
	// the id is live at all.
	Resolve(id CellID) (CellKind, bool)
}
