package state

import (
	"sort"
	"sync"

	"github.com/vyuha/cellscope/internal/codec"
)

// ---------------------------------------------------------------------------
// Registry: in-memory mirror of the host graph's live cells
// ---------------------------------------------------------------------------

// Registry holds the current mirror of every live cell plus secondary
// lookup maps. All methods are safe for concurrent use. Cells are keyed by
// name; the host's opaque handles are tracked in a side map so lifecycle
// notifications (which carry handles, not names) resolve in O(1).
type Registry struct {
	mu sync.RWMutex

	// Primary store: name -> cell.
	cells map[string]*Cell

	// Secondary indexes.
	byHandle map[CellID]string       // handle -> name
	byKind   map[codec.Kind][]string // value-kind tag -> names
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		cells:    make(map[string]*Cell),
		byHandle: make(map[CellID]string),
		byKind:   make(map[codec.Kind][]string),
	}
}

// ============================= MUTATION ====================================

// Add inserts or replaces the cell. Re-adding a name fully replaces the old
// entry, including its kind and handle; the replaced handle is unmapped so
// a late disposal for it cannot touch the new cell. A handle collision
// (same handle, different name) evicts the stale entry first.
func (r *Registry) Add(c *Cell) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Remove stale secondary-index entries when replacing by name.
	if old, exists := r.cells[c.Name]; exists {
		r.deindexCellLocked(old)
	}

	// A handle can only mirror one cell at a time.
	if oldName, exists := r.byHandle[c.Handle]; exists && oldName != c.Name {
		if old, ok := r.cells[oldName]; ok {
			r.deindexCellLocked(old)
			delete(r.cells, oldName)
		}
	}

	r.cells[c.Name] = c
	r.indexCellLocked(c)
}

// UpdateValue records a new value for the cell behind handle. It returns a
// copy of the updated cell, the value it replaced, and whether the handle
// was known. Unknown handles are a no-op.
func (r *Registry) UpdateValue(handle CellID, next codec.Value) (Cell, codec.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.byHandle[handle]
	if !ok {
		return Cell{}, codec.Value{}, false
	}
	c, ok := r.cells[name]
	if !ok {
		return Cell{}, codec.Value{}, false
	}

	prev := c.LastValue
	if prev.Kind != next.Kind {
		r.removeNameFromKindSlice(prev.Kind, name)
		r.byKind[next.Kind] = append(r.byKind[next.Kind], name)
	}
	c.LastValue = next
	c.UpdatedAt = nowUTC()
	c.UpdateCount++
	return *c, prev, true
}

// Remove drops the cell behind handle and returns a copy of what was
// removed. Unknown handles are a no-op.
func (r *Registry) Remove(handle CellID) (Cell, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.byHandle[handle]
	if !ok {
		return Cell{}, false
	}
	c, ok := r.cells[name]
	if !ok {
		delete(r.byHandle, handle)
		return Cell{}, false
	}

	removed := *c
	r.deindexCellLocked(c)
	delete(r.cells, name)
	return removed, true
}

// Clear drops every cell and index entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cells = make(map[string]*Cell)
	r.byHandle = make(map[CellID]string)
	r.byKind = make(map[codec.Kind][]string)
}

// indexCellLocked adds a cell to all secondary maps. Caller MUST hold r.mu
// write lock.
func (r *Registry) indexCellLocked(c *Cell) {
	r.byHandle[c.Handle] = c.Name
	r.byKind[c.LastValue.Kind] = append(r.byKind[c.LastValue.Kind], c.Name)
}

// deindexCellLocked removes a cell from all secondary maps but does NOT
// delete from r.cells. Caller MUST hold r.mu write lock.
func (r *Registry) deindexCellLocked(c *Cell) {
	delete(r.byHandle, c.Handle)
	r.removeNameFromKindSlice(c.LastValue.Kind, c.Name)
}

// removeNameFromKindSlice drops one name from a kind bucket. Caller MUST
// hold r.mu write lock.
func (r *Registry) removeNameFromKindSlice(k codec.Kind, name string) {
	names := r.byKind[k]
	for i, v := range names {
		if v == name {
			r.byKind[k] = append(names[:i], names[i+1:]...)
			if len(r.byKind[k]) == 0 {
				delete(r.byKind, k)
			}
			return
		}
	}
}

// ============================== QUERIES ====================================

// Get returns a copy of the named cell and true, or a zero Cell and false
// if not found.
func (r *Registry) Get(name string) (Cell, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cells[name]
	if !ok {
		return Cell{}, false
	}
	return *c, true
}

// GetByHandle returns a copy of the cell behind a host handle.
func (r *Registry) GetByHandle(handle CellID) (Cell, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byHandle[handle]
	if !ok {
		return Cell{}, false
	}
	c, ok := r.cells[name]
	if !ok {
		return Cell{}, false
	}
	return *c, true
}

// GetValue returns the current value of the named cell.
func (r *Registry) GetValue(name string) (codec.Value, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cells[name]
	if !ok {
		return codec.Value{}, false
	}
	return c.LastValue, true
}

// ListNames returns every tracked cell name, sorted.
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.cells))
	for name := range r.cells {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FindByValueKind returns the names of all cells whose current value
// carries the given kind tag, sorted.
func (r *Registry) FindByValueKind(k codec.Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byKind[k]
	if len(ids) == 0 {
		return nil
	}
	// Return a sorted copy so the caller can't mutate the index.
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}

// FindContaining returns the names of all cells whose current value
// contains text (case-insensitive substring over strings, recursive over
// collections), sorted.
func (r *Registry) FindContaining(text string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, c := range r.cells {
		if c.LastValue.Contains(text) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// All returns copies of every cell, sorted by name. The slice and its
// elements are safe for the caller to hold.
func (r *Registry) All() []Cell {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Cell, 0, len(r.cells))
	for _, c := range r.cells {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns how many cells are tracked.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cells)
}

// RegistryStats is an aggregate view used by summaries.
type RegistryStats struct {
	CellCount  int                `json:"cell_count"`
	ValueKinds map[codec.Kind]int `json:"value_kinds"`
	Settable   int                `json:"settable"`
	Derived    int                `json:"derived"`
}

// Stats returns aggregate counts over the current mirror.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := RegistryStats{
		CellCount:  len(r.cells),
		ValueKinds: make(map[codec.Kind]int, len(r.byKind)),
	}
	for k, names := range r.byKind {
		s.ValueKinds[k] = len(names)
	}
	for _, c := range r.cells {
		switch c.Kind {
		case KindSettable:
			s.Settable++
		case KindDerived:
			s.Derived++
		}
	}
	return s
}
