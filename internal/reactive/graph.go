package reactive

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/vyuha/cellscope/internal/state"
)

// ---------------------------------------------------------------------------
// Graph: an in-process reactive host
// ---------------------------------------------------------------------------

// Graph is a small dependency-propagating cell graph that implements
// state.Host. Settable cells are leaves; derived cells recompute from
// their inputs whenever an input changes. It exists to drive the
// observation layer in-process: demos, scripts and tests all run against
// it, and anything implementing state.Host can stand in for it.
type Graph struct {
	mu        sync.Mutex
	cells     map[state.CellID]*cell
	byName    map[string]state.CellID
	order     []state.CellID // creation order, drives Subscribe replay
	rdeps     map[state.CellID][]state.CellID
	listeners []state.Listener
}

type cell struct {
	id      state.CellID
	name    string
	kind    state.CellKind
	value   any
	compute func(inputs map[string]any) any // nil for settable cells
	inputs  []state.CellID                  // nil for settable cells
}

// notification is a lifecycle event collected under the lock and emitted
// after it is released. Listeners may call back into the graph, so they
// must never run while the lock is held.
type notification struct {
	kind  state.EventType
	id    state.CellID
	label string
	value any
}

// NewGraph creates an empty host graph.
func NewGraph() *Graph {
	return &Graph{
		cells:  make(map[state.CellID]*cell),
		byName: make(map[string]state.CellID),
		rdeps:  make(map[state.CellID][]state.CellID),
	}
}

// ============================ CONSTRUCTION =================================

// Provide creates a settable leaf cell. Providing a name that already
// exists replaces the old cell under a fresh handle, and dependents are
// rewired to the replacement; observers see a single Added for the new
// handle, never a Disposed for the old one.
func (g *Graph) Provide(name string, initial any) state.CellID {
	g.mu.Lock()
	id := state.CellID(uuid.New().String())
	c := &cell{id: id, name: name, kind: state.KindSettable, value: initial}

	if oldID, ok := g.byName[name]; ok {
		g.replaceLocked(oldID, c)
	} else {
		g.cells[id] = c
		g.byName[name] = id
		g.order = append(g.order, id)
	}

	notes := []notification{{state.EventAdded, id, name, initial}}
	g.propagateLocked(id, &notes)
	g.mu.Unlock()

	g.emit(notes)
	return id
}

// Derive creates a computed cell over the named inputs. The compute
// function receives current input values by name and runs immediately,
// then again whenever any input changes. Inputs must already exist and
// the name must be free.
func (g *Graph) Derive(name string, inputs []string, compute func(inputs map[string]any) any) (state.CellID, error) {
	g.mu.Lock()
	if _, taken := g.byName[name]; taken {
		g.mu.Unlock()
		return "", fmt.Errorf("reactive: cell %q already exists", name)
	}
	ids := make([]state.CellID, len(inputs))
	for i, in := range inputs {
		id, ok := g.byName[in]
		if !ok {
			g.mu.Unlock()
			return "", fmt.Errorf("reactive: derive %q: unknown input %q", name, in)
		}
		ids[i] = id
	}

	id := state.CellID(uuid.New().String())
	c := &cell{id: id, name: name, kind: state.KindDerived, compute: compute, inputs: ids}
	g.cells[id] = c
	g.byName[name] = id
	g.order = append(g.order, id)
	for _, in := range ids {
		g.rdeps[in] = append(g.rdeps[in], id)
	}
	c.value = g.computeLocked(c)

	notes := []notification{{state.EventAdded, id, name, c.value}}
	g.mu.Unlock()

	g.emit(notes)
	return id, nil
}

// replaceLocked swaps oldID's cell for c, keeping name, creation slot and
// dependents. Caller MUST hold g.mu.
func (g *Graph) replaceLocked(oldID state.CellID, c *cell) {
	old := g.cells[oldID]

	// If the old cell was derived, detach it from its inputs.
	for _, in := range old.inputs {
		g.removeRdepLocked(in, oldID)
	}

	// Dependents follow the name, so point them at the new handle.
	g.rdeps[c.id] = g.rdeps[oldID]
	delete(g.rdeps, oldID)
	for _, depID := range g.rdeps[c.id] {
		dep := g.cells[depID]
		for i, in := range dep.inputs {
			if in == oldID {
				dep.inputs[i] = c.id
			}
		}
	}

	delete(g.cells, oldID)
	g.cells[c.id] = c
	g.byName[c.name] = c.id
	for i, id := range g.order {
		if id == oldID {
			g.order[i] = c.id
			break
		}
	}
}

// ============================== MUTATION ===================================

// Set changes a settable cell's value by name from inside the host. Equal
// values (reflect.DeepEqual) are absorbed without an event.
func (g *Graph) Set(name string, v any) error {
	g.mu.Lock()
	id, ok := g.byName[name]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("reactive: unknown cell %q", name)
	}
	notes, err := g.setLocked(id, v)
	g.mu.Unlock()

	g.emit(notes)
	return err
}

// Write implements state.Host. External writes take the same path as Set.
func (g *Graph) Write(id state.CellID, v any) error {
	g.mu.Lock()
	if _, ok := g.cells[id]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("reactive: unknown cell handle %q", id)
	}
	notes, err := g.setLocked(id, v)
	g.mu.Unlock()

	g.emit(notes)
	return err
}

func (g *Graph) setLocked(id state.CellID, v any) ([]notification, error) {
	c := g.cells[id]
	if c.kind != state.KindSettable {
		return nil, fmt.Errorf("reactive: cell %q is derived", c.name)
	}
	if reflect.DeepEqual(c.value, v) {
		return nil, nil
	}
	c.value = v
	notes := []notification{{state.EventUpdated, id, c.name, v}}
	g.propagateLocked(id, &notes)
	return notes, nil
}

// propagateLocked recomputes every transitive dependent of changed. The
// graph is a DAG (Derive only accepts existing inputs), and recomputes
// that produce an equal value cut the cascade, so this terminates.
// Caller MUST hold g.mu.
func (g *Graph) propagateLocked(changed state.CellID, notes *[]notification) {
	queue := append([]state.CellID(nil), g.rdeps[changed]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		c, ok := g.cells[id]
		if !ok || c.kind != state.KindDerived {
			continue
		}
		next := g.computeLocked(c)
		if reflect.DeepEqual(c.value, next) {
			continue
		}
		c.value = next
		*notes = append(*notes, notification{state.EventUpdated, id, c.name, next})
		queue = append(queue, g.rdeps[id]...)
	}
}

// computeLocked runs a derived cell's compute function against the current
// input values. Caller MUST hold g.mu.
func (g *Graph) computeLocked(c *cell) any {
	in := make(map[string]any, len(c.inputs))
	for _, id := range c.inputs {
		dep, ok := g.cells[id]
		if !ok {
			// A missing input means this cell is about to be disposed in
			// the same cascade; keep the current value until then.
			return c.value
		}
		in[dep.name] = dep.value
	}
	return c.compute(in)
}

// Dispose removes a cell and, transitively, every derived cell that
// depends on it. Observers see one Disposed per removed cell, the root
// first.
func (g *Graph) Dispose(name string) error {
	g.mu.Lock()
	id, ok := g.byName[name]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("reactive: unknown cell %q", name)
	}

	removed := g.collectDependentsLocked(id)
	notes := make([]notification, 0, len(removed))
	for _, rid := range removed {
		notes = append(notes, notification{state.EventDisposed, rid, g.cells[rid].name, nil})
	}
	for _, rid := range removed {
		g.removeLocked(rid)
	}
	g.mu.Unlock()

	g.emit(notes)
	return nil
}

// collectDependentsLocked returns id plus all transitive dependents in
// BFS order. Caller MUST hold g.mu.
func (g *Graph) collectDependentsLocked(id state.CellID) []state.CellID {
	seen := map[state.CellID]bool{id: true}
	out := []state.CellID{id}
	queue := []state.CellID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.rdeps[cur] {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
				queue = append(queue, dep)
			}
		}
	}
	return out
}

// removeLocked deletes one cell from every structure. Caller MUST hold
// g.mu.
func (g *Graph) removeLocked(id state.CellID) {
	c, ok := g.cells[id]
	if !ok {
		return
	}
	for _, in := range c.inputs {
		g.removeRdepLocked(in, id)
	}
	delete(g.rdeps, id)
	delete(g.cells, id)
	delete(g.byName, c.name)
	for i, oid := range g.order {
		if oid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// removeRdepLocked drops one dependent from an input's fan-out list.
// Caller MUST hold g.mu.
func (g *Graph) removeRdepLocked(input, dependent state.CellID) {
	deps := g.rdeps[input]
	for i, d := range deps {
		if d == dependent {
			g.rdeps[input] = append(deps[:i], deps[i+1:]...)
			if len(g.rdeps[input]) == 0 {
				delete(g.rdeps, input)
			}
			return
		}
	}
}

// ============================ HOST INTERFACE ===============================

// Subscribe implements state.Host. The listener immediately receives an
// Added replay for every live cell in creation order, then the live
// stream.
func (g *Graph) Subscribe(l state.Listener) {
	g.mu.Lock()
	g.listeners = append(g.listeners, l)
	replay := make([]notification, 0, len(g.order))
	for _, id := range g.order {
		c := g.cells[id]
		replay = append(replay, notification{state.EventAdded, c.id, c.name, c.value})
	}
	g.mu.Unlock()

	for _, n := range replay {
		l.CellAdded(n.id, n.label, n.value)
	}
}

// Resolve implements state.Host.
func (g *Graph) Resolve(id state.CellID) (state.CellKind, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.cells[id]
	if !ok {
		return "", false
	}
	return c.kind, true
}

// =============================== QUERIES ===================================

// Get returns a cell's current value by name.
func (g *Graph) Get(name string) (any, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.cells[id].value, true
}

// Lookup returns the handle for a cell name.
func (g *Graph) Lookup(name string) (state.CellID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byName[name]
	return id, ok
}

// Names returns every live cell name, sorted.
func (g *Graph) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.byName))
	for name := range g.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of live cells.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cells)
}

// emit delivers collected notifications outside the lock. Listener order
// is subscription order; event order within one mutation is causal.
func (g *Graph) emit(notes []notification) {
	if len(notes) == 0 {
		return
	}
	g.mu.Lock()
	ls := append([]state.Listener(nil), g.listeners...)
	g.mu.Unlock()

	for _, n := range notes {
		for _, l := range ls {
			switch n.kind {
			case state.EventAdded:
				l.CellAdded(n.id, n.label, n.value)
			case state.EventUpdated:
				l.CellUpdated(n.id, n.value)
			case state.EventDisposed:
				l.CellDisposed(n.id)
			}
		}
	}
}
