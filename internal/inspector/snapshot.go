package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vyuha/cellscope/internal/codec"
	"github.com/vyuha/cellscope/internal/storage"
)

// ---------------------------------------------------------------------------
// Snapshots and named scenarios
// ---------------------------------------------------------------------------

// Snapshot is the portable document form of the mirror: every tracked
// cell's current value in its natural JSON shape, keyed by name.
type Snapshot struct {
	CreatedAt time.Time   `json:"created_at"`
	CellCount int         `json:"cell_count"`
	Cells     codec.Value `json:"cells"`
}

// ExportSnapshot captures the current mirror. Cells appear sorted by name;
// derived cells are included so a snapshot is a complete picture, even
// though importing their entries will be refused.
func (ins *Inspector) ExportSnapshot() Snapshot {
	cells := ins.registry.All()
	entries := make([]codec.MapEntry, 0, len(cells))
	for _, c := range cells {
		entries = append(entries, codec.Entry(c.Name, c.LastValue))
	}
	return Snapshot{
		CreatedAt: nowUTC(),
		CellCount: len(cells),
		Cells:     codec.MapOf(entries...),
	}
}

// ImportFailure is one snapshot entry that could not be applied.
type ImportFailure struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// ImportResult reports what a snapshot import did.
type ImportResult struct {
	Attempted int             `json:"attempted"`
	Applied   int             `json:"applied"`
	Failures  []ImportFailure `json:"failures,omitempty"`
}

// OK reports whether every attempted entry applied.
func (r ImportResult) OK() bool { return len(r.Failures) == 0 }

// ImportSnapshot applies a snapshot document to the live host. Entries
// apply independently in document order: one refusal never stops the rest,
// and entries already applied stay applied. The returned error is non-nil
// only when the document itself is unusable.
func (ins *Inspector) ImportSnapshot(doc []byte) (ImportResult, error) {
	cells, err := parseSnapshotCells(doc)
	if err != nil {
		return ImportResult{}, err
	}

	var res ImportResult
	for _, entry := range cells.Map {
		res.Attempted++
		if err := ins.Write(entry.Key, entry.Val); err != nil {
			res.Failures = append(res.Failures, ImportFailure{Name: entry.Key, Reason: err.Error()})
			continue
		}
		res.Applied++
	}
	if !res.OK() {
		log.Printf("inspector: snapshot import applied %d/%d entries", res.Applied, res.Attempted)
	}
	return res, nil
}

// Validate reports the cells whose current value would not survive a
// snapshot round trip: every listed name exports fine, but importing it
// back restores at best a lossy rendering (async state, opaque values).
// An empty result means export/import is faithful for the whole mirror.
func (ins *Inspector) Validate() []string {
	var lossy []string
	for _, c := range ins.registry.All() {
		if !c.LastValue.IsLossless() {
			lossy = append(lossy, c.Name)
		}
	}
	return lossy
}

// parseSnapshotCells validates a snapshot document and returns its cells
// object with entry order preserved. All rejections wrap ErrDecodeFailure.
func parseSnapshotCells(doc []byte) (codec.Value, error) {
	parsed, err := codec.Parse(string(doc))
	if err != nil {
		return codec.Value{}, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	if parsed.Kind != codec.KindMap {
		return codec.Value{}, fmt.Errorf("%w: snapshot root is %s, want object", ErrDecodeFailure, parsed.Kind)
	}
	cells, ok := parsed.MapGet("cells")
	if !ok || cells.Kind != codec.KindMap {
		return codec.Value{}, fmt.Errorf("%w: snapshot has no cells object", ErrDecodeFailure)
	}
	return cells, nil
}

// ============================== SCENARIOS ==================================

// ErrNoStore is returned by scenario operations when the Inspector was
// built without persistence.
var ErrNoStore = errors.New("no scenario store configured")

// CreateScenario captures the current mirror as a named scenario. The
// description is optional and kept verbatim. Saving over an existing name
// replaces its document; the newest write wins.
func (ins *Inspector) CreateScenario(ctx context.Context, name, description string) (storage.Scenario, error) {
	if ins.store == nil {
		return storage.Scenario{}, ErrNoStore
	}
	if name == "" {
		return storage.Scenario{}, errors.New("inspector: scenario name required")
	}

	snap := ins.ExportSnapshot()
	doc, err := json.Marshal(snap)
	if err != nil {
		return storage.Scenario{}, fmt.Errorf("inspector: encode scenario %q: %w", name, err)
	}

	sc := storage.Scenario{
		Name:        name,
		Description: description,
		Doc:         doc,
		CellCount:   snap.CellCount,
		CreatedAt:   snap.CreatedAt,
		UpdatedAt:   snap.CreatedAt,
	}
	if err := ins.store.SaveScenario(ctx, sc); err != nil {
		return storage.Scenario{}, fmt.Errorf("inspector: save scenario %q: %w", name, err)
	}
	log.Printf("inspector: scenario %q saved (%d cells)", name, sc.CellCount)
	return sc, nil
}

// PutScenario stores a caller-supplied snapshot document under name. The
// document must parse as a snapshot; its entries are not applied.
func (ins *Inspector) PutScenario(ctx context.Context, name string, doc []byte) (storage.Scenario, error) {
	if ins.store == nil {
		return storage.Scenario{}, ErrNoStore
	}
	if name == "" {
		return storage.Scenario{}, errors.New("inspector: scenario name required")
	}
	cells, err := parseSnapshotCells(doc)
	if err != nil {
		return storage.Scenario{}, err
	}

	now := nowUTC()
	sc := storage.Scenario{
		Name:      name,
		Doc:       doc,
		CellCount: len(cells.Map),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := ins.store.SaveScenario(ctx, sc); err != nil {
		return storage.Scenario{}, fmt.Errorf("inspector: save scenario %q: %w", name, err)
	}
	return sc, nil
}

// ApplyScenario imports the named scenario into the live host. Import
// semantics match ImportSnapshot: independent entries, document order.
func (ins *Inspector) ApplyScenario(ctx context.Context, name string) (ImportResult, error) {
	if ins.store == nil {
		return ImportResult{}, ErrNoStore
	}
	sc, ok, err := ins.store.GetScenario(ctx, name)
	if err != nil {
		return ImportResult{}, fmt.Errorf("inspector: load scenario %q: %w", name, err)
	}
	if !ok {
		return ImportResult{}, fmt.Errorf("inspector: scenario %q: %w", name, ErrScenarioNotFound)
	}
	return ins.ImportSnapshot(sc.Doc)
}

// ErrScenarioNotFound marks lookups of scenario names that were never
// saved or have been deleted.
var ErrScenarioNotFound = errors.New("scenario not found")

// ListScenarios returns every saved scenario, newest update first.
func (ins *Inspector) ListScenarios(ctx context.Context) ([]storage.Scenario, error) {
	if ins.store == nil {
		return nil, ErrNoStore
	}
	return ins.store.ListScenarios(ctx)
}

// GetScenario returns the named scenario including its document.
func (ins *Inspector) GetScenario(ctx context.Context, name string) (storage.Scenario, error) {
	if ins.store == nil {
		return storage.Scenario{}, ErrNoStore
	}
	sc, ok, err := ins.store.GetScenario(ctx, name)
	if err != nil {
		return storage.Scenario{}, err
	}
	if !ok {
		return storage.Scenario{}, fmt.Errorf("inspector: scenario %q: %w", name, ErrScenarioNotFound)
	}
	return sc, nil
}

// DeleteScenario removes the named scenario. Deleting a missing name is a
// no-op.
func (ins *Inspector) DeleteScenario(ctx context.Context, name string) error {
	if ins.store == nil {
		return ErrNoStore
	}
	return ins.store.DeleteScenario(ctx, name)
}
