package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vyuha/cellscope/internal/codec"
	"github.com/vyuha/cellscope/internal/state"
)

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Scenario is a named save point: the raw snapshot document plus metadata.
// Doc holds the full snapshot JSON; list queries leave it empty.
type Scenario struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Doc         []byte    `json:"-"`
	CellCount   int       `json:"cell_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChurnStat is returned by TopChurningCells.
type ChurnStat struct {
	CellName    string    `json:"cell_name"`
	UpdateCount int       `json:"update_count"`
	LastUpdate  time.Time `json:"last_update"`
}

// CellEmbedding stores an AI-generated vector embedding keyed to a cell.
type CellEmbedding struct {
	ID         string    `json:"id"`
	CellName   string    `json:"cell_name"`
	Content    string    `json:"content"`
	Vector     []float32 `json:"vector"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	CreatedAt  time.Time `json:"created_at"`
}

// TypeCount is a helper used inside StoreStats.
type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// StoreStats summarises the current contents of the database.
type StoreStats struct {
	ScenarioCount  int         `json:"scenario_count"`
	ChangeCount    int         `json:"change_count"`
	ChangesByType  []TypeCount `json:"changes_by_type"`
	EmbeddingCount int         `json:"embedding_count"`
}

// ---------------------------------------------------------------------------
// Float32 <-> BLOB helpers
// ---------------------------------------------------------------------------

// float32SliceToBytes serialises a []float32 as raw little-endian bytes.
func float32SliceToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice deserialises raw little-endian bytes into []float32.
func bytesToFloat32Slice(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// ---------------------------------------------------------------------------
// Storage
// ---------------------------------------------------------------------------

// Storage is a thread-safe wrapper around a SQLite database that persists
// scenarios, the change-event archive and cell embeddings.
type Storage struct {
	db *sql.DB
	mu sync.RWMutex
}

// ============================= LIFECYCLE ==================================

// New opens (or creates) the SQLite database at dbPath, applies the
// recommended PRAGMAs, runs any pending migrations and returns a ready
// *Storage.
func New(dbPath string) (*Storage, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open db %q: %w", dbPath, err)
	}

	// Only one writer at a time for SQLite.
	conn.SetMaxOpenConns(1)

	// Apply PRAGMAs.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("storage: set pragma %q: %w", p, err)
		}
	}

	s := &Storage{db: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// ============================ MIGRATIONS ==================================

// migrate ensures the schema_migrations table exists, then applies every
// unapplied Migration from the package-level Migrations slice.
func (s *Storage) migrate() error {
	// Guarantee the migrations tracking table is present.
	const createMigTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		description TEXT
	)`
	if _, err := s.db.Exec(createMigTable); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	for _, m := range Migrations {
		var exists int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration v%d: %w", m.Version, err)
		}
		if exists > 0 {
			continue
		}

		if _, err := s.db.Exec(m.SQL); err != nil {
			return fmt.Errorf("apply migration v%d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := s.db.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// ======================== SCENARIO OPERATIONS =============================

// SaveScenario upserts a scenario by name. Saving over an existing name
// replaces the whole record; the newest save wins.
func (s *Storage) SaveScenario(ctx context.Context, sc Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `INSERT OR REPLACE INTO scenarios
		(name, description, doc, cell_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q,
		sc.Name, sc.Description, string(sc.Doc), sc.CellCount, sc.CreatedAt, sc.UpdatedAt,
	); err != nil {
		return fmt.Errorf("storage: save scenario %q: %w", sc.Name, err)
	}
	return nil
}

// GetScenario retrieves a scenario by name, including its document. The
// second return is false when the name is not saved.
func (s *Storage) GetScenario(ctx context.Context, name string) (Scenario, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const q = `SELECT name, description, doc, cell_count, created_at, updated_at
		FROM scenarios WHERE name = ?`

	var sc Scenario
	var doc string
	err := s.db.QueryRowContext(ctx, q, name).Scan(
		&sc.Name, &sc.Description, &doc, &sc.CellCount, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Scenario{}, false, nil
	}
	if err != nil {
		return Scenario{}, false, fmt.Errorf("storage: get scenario %q: %w", name, err)
	}
	sc.Doc = []byte(doc)
	return sc, true, nil
}

// ListScenarios returns every scenario's metadata, newest update first.
// Doc is left empty; use GetScenario for the document.
func (s *Storage) ListScenarios(ctx context.Context) ([]Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const q = `SELECT name, description, cell_count, created_at, updated_at
		FROM scenarios ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("storage: list scenarios: %w", err)
	}
	defer rows.Close()

	var result []Scenario
	for rows.Next() {
		var sc Scenario
		if err := rows.Scan(&sc.Name, &sc.Description, &sc.CellCount, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan scenario row: %w", err)
		}
		result = append(result, sc)
	}
	return result, rows.Err()
}

// DeleteScenario removes a scenario by name. Deleting a missing name is a
// no-op.
func (s *Storage) DeleteScenario(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `DELETE FROM scenarios WHERE name = ?`
	if _, err := s.db.ExecContext(ctx, q, name); err != nil {
		return fmt.Errorf("storage: delete scenario %q: %w", name, err)
	}
	return nil
}

// ====================== CHANGE EVENT OPERATIONS ===========================

// SaveChange appends one observed transition to the archive. Values are
// stored in their natural JSON form.
func (s *Storage) SaveChange(ctx context.Context, e state.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := json.Marshal(e.Previous)
	if err != nil {
		return fmt.Errorf("storage: marshal previous value for %q: %w", e.CellName, err)
	}
	next, err := json.Marshal(e.Next)
	if err != nil {
		return fmt.Errorf("storage: marshal next value for %q: %w", e.CellName, err)
	}

	const q = `INSERT INTO change_events
		(id, event_type, cell_name, previous_value, next_value, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q,
		uuid.New().String(), string(e.Type), e.CellName,
		string(prev), string(next), e.Timestamp,
	); err != nil {
		return fmt.Errorf("storage: save change for %q: %w", e.CellName, err)
	}
	return nil
}

// scanChanges is a shared helper that scans rows into []state.ChangeEvent.
func scanChanges(rows *sql.Rows) ([]state.ChangeEvent, error) {
	defer rows.Close()
	var result []state.ChangeEvent
	for rows.Next() {
		var e state.ChangeEvent
		var evType, prev, next string
		if err := rows.Scan(&evType, &e.CellName, &prev, &next, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan change row: %w", err)
		}
		e.Type = state.EventType(evType)
		var perr error
		if e.Previous, perr = codec.Parse(prev); perr != nil {
			return nil, fmt.Errorf("storage: parse stored previous value: %w", perr)
		}
		if e.Next, perr = codec.Parse(next); perr != nil {
			return nil, fmt.Errorf("storage: parse stored next value: %w", perr)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// RecentChanges returns archived transitions inside the window, newest
// first.
func (s *Storage) RecentChanges(ctx context.Context, window time.Duration, limit int) ([]state.ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-window)
	const q = `SELECT event_type, cell_name, previous_value, next_value, timestamp
		FROM change_events WHERE timestamp >= ? ORDER BY timestamp DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent changes: %w", err)
	}
	return scanChanges(rows)
}

// ChangesForCell returns the archived transitions of one cell, newest
// first.
func (s *Storage) ChangesForCell(ctx context.Context, cellName string, limit int) ([]state.ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const q = `SELECT event_type, cell_name, previous_value, next_value, timestamp
		FROM change_events WHERE cell_name = ? ORDER BY timestamp DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, cellName, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: changes for cell %q: %w", cellName, err)
	}
	return scanChanges(rows)
}

// textTime scans a time.Time out of an expression column such as
// MAX(timestamp). Expression columns carry no decltype, so the sqlite
// driver returns their TEXT value unparsed; Scan accepts the same
// encodings the driver itself parses for DATETIME-declared columns.
type textTime struct{ time.Time }

// textTimeFormats matches parseTimeFormats in modernc.org/sqlite.
var textTimeFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

func (t *textTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v
		return nil
	case string:
		s := v
		if x := strings.Index(s, "m="); x > 0 {
			s = s[:x]
		}
		s = strings.TrimSpace(s)
		if p, err := time.Parse("2006-01-02 15:04:05.999999999 -0700 MST", s); err == nil {
			t.Time = p
			return nil
		}
		ts := strings.TrimSuffix(v, "Z")
		for _, f := range textTimeFormats {
			if p, err := time.Parse(f, ts); err == nil {
				t.Time = p
				return nil
			}
		}
		return fmt.Errorf("cannot parse %q as time", v)
	default:
		return fmt.Errorf("unsupported time column type %T", src)
	}
}

// TopChurningCells returns the cells with the most updates in the given
// window, ordered by update count descending.
func (s *Storage) TopChurningCells(ctx context.Context, window time.Duration, limit int) ([]ChurnStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-window)
	const q = `SELECT cell_name, COUNT(*) AS update_count, MAX(timestamp) AS last_update
		FROM change_events
		WHERE event_type = 'updated' AND timestamp >= ?
		GROUP BY cell_name
		ORDER BY update_count DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: top churning cells: %w", err)
	}
	defer rows.Close()

	var result []ChurnStat
	for rows.Next() {
		var stat ChurnStat
		var last textTime
		if err := rows.Scan(&stat.CellName, &stat.UpdateCount, &last); err != nil {
			return nil, fmt.Errorf("storage: scan churn stat row: %w", err)
		}
		stat.LastUpdate = last.Time
		result = append(result, stat)
	}
	return result, rows.Err()
}

// ====================== EMBEDDING OPERATIONS =============================

// SaveCellEmbedding upserts the embedding for a cell. A cell keeps at most
// one embedding; re-embedding replaces it.
func (s *Storage) SaveCellEmbedding(ctx context.Context, emb *CellEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if emb.ID == "" {
		emb.ID = uuid.New().String()
	}

	const q = `INSERT OR REPLACE INTO cell_embeddings
		(id, cell_name, content, vector, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q,
		emb.ID, emb.CellName, emb.Content, float32SliceToBytes(emb.Vector),
		emb.Model, emb.Dimensions, emb.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: save embedding for %q: %w", emb.CellName, err)
	}
	return nil
}

// GetCellEmbedding returns the embedding for a specific cell.
func (s *Storage) GetCellEmbedding(ctx context.Context, cellName string) (*CellEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const q = `SELECT id, cell_name, content, vector, model, dimensions, created_at
		FROM cell_embeddings WHERE cell_name = ? LIMIT 1`

	emb := &CellEmbedding{}
	var vectorBlob []byte
	if err := s.db.QueryRowContext(ctx, q, cellName).Scan(
		&emb.ID, &emb.CellName, &emb.Content, &vectorBlob,
		&emb.Model, &emb.Dimensions, &emb.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("storage: get embedding for %q: %w", cellName, err)
	}
	emb.Vector = bytesToFloat32Slice(vectorBlob)
	return emb, nil
}

// AllCellEmbeddings returns every embedding in the database. This is
// intended for loading all vectors into memory for similarity search.
func (s *Storage) AllCellEmbeddings(ctx context.Context) ([]*CellEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const q = `SELECT id, cell_name, content, vector, model, dimensions, created_at FROM cell_embeddings`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("storage: all embeddings: %w", err)
	}
	defer rows.Close()

	var result []*CellEmbedding
	for rows.Next() {
		emb := &CellEmbedding{}
		var vectorBlob []byte
		if err := rows.Scan(
			&emb.ID, &emb.CellName, &emb.Content, &vectorBlob,
			&emb.Model, &emb.Dimensions, &emb.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan embedding row: %w", err)
		}
		emb.Vector = bytesToFloat32Slice(vectorBlob)
		result = append(result, emb)
	}
	return result, rows.Err()
}

// DeleteCellEmbedding removes the embedding for a cell. Missing names are
// a no-op.
func (s *Storage) DeleteCellEmbedding(ctx context.Context, cellName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `DELETE FROM cell_embeddings WHERE cell_name = ?`
	if _, err := s.db.ExecContext(ctx, q, cellName); err != nil {
		return fmt.Errorf("storage: delete embedding for %q: %w", cellName, err)
	}
	return nil
}

// ============================== STATS ====================================

// Stats returns aggregate counts summarising the database.
func (s *Storage) Stats(ctx context.Context) (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &StoreStats{}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scenarios`).Scan(&stats.ScenarioCount); err != nil {
		return nil, fmt.Errorf("storage: stats scenarios: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM change_events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("storage: stats changes by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tc TypeCount
		if err := rows.Scan(&tc.Type, &tc.Count); err != nil {
			return nil, fmt.Errorf("storage: scan change type count: %w", err)
		}
		stats.ChangeCount += tc.Count
		stats.ChangesByType = append(stats.ChangesByType, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cell_embeddings`).Scan(&stats.EmbeddingCount); err != nil {
		return nil, fmt.Errorf("storage: stats embeddings: %w", err)
	}

	return stats, nil
}
