// ===========================================================================
// scripts/generate_demo_events: build an offline CELLSCOPE demo environment
//
// Produces two artifacts:
//   1. A SQLite database pre-filled with a day of synthetic cell history
//      and a saved "baseline" scenario.
//   2. A JSONL event log in the watch wire format, one cell event per line.
//
// With --follow the script skips the database and instead appends live
// update lines to the event log until interrupted, so a server watching
// that file sees the fleet move in real time.
//
// Usage:
//   go run ./scripts/generate_demo_events --db-path ./cellscope-demo.db
//   go run ./scripts/generate_demo_events --events-path /tmp/cells.jsonl --follow
// ===========================================================================
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/vyuha/cellscope/internal/codec"
	"github.com/vyuha/cellscope/internal/state"
	"github.com/vyuha/cellscope/internal/storage"
	"github.com/vyuha/cellscope/internal/tail"
)

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

var (
	dbPath     = flag.String("db-path", "./cellscope-demo.db", "Output SQLite database path")
	eventsPath = flag.String("events-path", "./demo-events.jsonl", "Output JSONL event log path")
	sensors    = flag.Int("sensors", 6, "Number of synthetic sensors in the fleet")
	hours      = flag.Int("hours", 24, "Span of synthetic history, in hours")
	seed       = flag.Int64("seed", 42, "Random seed for reproducibility")
	follow     = flag.Bool("follow", false, "Append live update lines to the event log instead of generating the database")
	interval   = flag.Duration("interval", 2*time.Second, "Delay between live update lines in follow mode")
)

// ---------------------------------------------------------------------------
// Value pools
// ---------------------------------------------------------------------------

// statusPool is weighted: most reads should land on "ok".
var statusPool = []string{"ok", "ok", "ok", "ok", "degraded", "offline"}

var alertPool = []string{
	"sensor 03 offline for 5m",
	"uplink latency above 800ms",
	"battery low on sensor 05",
	"clock drift detected on gateway",
	"firmware update pending",
	"duplicate readings from sensor 02",
}

// ---------------------------------------------------------------------------
// Fleet model
// ---------------------------------------------------------------------------

// demoCell is one synthetic cell: its mirror identity, its current value,
// and an evolve function producing the next value from the current one.
// Cells without an evolve function never update after their initial add.
type demoCell struct {
	name   string
	handle string
	value  codec.Value
	hot    bool // hot cells update an order of magnitude more often
	evolve func(rng *rand.Rand, cur codec.Value) codec.Value
}

func buildFleet(rng *rand.Rand, sensorCount int) []*demoCell {
	var fleet []*demoCell

	for i := 1; i <= sensorCount; i++ {
		id := fmt.Sprintf("%02d", i)
		base := 16 + rng.Float64()*8

		fleet = append(fleet,
			&demoCell{
				name:   fmt.Sprintf("sensor.%s.temperature", id),
				handle: fmt.Sprintf("sim-temp-%s", id),
				value:  codec.Number(round1(base)),
				hot:    i == 1,
				evolve: func(rng *rand.Rand, cur codec.Value) codec.Value {
					return codec.Number(round1(cur.Num + (rng.Float64()-0.5)*3))
				},
			},
			&demoCell{
				name:   fmt.Sprintf("sensor.%s.online", id),
				handle: fmt.Sprintf("sim-online-%s", id),
				value:  codec.Bool(true),
				evolve: func(rng *rand.Rand, cur codec.Value) codec.Value {
					if rng.Float64() < 0.35 {
						return codec.Bool(!cur.Bool)
					}
					return cur
				},
			},
			&demoCell{
				name:   fmt.Sprintf("sensor.%s.status", id),
				handle: fmt.Sprintf("sim-status-%s", id),
				value:  codec.String("ok"),
				evolve: func(rng *rand.Rand, cur codec.Value) codec.Value {
					return codec.String(pick(rng, statusPool))
				},
			},
		)
	}

	fleet = append(fleet,
		&demoCell{
			name:   "fleet.size",
			handle: "sim-fleet-size",
			value:  codec.Number(float64(sensorCount)),
		},
		&demoCell{
			name:   "fleet.alerts",
			handle: "sim-fleet-alerts",
			value:  codec.ListOf(),
			evolve: randomAlerts,
		},
		&demoCell{
			name:   "config.sampling",
			handle: "sim-config-sampling",
			value:  samplingConfig(500, 0.1),
			evolve: func(rng *rand.Rand, cur codec.Value) codec.Value {
				intervals := []float64{250, 500, 1000}
				return samplingConfig(intervals[rng.Intn(len(intervals))], round1(rng.Float64()*0.5))
			},
		},
		&demoCell{
			name:   "uplink.report",
			handle: "sim-uplink-report",
			value:  codec.Encode(codec.AsyncLoading()),
			evolve: rotateReport,
		},
		&demoCell{
			name:   "uplink.conn",
			handle: "sim-uplink-conn",
			value:  codec.Opaque("grpc.ClientConn 0xc0004a2e00"),
		},
	)
	return fleet
}

func main() {
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	fleet := buildFleet(rng, *sensors)

	if *follow {
		followLoop(rng, *eventsPath, fleet, *interval)
		return
	}

	ctx := context.Background()

	// Remove any existing demo DB.
	os.Remove(*dbPath)

	log.Println("══════════════════════════════════════════")
	log.Println("  CELLSCOPE - Demo Event Generator")
	log.Println("══════════════════════════════════════════")
	log.Printf("  DB:     %s", *dbPath)
	log.Printf("  Events: %s", *eventsPath)
	log.Printf("  Fleet:  %d sensors (%d cells)", *sensors, len(fleet))
	log.Println()

	// =====================================================================
	// Step 1: Open the database
	// =====================================================================
	log.Println("[1/4] Opening database…")
	store, err := storage.New(*dbPath)
	if err != nil {
		log.Fatalf("  ✗ Failed to open database: %v", err)
	}
	defer store.Close()
	log.Printf("  ✓ Created %s", *dbPath)

	// =====================================================================
	// Step 2: Synthesize cell history
	// =====================================================================
	log.Printf("[2/4] Synthesizing %dh of cell history…", *hours)
	eventCount, hotCell := injectHistory(ctx, rng, store, fleet, *hours)
	log.Printf("  ✓ Injected %d change events across %d cells", eventCount, len(fleet))
	log.Printf("    Hot cell: %s | Window: last %dh", hotCell, *hours)

	// =====================================================================
	// Step 3: Save the baseline scenario
	// =====================================================================
	log.Println("[3/4] Saving baseline scenario…")
	doc, err := snapshotDoc(fleet)
	if err != nil {
		log.Fatalf("  ✗ Failed to build snapshot document: %v", err)
	}
	now := time.Now().UTC()
	sc := storage.Scenario{
		Name:        "baseline",
		Description: "Synthetic fleet at rest, before any injected churn",
		Doc:         doc,
		CellCount:   len(fleet),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.SaveScenario(ctx, sc); err != nil {
		log.Fatalf("  ✗ Failed to save scenario: %v", err)
	}
	log.Printf("  ✓ Saved scenario %q (%d cells)", sc.Name, sc.CellCount)

	// =====================================================================
	// Step 4: Write the JSONL event log
	// =====================================================================
	log.Println("[4/4] Writing event log…")
	lines, err := writeEventLog(*eventsPath, fleet)
	if err != nil {
		log.Fatalf("  ✗ Failed to write event log: %v", err)
	}
	log.Printf("  ✓ Wrote %d add lines to %s", lines, *eventsPath)

	// =====================================================================
	// Summary
	// =====================================================================
	fmt.Println()
	fmt.Println("══════════════════════════════════════════")
	fmt.Printf("  Demo database ready: %s\n", *dbPath)
	fmt.Printf("  Cells: %d | Change events: %d | Scenarios: 1\n", len(fleet), eventCount)
	fmt.Printf("  Event log: %s (%d lines)\n", *eventsPath, lines)
	fmt.Println("══════════════════════════════════════════")
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  go run ./cmd/server --db-path %s --port 8080\n", *dbPath)
	fmt.Println("  touch /tmp/cells.jsonl")
	fmt.Println(`  curl -X POST localhost:8080/api/ingest/watch -d '{"file_path": "/tmp/cells.jsonl"}'`)
	fmt.Printf("  cat %s >> /tmp/cells.jsonl\n", *eventsPath)
	fmt.Println("  go run ./scripts/generate_demo_events --events-path /tmp/cells.jsonl --follow")
}

// ---------------------------------------------------------------------------
// History synthesis
// ---------------------------------------------------------------------------

// injectHistory saves an added event for every cell and a run of updated
// events for every evolvable cell, spread across the past `hours` hours.
// Returns the number of events saved and the name of the hot cell.
func injectHistory(ctx context.Context, rng *rand.Rand, store *storage.Storage, fleet []*demoCell, hours int) (int, string) {
	now := time.Now().UTC()
	start := now.Add(-time.Duration(hours) * time.Hour)

	eventCount := 0
	hotCell := ""

	for _, c := range fleet {
		born := randomTimeBetween(rng, start, start.Add(30*time.Minute))
		added := state.ChangeEvent{
			Type:      state.EventAdded,
			CellName:  c.name,
			Timestamp: born,
			Previous:  codec.Null(),
			Next:      c.value,
		}
		if err := store.SaveChange(ctx, added); err != nil {
			log.Fatalf("  ✗ Failed to save change event: %v", err)
		}
		eventCount++

		if c.evolve == nil {
			continue
		}

		n := 4 + rng.Intn(8)
		if c.hot {
			n = 45 + rng.Intn(25)
			hotCell = c.name
		}

		cur := c.value
		t := born
		span := now.Sub(born)
		step := span / time.Duration(n+1)
		for j := 0; j < n; j++ {
			t = t.Add(time.Duration(float64(step) * (0.5 + rng.Float64())))
			if !t.Before(now) {
				t = now.Add(-time.Minute)
			}
			next := c.evolve(rng, cur)
			if reflect.DeepEqual(next, cur) {
				continue
			}
			ev := state.ChangeEvent{
				Type:      state.EventUpdated,
				CellName:  c.name,
				Timestamp: t,
				Previous:  cur,
				Next:      next,
			}
			if err := store.SaveChange(ctx, ev); err != nil {
				log.Fatalf("  ✗ Failed to save change event: %v", err)
			}
			cur = next
			eventCount++
		}
		c.value = cur
	}
	return eventCount, hotCell
}

// snapshotDoc builds a snapshot document from the fleet's final values,
// in the same shape the export endpoint produces.
func snapshotDoc(fleet []*demoCell) ([]byte, error) {
	cells := make(map[string]codec.Value, len(fleet))
	for _, c := range fleet {
		cells[c.name] = c.value
	}
	return json.Marshal(struct {
		CreatedAt time.Time              `json:"created_at"`
		CellCount int                    `json:"cell_count"`
		Cells     map[string]codec.Value `json:"cells"`
	}{
		CreatedAt: time.Now().UTC(),
		CellCount: len(cells),
		Cells:     cells,
	})
}

// ---------------------------------------------------------------------------
// JSONL event log
// ---------------------------------------------------------------------------

// writeEventLog truncates path and writes one add line per cell.
func writeEventLog(path string, fleet []*demoCell) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	ts := time.Now().UTC().Format(time.RFC3339)
	for _, c := range fleet {
		ev := tail.CellEvent{
			Op:        tail.OpAdd,
			Handle:    c.handle,
			Name:      c.name,
			Kind:      "settable",
			Value:     wire(c.value),
			Timestamp: ts,
		}
		if err := writeLine(w, ev); err != nil {
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	return len(fleet), nil
}

// followLoop appends add lines for the whole fleet, then one update line
// per tick until interrupted. Lines are flushed as they are written so a
// tailing server sees them immediately.
func followLoop(rng *rand.Rand, path string, fleet []*demoCell, interval time.Duration) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("✗ Failed to open event log: %v", err)
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := bufio.NewWriter(f)

	// Announce the fleet so a fresh watcher learns every cell.
	for _, c := range fleet {
		ev := tail.CellEvent{
			Op:        tail.OpAdd,
			Handle:    c.handle,
			Name:      c.name,
			Kind:      "settable",
			Value:     wire(c.value),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if err := writeLine(w, ev); err != nil {
			log.Fatalf("✗ Failed to write add line: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		log.Fatalf("✗ Failed to flush event log: %v", err)
	}

	var evolvable []*demoCell
	for _, c := range fleet {
		if c.evolve != nil {
			evolvable = append(evolvable, c)
		}
	}

	log.Printf("Streaming updates to %s every %s (Ctrl-C to stop)…", path, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	written := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			log.Printf("✓ Appended %d add lines and %d update lines", len(fleet), written)
			return
		case <-ticker.C:
			c := evolvable[rng.Intn(len(evolvable))]
			next := c.evolve(rng, c.value)
			if reflect.DeepEqual(next, c.value) {
				continue
			}
			c.value = next
			ev := tail.CellEvent{
				Op:        tail.OpUpdate,
				Handle:    c.handle,
				Name:      c.name,
				Kind:      "settable",
				Value:     wire(next),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}
			if err := writeLine(w, ev); err != nil {
				log.Fatalf("✗ Failed to write update line: %v", err)
			}
			if err := w.Flush(); err != nil {
				log.Fatalf("✗ Failed to flush event log: %v", err)
			}
			written++
			fmt.Print(".")
			if written%60 == 0 {
				fmt.Println()
			}
		}
	}
}

func writeLine(w *bufio.Writer, ev tail.CellEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// wire renders a codec value in its JSON wire form.
func wire(v codec.Value) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// ---------------------------------------------------------------------------
// Value helpers
// ---------------------------------------------------------------------------

func round1(f float64) float64 { return math.Round(f*10) / 10 }

func pick(rng *rand.Rand, pool []string) string { return pool[rng.Intn(len(pool))] }

// randomTimeBetween returns a random Time in [start, end).
func randomTimeBetween(rng *rand.Rand, start, end time.Time) time.Time {
	delta := end.Sub(start)
	offset := time.Duration(rng.Int63n(int64(delta)))
	return start.Add(offset)
}

func samplingConfig(intervalMs, jitter float64) codec.Value {
	return codec.MapOf(
		codec.Entry("interval_ms", codec.Number(intervalMs)),
		codec.Entry("jitter", codec.Number(jitter)),
	)
}

// randomAlerts rebuilds the alert list with zero to two entries.
func randomAlerts(rng *rand.Rand, cur codec.Value) codec.Value {
	n := rng.Intn(3)
	elems := make([]codec.Value, 0, n)
	for i := 0; i < n; i++ {
		elems = append(elems, codec.String(pick(rng, alertPool)))
	}
	return codec.ListOf(elems...)
}

// rotateReport cycles the uplink report through loading, done and the
// occasional failure.
func rotateReport(rng *rand.Rand, cur codec.Value) codec.Value {
	loading := cur.Kind == codec.KindAsync && cur.Async != nil && cur.Async.IsLoading
	switch {
	case loading:
		return codec.Encode(codec.AsyncDone(uplinkReport(rng)))
	case rng.Float64() < 0.2:
		return codec.Encode(codec.AsyncFailed(errors.New("uplink timeout after 3s")))
	case rng.Float64() < 0.3:
		return codec.Encode(codec.AsyncLoading())
	default:
		return codec.Encode(codec.AsyncDone(uplinkReport(rng)))
	}
}

func uplinkReport(rng *rand.Rand) map[string]any {
	return map[string]any{
		"packets":   1200 + rng.Intn(400),
		"loss_rate": round1(rng.Float64() * 2),
	}
}
