// ===========================================================================
// scripts/simulate_churn: live churn storm simulator for demos
//
// Adds a small fleet of remote cells to a running CELLSCOPE server through
// the ingest API, then drives updates through three phases:
// calm -> storm -> recovery. During the storm the target cell collapses and
// its peers spike, which lights up the churn board and the history views.
//
// Usage:
//   go run ./scripts/simulate_churn \
//       --server http://localhost:8080 \
//       --target cache.hit_rate \
//       --rate 4
//
// Tip: while it runs, watch the fallout:
//   curl http://localhost:8080/api/churn
// ===========================================================================
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

var (
	server  = flag.String("server", "http://localhost:8080", "CELLSCOPE server URL")
	target  = flag.String("target", "cache.hit_rate", "Name of the cell that will churn hardest")
	peers   = flag.Int("peers", 4, "Number of peer cells degrading alongside the target")
	rate    = flag.Int("rate", 4, "Events per second")
	phases  = flag.String("phases", "20,30,20", "Phase durations in seconds: calm,storm,recovery")
	cleanup = flag.Bool("cleanup", false, "Dispose the simulated cells when the run ends")
)

// ---------------------------------------------------------------------------
// Types (mirrors the server's ingest API)
// ---------------------------------------------------------------------------

type cellEvent struct {
	Op        string `json:"op"`
	Handle    string `json:"handle"`
	Name      string `json:"name"`
	Kind      string `json:"kind,omitempty"`
	Value     any    `json:"value,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// simCell is one simulated remote cell with a resting value it drifts
// around in calm weather and returns to during recovery.
type simCell struct {
	name   string
	handle string
	base   float64
	val    float64
}

// ---------------------------------------------------------------------------
// Storm flavor
// ---------------------------------------------------------------------------

var stormErrors = []string{
	"backend fetch timed out after 3s",
	"backend fetch timed out after 3s",
	"connection reset by peer",
	"circuit breaker open",
}

var peerPool = []simCell{
	{name: "cache.evictions_per_min", base: 12},
	{name: "cache.size_mb", base: 512},
	{name: "db.pool.in_use", base: 8},
	{name: "api.requests_inflight", base: 3},
	{name: "queue.depth", base: 0},
	{name: "worker.batch_ms", base: 45},
}

func main() {
	flag.Parse()

	phaseDurations := parsePhaseDurations(*phases)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	cellCount, err := probeServer(*server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: server unreachable at %s: %v\n", *server, err)
		fmt.Fprintln(os.Stderr, "  Start one first: go run ./cmd/server")
		os.Exit(1)
	}

	fleet := buildFleet(*target, *peers)
	fmt.Printf("Server:  %s (%d cells mirrored)\n", *server, cellCount)
	fmt.Printf("Target:  %s\n", *target)
	fmt.Printf("Peers:   %d cells\n", len(fleet)-1)
	fmt.Printf("Rate:    %d events/sec\n", *rate)
	fmt.Printf("Phases:  calm=%ds, storm=%ds, recovery=%ds\n",
		phaseDurations[0], phaseDurations[1], phaseDurations[2])
	fmt.Println()

	// Announce the fleet before driving updates.
	for _, c := range fleet {
		ev := cellEvent{Op: "add", Handle: c.handle, Name: c.name, Kind: "settable", Value: round2(c.val)}
		if err := sendEvent(*server, ev); err != nil {
			fmt.Fprintf(os.Stderr, "  ⚠ Add failed for %s: %v\n", c.name, err)
		} else {
			fmt.Printf("  ✓ Added cell %s\n", c.name)
		}
	}
	fmt.Println()

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()

	start := time.Now()
	phase1End := start.Add(time.Duration(phaseDurations[0]) * time.Second)
	phase2End := phase1End.Add(time.Duration(phaseDurations[1]) * time.Second)
	phase3End := phase2End.Add(time.Duration(phaseDurations[2]) * time.Second)

	targetCell := fleet[0]
	eventCount := 0

	for now := range ticker.C {
		if now.After(phase3End) {
			break
		}

		var (
			cell    *simCell
			value   any
			display string
			icon    = "✓"
		)

		switch {
		// -------- Phase 1: calm drift --------
		case now.Before(phase1End):
			elapsed := now.Sub(start).Seconds()
			cell = fleet[rng.Intn(len(fleet))]
			cell.val += (rng.Float64() - 0.5) * 0.04 * math.Max(cell.base, 1)
			value = round2(cell.val)
			display = fmt.Sprintf("%.2f", cell.val)
			printPhase("CALM", elapsed, phaseDurations[0], icon, cell.name, display)

		// -------- Phase 2: storm --------
		case now.Before(phase2End):
			elapsed := now.Sub(phase1End).Seconds()
			phase := "\033[31mSTORM\033[0m"

			if rng.Float64() < 0.5 {
				// Target collapses toward zero with heavy jitter.
				cell = targetCell
				cell.val = math.Max(0, cell.val*0.6+rng.Float64()*0.1*cell.base)
				value = round2(cell.val)
				display = fmt.Sprintf("%.2f", cell.val)
				icon = "✗"
			} else {
				cell = fleet[1+rng.Intn(len(fleet)-1)]
				if rng.Float64() < 0.25 {
					// Peer surfaces an async failure instead of a number.
					msg := stormErrors[rng.Intn(len(stormErrors))]
					value = asyncError(msg)
					display = "error: " + msg
					icon = "✗"
				} else {
					cell.val = cell.val*1.5 + rng.Float64()*math.Max(cell.base, 1)
					value = round2(cell.val)
					display = fmt.Sprintf("%.2f", cell.val)
				}
			}
			printPhase(phase, elapsed, phaseDurations[1], icon, cell.name, display)

		// -------- Phase 3: recovery --------
		default:
			elapsed := now.Sub(phase2End).Seconds()
			phase := "\033[32mRECOVERY\033[0m"
			cell = fleet[rng.Intn(len(fleet))]

			// Values decay back toward their resting points; early in
			// recovery the occasional spike still slips through.
			progress := elapsed / float64(phaseDurations[2])
			if rng.Float64() > progress && rng.Float64() < 0.25 {
				cell.val = cell.val*1.3 + rng.Float64()*math.Max(cell.base, 1)
				icon = "✗"
			} else {
				cell.val += (cell.base - cell.val) * 0.3
			}
			value = round2(cell.val)
			display = fmt.Sprintf("%.2f", cell.val)
			printPhase(phase, elapsed, phaseDurations[2], icon, cell.name, display)
		}

		ev := cellEvent{Op: "update", Handle: cell.handle, Name: cell.name, Value: value}
		if err := sendEvent(*server, ev); err != nil {
			fmt.Fprintf(os.Stderr, "  ⚠ Send failed: %v\n", err)
		}
		eventCount++
	}

	if *cleanup {
		fmt.Println()
		for _, c := range fleet {
			ev := cellEvent{Op: "dispose", Handle: c.handle, Name: c.name}
			if err := sendEvent(*server, ev); err != nil {
				fmt.Fprintf(os.Stderr, "  ⚠ Dispose failed for %s: %v\n", c.name, err)
			} else {
				fmt.Printf("  ✓ Disposed cell %s\n", c.name)
			}
		}
	}

	fmt.Println()
	fmt.Println("════════════════════════════════════════════")
	fmt.Printf("  Simulation complete: %d events sent\n", eventCount)
	fmt.Printf("  Churn board: curl %s/api/churn\n", *server)
	fmt.Println("════════════════════════════════════════════")
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// buildFleet returns the target cell followed by up to peerCount peers.
func buildFleet(targetName string, peerCount int) []*simCell {
	fleet := []*simCell{{
		name:   targetName,
		handle: "churn-target",
		base:   0.92,
		val:    0.92,
	}}
	for i := 0; i < peerCount && i < len(peerPool); i++ {
		p := peerPool[i]
		fleet = append(fleet, &simCell{
			name:   p.name,
			handle: fmt.Sprintf("churn-peer-%d", i+1),
			base:   p.base,
			val:    p.base,
		})
	}
	return fleet
}

func sendEvent(serverURL string, event cellEvent) error {
	body, _ := json.Marshal(event)
	resp, err := http.Post(
		serverURL+"/api/ingest/event",
		"application/json",
		bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func probeServer(serverURL string) (int, error) {
	resp, err := http.Get(serverURL + "/api/summary")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	var wrapper struct {
		Data struct {
			CellCount int `json:"cell_count"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return 0, err
	}
	return wrapper.Data.CellCount, nil
}

// asyncError builds the wire form of a failed async value.
func asyncError(msg string) any {
	return map[string]any{
		"__async__": map[string]any{
			"has_value":  false,
			"has_error":  true,
			"is_loading": false,
			"error":      msg,
		},
	}
}

func printPhase(phase string, elapsed float64, total int, icon, name, display string) {
	fmt.Printf("  [%s %4.0fs/%ds] %s %s → %s\n", phase, elapsed, total, icon, name, display)
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

func parsePhaseDurations(s string) [3]int {
	durations := [3]int{20, 30, 20}
	parts := strings.Split(s, ",")
	for i := 0; i < 3 && i < len(parts); i++ {
		var d int
		if _, err := fmt.Sscanf(strings.TrimSpace(parts[i]), "%d", &d); err == nil && d > 0 {
			durations[i] = d
		}
	}
	return durations
}
