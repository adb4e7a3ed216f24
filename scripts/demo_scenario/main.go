// ---------------------------------------------------------------------------
// scripts/demo_scenario/main.go: scripted 2-minute live editing demo
//
// Saves a restore point, then drives writes through the editing API in five
// phases: baseline wobble, drift, runaway target, chaos edits, and finally a
// rollback that applies the saved scenario to put every cell back.
//
// Usage:
//   go run ./scripts/demo_scenario --server http://localhost:8080
//
// Flags:
//   --server    Base URL of the CELLSCOPE server  (default: http://localhost:8080)
//   --duration  Total demo duration in seconds    (default: 120)
// ---------------------------------------------------------------------------
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// ANSI colour helpers
// ---------------------------------------------------------------------------

const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	dim     = "\033[2m"
	red     = "\033[31m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	blue    = "\033[34m"
	magenta = "\033[35m"
	cyan    = "\033[36m"
	white   = "\033[37m"
	bgRed   = "\033[41m"
)

func colour(c, s string) string { return c + s + reset }
func header(phase int, msg string) {
	bar := strings.Repeat("━", 60)
	fmt.Println()
	fmt.Println(colour(dim, bar))
	fmt.Printf("  %s  %s\n", colour(bold+cyan, fmt.Sprintf("Phase %d/5", phase)), colour(bold+white, msg))
	fmt.Println(colour(dim, bar))
}

// ---------------------------------------------------------------------------
// API types (mirrors the backend JSON shapes)
// ---------------------------------------------------------------------------

type cellInfo struct {
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	LastValue json.RawMessage `json:"last_value"`
}

type cellsResp struct {
	Data struct {
		Cells []cellInfo `json:"cells"`
		Total int        `json:"total"`
	} `json:"data"`
}

type writeResp struct {
	Data struct {
		Written bool `json:"written"`
	} `json:"data"`
}

type scenarioResp struct {
	Data struct {
		Name      string `json:"name"`
		CellCount int    `json:"cell_count"`
	} `json:"data"`
}

type applyResp struct {
	Data struct {
		Attempted int `json:"attempted"`
		Applied   int `json:"applied"`
	} `json:"data"`
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func getJSON(url string, target interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("GET %s returned %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func postWrite(serverURL, name string, value interface{}) error {
	body, _ := json.Marshal(map[string]interface{}{"name": name, "value": value})
	resp, err := http.Post(serverURL+"/api/cells/write", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("write returned %d", resp.StatusCode)
	}
	var wr writeResp
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return err
	}
	if !wr.Data.Written {
		return fmt.Errorf("write rejected")
	}
	return nil
}

func saveScenario(serverURL, name string) (int, error) {
	body, _ := json.Marshal(map[string]string{
		"name":        name,
		"description": "Restore point taken before the demo started editing",
	})
	resp, err := http.Post(serverURL+"/api/scenarios", "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("scenario save returned %d", resp.StatusCode)
	}
	var sr scenarioResp
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return 0, err
	}
	return sr.Data.CellCount, nil
}

func applyScenario(serverURL, name string) (int, int, error) {
	resp, err := http.Post(serverURL+"/api/scenarios/"+name+"/apply", "application/json", nil)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, 0, fmt.Errorf("scenario apply returned %d", resp.StatusCode)
	}
	var ar applyResp
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return 0, 0, err
	}
	return ar.Data.Applied, ar.Data.Attempted, nil
}

func deleteScenario(serverURL, name string) error {
	req, _ := http.NewRequest(http.MethodDelete, serverURL+"/api/scenarios/"+name, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("scenario delete returned %d", resp.StatusCode)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

// editableSet holds the settable cells grouped by current value type, plus
// their original values for a manual restore when no store is available.
type editableSet struct {
	numbers   []string
	strings   []string
	bools     []string
	vals      map[string]float64
	originals map[string]json.RawMessage
	total     int
}

func discoverCells(serverURL string) (*editableSet, error) {
	var cr cellsResp
	if err := getJSON(serverURL+"/api/cells", &cr); err != nil {
		return nil, fmt.Errorf("discover cells: %w", err)
	}

	set := &editableSet{
		vals:      make(map[string]float64),
		originals: make(map[string]json.RawMessage),
		total:     cr.Data.Total,
	}
	for _, c := range cr.Data.Cells {
		if c.Kind != "settable" {
			continue
		}
		var native interface{}
		if err := json.Unmarshal(c.LastValue, &native); err != nil {
			continue
		}
		switch v := native.(type) {
		case float64:
			set.numbers = append(set.numbers, c.Name)
			set.vals[c.Name] = v
			set.originals[c.Name] = c.LastValue
		case string:
			set.strings = append(set.strings, c.Name)
			set.originals[c.Name] = c.LastValue
		case bool:
			set.bools = append(set.bools, c.Name)
			set.originals[c.Name] = c.LastValue
		}
	}
	if len(set.numbers) == 0 {
		return nil, fmt.Errorf("no settable number cells found (start the server with --demo)")
	}
	return set, nil
}

func randBetween(lo, hi int) int {
	if lo >= hi {
		return lo
	}
	return lo + rand.Intn(hi-lo)
}

// ---------------------------------------------------------------------------
// Phase runners
// ---------------------------------------------------------------------------

type phaseConfig struct {
	number     int
	title      string
	titleColor string
	duration   time.Duration
	scale      float64 // relative share of total duration
}

var demoPhases = []phaseConfig{
	{1, "Baseline wobble", green, 0, 0.30},
	{2, "Values drifting", yellow, 0, 0.25},
	{3, "RUNAWAY WRITES: target climbing fast!", red, 0, 0.20},
	{4, "Chaos edits: every cell erratic", bgRed + white, 0, 0.25},
	{5, "Rollback: restoring saved scenario", cyan, 0, 0},
}

var chaosTexts = []string{
	"corrupted-frame-7f3a",
	"<<truncated>>",
	"NaN",
	"error: buffer overrun at 0x7fe2",
	"???",
}

func runDemo(serverURL string, totalDuration time.Duration, set *editableSet, scenarioSaved bool) {
	// Pick the runaway target: prefer the demo graph's score cell.
	failTarget := set.numbers[0]
	for _, name := range set.numbers {
		if name == "score" {
			failTarget = name
			break
		}
	}

	// The rollback phase is a single API call, so the writing phases share
	// the whole duration between them.
	for i := range demoPhases {
		demoPhases[i].duration = time.Duration(float64(totalDuration) * demoPhases[i].scale)
	}

	printBanner(failTarget, totalDuration, set)

	writesSent := 0
	sleep := 500 * time.Millisecond
	flips := make(map[string]bool, len(set.bools))

	// ---- Phase 1: baseline wobble ------------------------------------------
	p := demoPhases[0]
	header(p.number, colour(p.titleColor, p.title))
	deadline := time.Now().Add(p.duration)
	for time.Now().Before(deadline) {
		name := set.numbers[rand.Intn(len(set.numbers))]
		set.vals[name] *= 1 + (rand.Float64()-0.5)*0.06
		sendAndDot(serverURL, name, round2(set.vals[name]), green, &writesSent)
		time.Sleep(sleep)
	}

	// ---- Phase 2: drift ----------------------------------------------------
	p = demoPhases[1]
	header(p.number, colour(p.titleColor, p.title))
	deadline = time.Now().Add(p.duration)
	for time.Now().Before(deadline) {
		name := set.numbers[rand.Intn(len(set.numbers))]
		set.vals[name] = set.vals[name]*1.05 + rand.Float64()*2
		sendAndDot(serverURL, name, round2(set.vals[name]), yellow, &writesSent)
		time.Sleep(sleep)
	}

	// ---- Phase 3: runaway target -------------------------------------------
	p = demoPhases[2]
	header(p.number, colour(p.titleColor, p.title))
	deadline = time.Now().Add(p.duration)
	for time.Now().Before(deadline) {
		if rand.Float64() < 0.7 {
			set.vals[failTarget] = set.vals[failTarget]*1.8 + float64(randBetween(100, 500))
			sendAndDot(serverURL, failTarget, round2(set.vals[failTarget]), red, &writesSent)
		} else {
			name := set.numbers[rand.Intn(len(set.numbers))]
			set.vals[name] *= 1.1
			sendAndDot(serverURL, name, round2(set.vals[name]), yellow, &writesSent)
		}
		time.Sleep(sleep)
	}

	// ---- Phase 4: chaos ----------------------------------------------------
	p = demoPhases[3]
	header(p.number, colour(p.titleColor, p.title))
	deadline = time.Now().Add(p.duration)
	for time.Now().Before(deadline) {
		roll := rand.Float64()
		switch {
		case roll < 0.4 || len(set.strings)+len(set.bools) == 0:
			name := set.numbers[rand.Intn(len(set.numbers))]
			set.vals[name] = float64(randBetween(-5000, 10000))
			sendAndDot(serverURL, name, round2(set.vals[name]), red, &writesSent)
		case roll < 0.7 && len(set.strings) > 0:
			name := set.strings[rand.Intn(len(set.strings))]
			sendAndDot(serverURL, name, chaosTexts[rand.Intn(len(chaosTexts))], magenta, &writesSent)
		case len(set.bools) > 0:
			name := set.bools[rand.Intn(len(set.bools))]
			flips[name] = !flips[name]
			sendAndDot(serverURL, name, flips[name], red, &writesSent)
		default:
			name := set.strings[rand.Intn(len(set.strings))]
			sendAndDot(serverURL, name, chaosTexts[rand.Intn(len(chaosTexts))], magenta, &writesSent)
		}
		time.Sleep(sleep)
	}

	// ---- Phase 5: rollback -------------------------------------------------
	p = demoPhases[4]
	header(p.number, colour(p.titleColor, p.title))
	if scenarioSaved {
		applied, attempted, err := applyScenario(serverURL, "pre-demo")
		if err != nil {
			fmt.Printf("\n  %s %s\n", colour(bold+red, "✗ Rollback failed:"), err)
		} else {
			fmt.Printf("\n  %s %d/%d cells restored\n",
				colour(bold+green, "✓ Scenario \"pre-demo\" applied:"), applied, attempted)
		}
		if err := deleteScenario(serverURL, "pre-demo"); err == nil {
			fmt.Printf("  %s\n", colour(dim, "Restore point deleted."))
		}
	} else {
		// No store on the server: rewrite the original values directly.
		fmt.Printf("\n  %s\n", colour(dim, "No saved scenario; rewriting original values."))
		for name, raw := range set.originals {
			sendAndDot(serverURL, name, raw, green, &writesSent)
			time.Sleep(100 * time.Millisecond)
		}
		fmt.Println()
	}

	printFooter(writesSent)
}

func round2(f float64) float64 { return float64(int(f*100)) / 100 }

// ---------------------------------------------------------------------------
// Printing helpers
// ---------------------------------------------------------------------------

func sendAndDot(serverURL, name string, value interface{}, dotColour string, count *int) {
	if err := postWrite(serverURL, name, value); err != nil {
		fmt.Print(colour(red, "✗"))
		return
	}
	*count++
	// Newline every 60 dots for readability.
	if *count%60 == 0 {
		fmt.Println(colour(dotColour, "·"))
	} else {
		fmt.Print(colour(dotColour, "·"))
	}
}

func printBanner(failTarget string, dur time.Duration, set *editableSet) {
	bar := strings.Repeat("═", 60)
	fmt.Println()
	fmt.Println(colour(bold+blue, bar))
	fmt.Println(colour(bold+blue, "  ╔═╗╔═╗╦  ╦  ╔═╗╔═╗╔═╗╔═╗╔═╗"))
	fmt.Println(colour(bold+blue, "  ║  ╠═ ║  ║  ╚═╗║  ║ ║╠═╝╠═ "))
	fmt.Println(colour(bold+blue, "  ╚═╝╚═╝╩═╝╩═╝╚═╝╚═╝╚═╝╩  ╚═╝"))
	fmt.Println(colour(bold+blue, bar))
	fmt.Println(colour(bold+white, "  Live Editing Demo Scenario"))
	fmt.Println()
	fmt.Printf("  %s %d mirrored, %d editable numbers\n",
		colour(dim, "Cells:         "), set.total, len(set.numbers))
	fmt.Printf("  %s %s\n", colour(dim, "Runaway target:"), colour(bold+red, failTarget))
	fmt.Printf("  %s %s\n", colour(dim, "Duration:      "), dur)
	fmt.Println()
	fmt.Println(colour(dim, "  Writes go out every 500ms."))
	fmt.Println(colour(dim, "  Each · is one write. Watch /api/events update in real time!"))
	fmt.Println(colour(bold+blue, bar))
}

func printFooter(writesSent int) {
	fmt.Println()
	bar := strings.Repeat("━", 60)
	fmt.Println(colour(dim, bar))
	fmt.Printf("\n  %s\n", colour(bold+green, "✓ Demo complete. State restored."))
	fmt.Printf("  %s %d writes sent\n\n", colour(dim, "Total:"), writesSent)
	fmt.Println(colour(dim, bar))
}

// ---------------------------------------------------------------------------
// main
// ---------------------------------------------------------------------------

func main() {
	serverFlag := flag.String("server", "http://localhost:8080", "CELLSCOPE server base URL")
	durationFlag := flag.Int("duration", 120, "Total demo duration in seconds")
	flag.Parse()

	serverURL := strings.TrimRight(*serverFlag, "/")
	totalDuration := time.Duration(*durationFlag) * time.Second

	fmt.Printf("\n  %s %s\n", colour(dim, "Connecting to"), colour(white, serverURL))

	// ---- Step 1: Discover editable cells ----------------------------------
	set, err := discoverCells(serverURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n  %s %s\n\n", colour(bold+red, "Error:"), err)
		os.Exit(1)
	}
	fmt.Printf("  %s %d cells mirrored, %d numbers / %d strings / %d bools editable\n",
		colour(dim, "Mirror:"), set.total, len(set.numbers), len(set.strings), len(set.bools))

	// ---- Step 2: Save the restore point -----------------------------------
	scenarioSaved := false
	if count, err := saveScenario(serverURL, "pre-demo"); err != nil {
		fmt.Printf("  %s %v\n", colour(yellow, "⚠ Scenario save failed (no store?):"), err)
		fmt.Printf("  %s\n", colour(dim, "Originals will be rewritten at the end instead."))
	} else {
		scenarioSaved = true
		fmt.Printf("  %s scenario \"pre-demo\" saved (%d cells)\n", colour(dim, "Restore:"), count)
	}

	// ---- Step 3: Run the demo scenario ------------------------------------
	runDemo(serverURL, totalDuration, set, scenarioSaved)
}
