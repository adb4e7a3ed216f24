package reactive

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vyuha/cellscope/internal/codec"
)

// ---------------------------------------------------------------------------
// Demo state: a small host graph covering every value shape
// ---------------------------------------------------------------------------

// sessionHandle is deliberately not encodable; it surfaces as an opaque
// value in the mirror.
type sessionHandle struct {
	fd   int
	addr string
}

// BuildDemoState populates g with a representative set of cells: plain
// scalars, collections, an async value, an opaque handle and a few derived
// cells. Scripts and the --demo server flag both start from this graph.
func BuildDemoState(g *Graph) error {
	g.Provide("user.name", "Agent Smith")
	g.Provide("user.age", 42)
	g.Provide("user.active", true)
	g.Provide("user.nickname", nil)
	g.Provide("score", 10)
	g.Provide("tags", []any{"alpha", "beta"})
	g.Provide("config.features", map[string]any{
		"dark_mode": true,
		"max_items": 25,
	})
	g.Provide("weather.report", codec.AsyncLoading())
	g.Provide("session.conn", sessionHandle{fd: 7, addr: "10.0.0.1:443"})
	g.Provide("system.heartbeat", 0)
	g.Provide("system.uptime_seconds", 0)
	g.Provide("system.started_at", time.Now().UTC())

	if _, err := g.Derive("user.greeting", []string{"user.name"}, func(in map[string]any) any {
		name, _ := in["user.name"].(string)
		return "Hello, " + name
	}); err != nil {
		return fmt.Errorf("reactive: build demo state: %w", err)
	}

	if _, err := g.Derive("score.doubled", []string{"score"}, func(in map[string]any) any {
		return asFloat(in["score"]) * 2
	}); err != nil {
		return fmt.Errorf("reactive: build demo state: %w", err)
	}

	if _, err := g.Derive("user.summary", []string{"user.name", "user.age"}, func(in map[string]any) any {
		name, _ := in["user.name"].(string)
		return fmt.Sprintf("%s (%d)", name, int(asFloat(in["user.age"])))
	}); err != nil {
		return fmt.Errorf("reactive: build demo state: %w", err)
	}

	return nil
}

// asFloat widens the numeric types a cell value can arrive as. Host code
// provides ints; values written back through the editor arrive as float64.
func asFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case float32:
		return float64(n)
	default:
		return 0
	}
}

// RunHeartbeat churns the demo graph until ctx is done: it bumps
// system.heartbeat every interval, tracks uptime, and resolves the
// weather.report async value on the first tick.
func RunHeartbeat(ctx context.Context, g *Graph, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	beats := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beats++
			if err := g.Set("system.heartbeat", beats); err != nil {
				log.Printf("reactive: heartbeat: %v", err)
				return
			}
			_ = g.Set("system.uptime_seconds", int(time.Since(start).Seconds()))
			if beats == 1 {
				_ = g.Set("weather.report", codec.AsyncDone(map[string]any{
					"temp_c": 21.5,
					"sky":    "clear",
				}))
			}
		}
	}
}
