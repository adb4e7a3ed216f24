package tail

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const pollInterval = 100 * time.Millisecond

// Tailer follows an append-only event log. It attaches at EOF, polls for
// new lines and hands each JSON cell event to the Ingestor. Lines written
// before attach are never replayed.
type Tailer struct {
	filePath string
	ingestor *Ingestor
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	linesRead  atomic.Int64
	parseErrs  atomic.Int64
	submitErrs atomic.Int64
	startedAt  time.Time
}

// NewTailer prepares a tailer; nothing happens until Start.
func NewTailer(filePath string, ingestor *Ingestor) *Tailer {
	return &Tailer{
		filePath: filePath,
		ingestor: ingestor,
		done:     make(chan struct{}),
	}
}

// FilePath returns the path being tailed.
func (t *Tailer) FilePath() string { return t.filePath }

// StartedAt returns when the tailer attached to the file.
func (t *Tailer) StartedAt() time.Time { return t.startedAt }

// LinesRead returns how many complete lines have been consumed.
func (t *Tailer) LinesRead() int64 { return t.linesRead.Load() }

// Start opens the file, seeks to its end and launches the read loop. The
// loop runs until ctx is cancelled or Stop is called.
func (t *Tailer) Start(ctx context.Context) error {
	f, err := os.Open(t.filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.filePath, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("seek to end of %s: %w", t.filePath, err)
	}

	t.startedAt = time.Now().UTC()
	t.wg.Add(1)
	slog.Info("event tailer started", "file", t.filePath)

	go func() {
		defer t.wg.Done()
		defer f.Close()
		t.follow(ctx, f)
	}()

	return nil
}

// Stop ends the read loop and waits for it. Safe to call more than once.
func (t *Tailer) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
	t.wg.Wait()
	slog.Info("event tailer stopped",
		"file", t.filePath,
		"lines_read", t.linesRead.Load(),
	)
}

func (t *Tailer) follow(ctx context.Context, f *os.File) {
	reader := bufio.NewReader(f)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	// carry holds the head of a line whose tail has not been written yet.
	var carry []byte

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			t.consumeAvailable(ctx, reader, &carry)
		}
	}
}

// consumeAvailable reads every complete line currently in the file. An
// unterminated trailing line goes into carry and is completed on a later
// tick, so a writer flushing mid-line never corrupts an event.
func (t *Tailer) consumeAvailable(ctx context.Context, reader *bufio.Reader, carry *[]byte) {
	for {
		chunk, err := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			if len(*carry) > 0 {
				chunk = append(*carry, chunk...)
				*carry = nil
			}
			if chunk[len(chunk)-1] != '\n' {
				*carry = chunk
				return
			}
			t.linesRead.Add(1)
			t.handleLine(ctx, chunk)
		}

		if err != nil {
			if err != io.EOF {
				slog.Error("event tailer read error", "file", t.filePath, "error", err)
			}
			return
		}
	}
}

// handleLine decodes one JSON line and submits the event.
func (t *Tailer) handleLine(ctx context.Context, line []byte) {
	var event CellEvent
	if err := json.Unmarshal(line, &event); err != nil {
		// The log may interleave non-JSON output; count it, log rarely.
		if t.parseErrs.Add(1)%100 == 1 {
			slog.Debug("event tailer: unparseable line",
				"file", t.filePath,
				"error", err,
				"sample", clip(string(line), 120),
			)
		}
		return
	}
	if event.Op == "" {
		return
	}

	if err := t.ingestor.Submit(ctx, event); err != nil {
		t.submitErrs.Add(1)
		slog.Warn("event tailer: submit error", "file", t.filePath, "error", err)
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// Status reports the tailer's counters for the watch status endpoint.
func (t *Tailer) Status() TailerStatus {
	return TailerStatus{
		FilePath:   t.filePath,
		Active:     true,
		LinesRead:  t.linesRead.Load(),
		ParseErrs:  t.parseErrs.Load(),
		SubmitErrs: t.submitErrs.Load(),
		StartedAt:  t.startedAt,
		EventCount: t.ingestor.EventCount(),
	}
}

type TailerStatus struct {
	FilePath   string    `json:"file_path"`
	Active     bool      `json:"active"`
	LinesRead  int64     `json:"lines_read"`
	ParseErrs  int64     `json:"parse_errors"`
	SubmitErrs int64     `json:"submit_errors"`
	StartedAt  time.Time `json:"started_at"`
	EventCount int64     `json:"event_count"`
}
