package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/jeetwatch/internal/ledger"
)

// ---------------------------------------------------------------------------
// Capture sources — balance-change events for offline replay
// ---------------------------------------------------------------------------

// Source provides the balance-change events for a replay run.
type Source interface {
	// Load returns all events. Order is not guaranteed; the runner sorts.
	Load(ctx context.Context) ([]ledger.BalanceChange, error)
}

// InMemorySource holds events in memory for testing or small datasets.
type InMemorySource struct {
	Events []ledger.BalanceChange
}

// NewInMemorySource creates a new empty in-memory source.
func NewInMemorySource() *InMemorySource {
	return &InMemorySource{}
}

// Add appends an event to the source.
func (s *InMemorySource) Add(ev ledger.BalanceChange) {
	s.Events = append(s.Events, ev)
}

// Load returns a copy of the stored events.
func (s *InMemorySource) Load(_ context.Context) ([]ledger.BalanceChange, error) {
	out := make([]ledger.BalanceChange, len(s.Events))
	copy(out, s.Events)
	return out, nil
}

// FileSource reads a JSONL capture: one BalanceChange per line. Malformed
// lines are counted and skipped so a single corrupt record cannot
// invalidate a multi-hour capture.
type FileSource struct {
	Path     string
	badLines int
}

// NewFileSource creates a source over a capture file.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Load reads and decodes the capture file. Blank lines are ignored.
func (s *FileSource) Load(ctx context.Context) ([]ledger.BalanceChange, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("replay: read capture: %w", err)
	}

	lines := bytes.Split(data, []byte("\n"))
	events := make([]ledger.BalanceChange, 0, len(lines))
	s.badLines = 0

	for i, line := range lines {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev ledger.BalanceChange
		if err := json.Unmarshal(line, &ev); err != nil {
			s.badLines++
			log.Warn().
				Err(err).
				Int("line", i+1).
				Str("path", s.Path).
				Msg("replay: skipping malformed capture line")
			continue
		}
		events = append(events, ev)
	}

	log.Info().
		Int("events", len(events)).
		Int("bad_lines", s.badLines).
		Str("path", s.Path).
		Msg("replay: capture loaded")

	return events, nil
}

// BadLines reports how many lines the last Load skipped.
func (s *FileSource) BadLines() int { return s.badLines }

// WriteCaptureFile persists events as a JSONL capture readable by
// FileSource.
func WriteCaptureFile(path string, events []ledger.BalanceChange) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("replay: create capture dir: %w", err)
	}

	// Write to temp file first, then rename (atomic).
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("replay: create capture file: %w", err)
	}

	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("replay: encode event: %w", err)
		}
		data = append(data, '\n')
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("replay: write event: %w", err)
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replay: close capture: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replay: rename capture: %w", err)
	}

	log.Info().Int("events", len(events)).Str("path", path).Msg("replay: capture saved")

	return nil
}
