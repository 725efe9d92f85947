package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hfujita/kabuscreen/internal/models"
)

// RuleOutcome summarizes one rule inside a history entry.
type RuleOutcome struct {
	Matched    int   `json:"matched"`
	Sampled    int   `json:"sampled"`
	ExecMillis int64 `json:"exec_millis"`
}

// HistoryEntry is one day's run in the local history file.
type HistoryEntry struct {
	Date      string                 `json:"date"` // YYYY-MM-DD trading date
	RanAt     time.Time              `json:"ran_at"`
	Processed int64                  `json:"processed"`
	Skipped   int64                  `json:"skipped"`
	Failed    int64                  `json:"failed"`
	Rules     map[string]RuleOutcome `json:"rules"`
	Cache     models.CacheStats      `json:"cache"`
}

// History keeps a rolling window of run summaries in a local JSON file so
// day-over-day drift is visible without querying the sink.
type History struct {
	path    string
	maxDays int
}

func NewHistory(path string, maxDays int) *History {
	if maxDays <= 0 {
		maxDays = 90
	}
	return &History{path: path, maxDays: maxDays}
}

// Append records the entry, replacing any earlier entry for the same trading
// date, and prunes entries older than the retention window. The file is
// replaced atomically.
func (h *History) Append(entry HistoryEntry) error {
	entries, err := h.load()
	if err != nil {
		return err
	}

	kept := entries[:0]
	cutoff := entry.RanAt.AddDate(0, 0, -h.maxDays).Format("2006-01-02")
	for _, e := range entries {
		if e.Date == entry.Date || e.Date < cutoff {
			continue
		}
		kept = append(kept, e)
	}
	kept = append(kept, entry)
	sort.Slice(kept, func(i, j int) bool { return kept[i].Date < kept[j].Date })

	return h.write(kept)
}

// Load returns all retained entries, oldest first.
func (h *History) Load() ([]HistoryEntry, error) {
	return h.load()
}

// AverageMatched returns the mean matched count per rule across the retained
// entries, or nil when there is no usable history.
func (h *History) AverageMatched() map[string]float64 {
	entries, err := h.load()
	if err != nil || len(entries) == 0 {
		return nil
	}

	sums := make(map[string]int)
	counts := make(map[string]int)
	for _, e := range entries {
		for rule, outcome := range e.Rules {
			sums[rule] += outcome.Matched
			counts[rule]++
		}
	}

	out := make(map[string]float64, len(sums))
	for rule, sum := range sums {
		out[rule] = float64(sum) / float64(counts[rule])
	}
	return out
}

func (h *History) load() ([]HistoryEntry, error) {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading history: %w", err)
	}

	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing history: %w", err)
	}
	return entries, nil
}

func (h *History) write(entries []HistoryEntry) error {
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return fmt.Errorf("creating history directory: %w", err)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	tmpPath := h.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing history: %w", err)
	}
	if err := os.Rename(tmpPath, h.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing history: %w", err)
	}
	return nil
}
