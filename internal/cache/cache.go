// Package cache implements the persistent per-symbol price cache.
//
// Each symbol gets one Parquet file under the cache directory. Reads that
// cannot be satisfied (missing file, stale data, insufficient range) count as
// misses and leave the caller to refetch; writes merge with the existing
// series and replace the file atomically.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/hfujita/kabuscreen/internal/common"
	"github.com/hfujita/kabuscreen/internal/interfaces"
	"github.com/hfujita/kabuscreen/internal/models"
)

// Compile-time interface check.
var _ interfaces.BarCache = (*ParquetCache)(nil)

const (
	lockStripes  = 64
	millisPerDay = 24 * 60 * 60 * 1000
)

// barRecord is the on-disk Parquet schema for one daily bar.
type barRecord struct {
	Date   int64   `parquet:"date,timestamp(millisecond)"` // Unix ms, midnight UTC
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume int64   `parquet:"volume"`
}

// ParquetCache stores one Parquet file per symbol under Dir.
type ParquetCache struct {
	dir    string
	logger *common.Logger

	// Per-symbol write serialisation, striped to bound the mutex count.
	locks [lockStripes]sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64

	// now is swapped in tests to control staleness checks.
	now func() time.Time
}

// NewParquetCache creates the cache directory if needed and returns the cache.
func NewParquetCache(dir string, logger *common.Logger) (*ParquetCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
	}
	return &ParquetCache{
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Get returns cached bars covering [from, to], or nil on a miss.
//
// An entry is usable when its newest bar is at most maxAgeDays old and it has
// at least one bar at or after from. Bars outside [from, to] are filtered out.
func (c *ParquetCache) Get(code string, from, to time.Time, maxAgeDays int) []models.Bar {
	lock := c.lockFor(code)
	lock.Lock()
	defer lock.Unlock()

	records, err := parquet.ReadFile[barRecord](c.pathFor(code))
	if err != nil || len(records) == 0 {
		c.misses.Add(1)
		return nil
	}

	// Records are stored sorted ascending; the last one is the newest.
	// Staleness counts calendar days between dates, so an entry from exactly
	// maxAgeDays ago still serves regardless of time of day.
	ageDays := (dateKey(c.now()) - records[len(records)-1].Date) / millisPerDay
	if ageDays > int64(maxAgeDays) {
		c.misses.Add(1)
		return nil
	}

	bars := filterRecords(records, func(d time.Time) bool {
		return !d.Before(from) && !d.After(to)
	})
	if len(bars) == 0 {
		// A non-trading "to" day can leave the window empty while newer bars
		// exist; anything from "from" onward still serves the caller.
		bars = filterRecords(records, func(d time.Time) bool {
			return !d.Before(from)
		})
	}
	if len(bars) == 0 {
		c.misses.Add(1)
		return nil
	}

	c.hits.Add(1)
	return bars
}

func filterRecords(records []barRecord, keep func(time.Time) bool) []models.Bar {
	var bars []models.Bar
	for _, r := range records {
		d := time.UnixMilli(r.Date).UTC()
		if !keep(d) {
			continue
		}
		bars = append(bars, models.Bar{
			Date:   d,
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		})
	}
	return bars
}

// Put merges bars into the symbol's entry. The existing series and the new
// bars are concatenated, deduplicated by date with the new write winning,
// sorted ascending, and written back via a temp file and rename.
func (c *ParquetCache) Put(code string, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	lock := c.lockFor(code)
	lock.Lock()
	defer lock.Unlock()

	path := c.pathFor(code)
	existing, _ := parquet.ReadFile[barRecord](path)

	merged := make(map[int64]barRecord, len(existing)+len(bars))
	for _, r := range existing {
		merged[r.Date] = r
	}
	for _, b := range bars {
		d := dateKey(b.Date)
		merged[d] = barRecord{
			Date:   d,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		}
	}

	records := make([]barRecord, 0, len(merged))
	for _, r := range merged {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Date < records[j].Date
	})

	tmpPath := path + ".tmp"
	if err := parquet.WriteFile(tmpPath, records); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing cache entry for %s: %w", code, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing cache entry for %s: %w", code, err)
	}
	return nil
}

// Stats reports on-disk usage plus this process's hit/miss counters.
func (c *ParquetCache) Stats() models.CacheStats {
	stats := models.CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}

	entries, err := os.ReadDir(c.dir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".parquet") {
				continue
			}
			stats.Files++
			if info, err := e.Info(); err == nil {
				stats.Bytes += info.Size()
			}
		}
	}

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	return stats
}

// EvictOlderThan removes cache files whose modification time is at least the
// given number of days in the past. Returns the number removed.
func (c *ParquetCache) EvictOlderThan(days int) int {
	cutoff := c.now().Add(-time.Duration(days) * 24 * time.Hour)

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".parquet") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
			c.logger.Warn().Err(err).Str("file", e.Name()).Msg("Failed to evict cache file")
			continue
		}
		removed++
	}
	return removed
}

func (c *ParquetCache) pathFor(code string) string {
	return filepath.Join(c.dir, sanitizeCode(code)+".parquet")
}

func (c *ParquetCache) lockFor(code string) *sync.Mutex {
	h := uint32(2166136261)
	for i := 0; i < len(code); i++ {
		h ^= uint32(code[i])
		h *= 16777619
	}
	return &c.locks[h%lockStripes]
}

// sanitizeCode keeps filenames safe for codes containing path characters.
func sanitizeCode(code string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, code)
}

// dateKey truncates a bar date to midnight UTC in Unix milliseconds, so the
// same trading day always deduplicates regardless of source time zone.
func dateKey(d time.Time) int64 {
	u := d.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
}
