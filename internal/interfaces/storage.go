package interfaces

import (
	"context"
	"time"

	"github.com/hfujita/kabuscreen/internal/models"
)

// BarCache is the persistent per-symbol price store consulted before the
// quote source. Implementations must serialise concurrent writes to the same
// symbol and must never return bars they did not load.
type BarCache interface {
	// Get returns cached bars for the code within [from, to], or nil on a
	// miss. Entries whose newest bar is older than maxAgeDays are misses.
	// When the window itself is empty but bars at or after from exist (a
	// non-trading "to" day), those bars are returned instead.
	Get(code string, from, to time.Time, maxAgeDays int) []models.Bar

	// Put merges bars into the symbol's entry: concatenate with any existing
	// series, deduplicate by date keeping the newest write, sort ascending,
	// and replace the file atomically.
	Put(code string, bars []models.Bar) error

	// Stats reports file counts, sizes, and hit rates for this process.
	Stats() models.CacheStats

	// EvictOlderThan removes entries untouched for at least the given number
	// of days and returns how many were removed.
	EvictOlderThan(days int) int
}

// ResultSink persists run summaries and sampled detections.
type ResultSink interface {
	// SaveRun stores one rule's run summary and returns its new run id.
	SaveRun(ctx context.Context, summary models.RunSummary) (string, error)

	// SaveDetections stores the sampled detections for a run in one batch.
	SaveDetections(ctx context.Context, runID string, detections []models.Detection) error

	Close() error
}
