package costs

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/metrics"
	"github.com/agentbeats/fabench/internal/models"
	"github.com/agentbeats/fabench/internal/pricing"
)

// Tracker accumulates the spend of one evaluation run. Every judge and
// agent call is recorded; records are append-only and the total is
// monotone. Safe for concurrent use: the three dimension judges record
// from separate goroutines.
type Tracker struct {
	logger *zap.Logger

	mu      sync.Mutex // guards records and total
	records []models.CostRecord
	total   float64

	// Idempotency keys of already-recorded calls, so a transport retry
	// cannot double-count spend.
	seen map[string]bool
}

// NewTracker creates an empty tracker for one evaluation run.
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		logger: logger,
		seen:   make(map[string]bool),
	}
}

// Record prices one call from its token split and appends it.
// Returns the priced cost.
func (t *Tracker) Record(source, model string, inputTokens, outputTokens int) float64 {
	cost := pricing.CostForSplit(model, inputTokens, outputTokens)
	rec := models.CostRecord{
		Source:       source,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		At:           time.Now().UTC(),
	}
	if model != "" {
		rec.Provider = models.DetectProvider(model)
	}
	t.append(rec)
	return cost
}

// RecordCost appends a call whose cost is already known in USD.
// Negative or non-finite amounts are rejected; spend is never clamped
// into validity.
func (t *Tracker) RecordCost(source string, costUSD float64) error {
	if costUSD < 0 || math.IsNaN(costUSD) || math.IsInf(costUSD, 0) {
		return fmt.Errorf("%w: %s reported %v", models.ErrInvalidCost, source, costUSD)
	}
	t.append(models.CostRecord{
		Source:  source,
		CostUSD: costUSD,
		At:      time.Now().UTC(),
	})
	return nil
}

// RecordOnce is Record with retry safety: a repeated idempotency key is
// a no-op returning zero.
func (t *Tracker) RecordOnce(key, source, model string, inputTokens, outputTokens int) float64 {
	if key != "" {
		t.mu.Lock()
		if t.seen[key] {
			t.mu.Unlock()
			t.logger.Debug("Duplicate cost record skipped",
				zap.String("key", key),
				zap.String("source", source),
			)
			return 0
		}
		t.seen[key] = true
		t.mu.Unlock()
	}
	return t.Record(source, model, inputTokens, outputTokens)
}

func (t *Tracker) append(rec models.CostRecord) {
	t.mu.Lock()
	t.records = append(t.records, rec)
	t.total += rec.CostUSD
	t.mu.Unlock()
	metrics.CallCostUSD.WithLabelValues(rec.Source).Observe(rec.CostUSD)
}

// Total returns the running total in USD.
func (t *Tracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// CallCount returns the number of recorded calls.
func (t *Tracker) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Breakdown snapshots the run's spend. The returned records are a
// copy; later recording does not alias into it.
func (t *Tracker) Breakdown() models.CostBreakdown {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := make([]models.CostRecord, len(t.records))
	copy(records, t.records)
	return models.CostBreakdown{
		TotalUSD: t.total,
		Records:  records,
	}
}
