package costs

import (
	"errors"
	"math"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/models"
)

func TestRecordCostAccumulates(t *testing.T) {
	tr := NewTracker(zap.NewNop())

	if err := tr.RecordCost("judge:macro", 0.01); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}
	if err := tr.RecordCost("judge:fundamental", 0.02); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}

	if got := tr.Total(); math.Abs(got-0.03) > 1e-9 {
		t.Errorf("Total() = %f, want 0.03", got)
	}
	if got := tr.CallCount(); got != 2 {
		t.Errorf("CallCount() = %d, want 2", got)
	}
}

func TestRecordCostRejectsInvalid(t *testing.T) {
	tr := NewTracker(zap.NewNop())

	cases := []float64{-0.01, math.NaN(), math.Inf(1), math.Inf(-1)}
	for _, c := range cases {
		err := tr.RecordCost("agent", c)
		if err == nil {
			t.Fatalf("RecordCost(%v) = nil, want error", c)
		}
		if !errors.Is(err, models.ErrInvalidCost) {
			t.Errorf("RecordCost(%v) error = %v, want ErrInvalidCost", c, err)
		}
	}

	// Nothing invalid was recorded
	if got := tr.Total(); got != 0 {
		t.Errorf("Total() after invalid records = %f, want 0", got)
	}
	if got := tr.CallCount(); got != 0 {
		t.Errorf("CallCount() after invalid records = %d, want 0", got)
	}
}

func TestConcurrentRecording(t *testing.T) {
	tr := NewTracker(zap.NewNop())

	const goroutines = 50
	const perGoroutine = 20
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if err := tr.RecordCost("judge", 0.001); err != nil {
					t.Errorf("RecordCost: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	want := float64(goroutines*perGoroutine) * 0.001
	if got := tr.Total(); math.Abs(got-want) > 1e-6 {
		t.Errorf("Total() = %f, want %f (lost updates?)", got, want)
	}
	if got := tr.CallCount(); got != goroutines*perGoroutine {
		t.Errorf("CallCount() = %d, want %d", got, goroutines*perGoroutine)
	}
}

func TestRecordOnceDeduplicates(t *testing.T) {
	tr := NewTracker(zap.NewNop())

	first := tr.RecordOnce("call-1", "agent", "", 1000, 0)
	if first <= 0 {
		t.Fatalf("RecordOnce first call cost = %f, want > 0", first)
	}
	second := tr.RecordOnce("call-1", "agent", "", 1000, 0)
	if second != 0 {
		t.Errorf("RecordOnce repeated key cost = %f, want 0", second)
	}
	if got := tr.CallCount(); got != 1 {
		t.Errorf("CallCount() = %d, want 1", got)
	}

	// Empty key never deduplicates
	tr.RecordOnce("", "agent", "", 100, 0)
	tr.RecordOnce("", "agent", "", 100, 0)
	if got := tr.CallCount(); got != 3 {
		t.Errorf("CallCount() = %d, want 3", got)
	}
}

func TestBreakdownSnapshot(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	_ = tr.RecordCost("a", 0.5)

	bd := tr.Breakdown()
	if len(bd.Records) != 1 || bd.TotalUSD != 0.5 {
		t.Fatalf("Breakdown() = %+v, want 1 record totaling 0.5", bd)
	}

	// Later recording must not show up in the earlier snapshot
	_ = tr.RecordCost("b", 0.25)
	if len(bd.Records) != 1 {
		t.Errorf("snapshot grew to %d records after later Record", len(bd.Records))
	}
	if got := tr.Total(); math.Abs(got-0.75) > 1e-9 {
		t.Errorf("Total() = %f, want 0.75", got)
	}
}
