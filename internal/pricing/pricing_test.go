package pricing

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const testTable = `
pricing:
  defaults:
    combined_per_1k: 0.002
  models:
    openai:
      gpt-4o-mini:
        input_per_1k: 0.00015
        output_per_1k: 0.0006
      gpt-4o:
        input_per_1k: 0.0025
        output_per_1k: 0.01
    anthropic:
      claude-3-haiku:
        combined_per_1k: 0.00075
`

func writeTestTable(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	if err := os.WriteFile(path, []byte(testTable), 0o644); err != nil {
		t.Fatalf("write test table: %v", err)
	}
	return path
}

func loadTestTable(t *testing.T) {
	t.Helper()
	t.Setenv("MODELS_CONFIG_PATH", writeTestTable(t))
	Reload()
	t.Cleanup(Reload)
}

func floatEquals(a, b float64) bool {
	const epsilon = 1e-9
	return math.Abs(a-b) < epsilon
}

func TestCostForSplit(t *testing.T) {
	loadTestTable(t)

	// 1000 in + 500 out on gpt-4o-mini: 0.00015 + 0.5*0.0006
	cost := CostForSplit("gpt-4o-mini", 1000, 500)
	if !floatEquals(cost, 0.00045) {
		t.Errorf("CostForSplit(gpt-4o-mini, 1000, 500) = %f, want 0.00045", cost)
	}

	// Combined-only model: (1500/1000) * 0.00075
	cost = CostForSplit("claude-3-haiku", 1000, 500)
	if !floatEquals(cost, 0.001125) {
		t.Errorf("CostForSplit(claude-3-haiku, 1000, 500) = %f, want 0.001125", cost)
	}

	// Unknown model falls back to the default combined rate
	cost = CostForSplit("no-such-model", 1000, 0)
	if !floatEquals(cost, 0.002) {
		t.Errorf("CostForSplit(no-such-model, 1000, 0) = %f, want 0.002", cost)
	}

	// Negative token counts are treated as zero
	if c := CostForSplit("gpt-4o-mini", -10, -10); c != 0 {
		t.Errorf("CostForSplit with negative tokens = %f, want 0", c)
	}
}

func TestCostForTokens(t *testing.T) {
	loadTestTable(t)

	// Split-priced model approximates combined as the average
	cost := CostForTokens("gpt-4o", 1000)
	if !floatEquals(cost, 0.00625) {
		t.Errorf("CostForTokens(gpt-4o, 1000) = %f, want 0.00625", cost)
	}

	if c := CostForTokens("gpt-4o", 0); c != 0 {
		t.Errorf("CostForTokens with zero tokens = %f, want 0", c)
	}
}

func TestPricePerTokenForModel(t *testing.T) {
	loadTestTable(t)

	if _, found := PricePerTokenForModel(""); found {
		t.Error("PricePerTokenForModel(\"\") should not be found")
	}
	if _, found := PricePerTokenForModel("no-such-model"); found {
		t.Error("PricePerTokenForModel(no-such-model) should not be found")
	}
	price, found := PricePerTokenForModel("claude-3-haiku")
	if !found {
		t.Fatal("PricePerTokenForModel(claude-3-haiku) not found")
	}
	if !floatEquals(price, 0.00000075) {
		t.Errorf("PricePerTokenForModel(claude-3-haiku) = %f, want 0.00000075", price)
	}
}

func TestValidateMap(t *testing.T) {
	ok := map[string]interface{}{
		"pricing": map[string]interface{}{
			"defaults": map[string]interface{}{"combined_per_1k": 0.002},
		},
	}
	if err := ValidateMap(ok); err != nil {
		t.Errorf("ValidateMap(valid) = %v, want nil", err)
	}

	bad := map[string]interface{}{
		"pricing": map[string]interface{}{
			"models": map[string]interface{}{
				"openai": map[string]interface{}{
					"gpt-4o": map[string]interface{}{"input_per_1k": -1.0},
				},
			},
		},
	}
	if err := ValidateMap(bad); err == nil {
		t.Error("ValidateMap(negative price) = nil, want error")
	}

	// Missing pricing section is fine
	if err := ValidateMap(map[string]interface{}{}); err != nil {
		t.Errorf("ValidateMap(empty) = %v, want nil", err)
	}
}

func TestConcurrentAccess(t *testing.T) {
	mu.Lock()
	initialized = false
	loaded = nil
	mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if get() == nil {
				t.Error("get() returned nil")
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent get() did not complete, possible deadlock")
	}
}

func TestReloadDuringReads(t *testing.T) {
	loadTestTable(t)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_ = CostForTokens("gpt-4o-mini", 100)
		}
		close(done)
	}()
	Reload()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Reload() blocked concurrent pricing reads")
	}
}
