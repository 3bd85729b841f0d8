package pricing

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	pmetrics "github.com/agentbeats/fabench/internal/metrics"
)

// Price table shape for the pricing section in config/models.yaml.
// Models are grouped by provider; prices are USD per 1K tokens.
type table struct {
	Pricing struct {
		Defaults struct {
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"defaults"`
		Models map[string]map[string]modelPrice `yaml:"models"`
	} `yaml:"pricing"`
}

type modelPrice struct {
	InputPer1K    float64 `yaml:"input_per_1k"`
	OutputPer1K   float64 `yaml:"output_per_1k"`
	CombinedPer1K float64 `yaml:"combined_per_1k"`
}

var (
	mu          sync.RWMutex
	loaded      *table
	loadedFrom  string
	initialized bool
)

// Candidate locations, checked in order. MODELS_CONFIG_PATH wins.
func candidatePaths() []string {
	return []string{
		os.Getenv("MODELS_CONFIG_PATH"),
		"/app/config/models.yaml",
		"./config/models.yaml",
	}
}

// findUp walks parent directories looking for config/models.yaml, so
// package tests resolve the repo-root table without env setup.
func findUp() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "models.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

// loadLocked reads the table. Caller must hold mu.Lock().
func loadLocked() {
	var t table
	from := ""
	for _, p := range candidatePaths() {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp table
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: failed to unmarshal price table from %s: %v", p, err)
			continue
		}
		t = tmp
		from = p
		break
	}
	if from == "" {
		if path, ok := findUp(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp table
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					t = tmp
					from = path
				}
			}
		}
	}
	if from != "" {
		log.Printf("Loaded price table from %s", from)
	}
	loaded = &t
	loadedFrom = from
	initialized = true
}

func get() *table {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// Reload forces a re-read of the price table. Safe to call from the
// config watcher while judges are pricing calls.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

// ModifiedTime returns the mtime of the table file in use, best-effort.
func ModifiedTime() time.Time {
	mu.RLock()
	p := loadedFrom
	mu.RUnlock()
	if p == "" {
		return time.Time{}
	}
	st, err := os.Stat(p)
	if err != nil {
		return time.Time{}
	}
	return st.ModTime()
}

func lookup(model string) (modelPrice, bool) {
	if model == "" {
		return modelPrice{}, false
	}
	t := get()
	for _, models := range t.Pricing.Models {
		if m, ok := models[model]; ok {
			return m, true
		}
	}
	return modelPrice{}, false
}

// ProviderFor reports which provider group of the price table lists
// the model.
func ProviderFor(model string) (string, bool) {
	if model == "" {
		return "", false
	}
	t := get()
	for provider, models := range t.Pricing.Models {
		if _, ok := models[model]; ok {
			return provider, true
		}
	}
	return "", false
}

// DefaultPerToken returns the fallback combined price per token.
func DefaultPerToken() float64 {
	t := get()
	if t.Pricing.Defaults.CombinedPer1K > 0 {
		return t.Pricing.Defaults.CombinedPer1K / 1000.0
	}
	// $0.002 per 1K tokens when no table is present
	return 0.000002
}

// PricePerTokenForModel returns the combined per-token price for a
// model if the table knows it.
func PricePerTokenForModel(model string) (float64, bool) {
	m, ok := lookup(model)
	if !ok {
		return 0, false
	}
	if m.CombinedPer1K > 0 {
		return m.CombinedPer1K / 1000.0, true
	}
	if m.InputPer1K > 0 && m.OutputPer1K > 0 {
		return ((m.InputPer1K + m.OutputPer1K) / 2.0) / 1000.0, true
	}
	return 0, false
}

// CostForTokens prices a call by total token count.
func CostForTokens(model string, tokens int) float64 {
	if tokens < 0 {
		tokens = 0
	}
	if price, ok := PricePerTokenForModel(model); ok {
		return float64(tokens) * price
	}
	recordFallback(model)
	return float64(tokens) * DefaultPerToken()
}

// CostForSplit prices a call from its input/output token split,
// falling back to combined pricing or the default when the model is
// not in the table.
func CostForSplit(model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	if m, ok := lookup(model); ok {
		if m.InputPer1K > 0 && m.OutputPer1K > 0 {
			return (float64(inputTokens)/1000.0)*m.InputPer1K + (float64(outputTokens)/1000.0)*m.OutputPer1K
		}
		if m.CombinedPer1K > 0 {
			return (float64(inputTokens+outputTokens) / 1000.0) * m.CombinedPer1K
		}
	}
	recordFallback(model)
	return float64(inputTokens+outputTokens) * DefaultPerToken()
}

func recordFallback(model string) {
	if model == "" {
		pmetrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
	} else {
		pmetrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
	}
}

// ValidateMap checks the pricing section of a raw config map before
// the config watcher applies a reload.
func ValidateMap(m map[string]interface{}) error {
	p, ok := m["pricing"].(map[string]interface{})
	if !ok {
		return nil
	}
	if d, ok := p["defaults"].(map[string]interface{}); ok {
		if v, ok := d["combined_per_1k"].(float64); ok && v < 0 {
			return errors.New("pricing.defaults.combined_per_1k must be >= 0")
		}
	}
	provs, ok := p["models"].(map[string]interface{})
	if !ok {
		return nil
	}
	for provName, pm := range provs {
		models, ok := pm.(map[string]interface{})
		if !ok {
			continue
		}
		for modelName, mv := range models {
			entry, ok := mv.(map[string]interface{})
			if !ok {
				continue
			}
			for _, key := range []string{"input_per_1k", "output_per_1k", "combined_per_1k"} {
				if v, ok := entry[key].(float64); ok && v < 0 {
					return errors.New("negative " + key + " for " + provName + ":" + modelName)
				}
			}
		}
	}
	return nil
}
