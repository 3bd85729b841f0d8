package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/agentbeats/fabench/internal/models"
)

// Row is one task's line in the batch output. Numeric fields are
// pointers so a failed task serializes them as null rather than zero.
type Row struct {
	TaskID           string   `json:"task_id"`
	TemplateID       string   `json:"template_id"`
	Dataset          string   `json:"dataset,omitempty"`
	Category         string   `json:"category"`
	Difficulty       string   `json:"difficulty"`
	AlphaScore       *float64 `json:"alpha_score"`
	RoleScore        *float64 `json:"role_score"`
	DebateMultiplier *float64 `json:"debate_multiplier"`
	Cost             *float64 `json:"cost"`
	Error            *string  `json:"error"`
}

// NewRow flattens one outcome against its task. The task row doubles
// as the template reference since each dataset row generates exactly
// one task.
func NewRow(task *models.Task, dataset string, outcome *models.EvalOutcome) Row {
	row := Row{
		TaskID:     task.ID,
		TemplateID: task.ID,
		Dataset:    dataset,
		Category:   string(task.Category),
		Difficulty: string(task.Difficulty),
	}
	if outcome == nil {
		msg := "no outcome produced"
		row.Error = &msg
		return row
	}
	if outcome.Failure != nil {
		msg := fmt.Sprintf("%s: %s", outcome.Failure.Stage, outcome.Failure.Reason)
		row.Error = &msg
		return row
	}
	if outcome.Alpha != nil {
		row.AlphaScore = &outcome.Alpha.Score
	}
	if outcome.Role != nil {
		row.RoleScore = &outcome.Role.Total
	}
	if outcome.Debate != nil {
		row.DebateMultiplier = &outcome.Debate.Multiplier
	}
	if outcome.Costs != nil {
		// Costs cross the reporting boundary at micro-dollar
		// precision so re-runs diff cleanly.
		cost := decimal.NewFromFloat(outcome.Costs.TotalUSD).Round(6).InexactFloat64()
		row.Cost = &cost
	}
	return row
}

// Summary aggregates a batch. The alpha statistics are null when no
// task scored.
type Summary struct {
	Count        int            `json:"count"`
	AlphaMean    *float64       `json:"alpha_mean"`
	AlphaMedian  *float64       `json:"alpha_median"`
	AlphaMin     *float64       `json:"alpha_min"`
	AlphaMax     *float64       `json:"alpha_max"`
	ByDifficulty map[string]int `json:"by_difficulty"`
}

// Summarize computes the batch summary over every row, scored or not.
func Summarize(rows []Row) Summary {
	s := Summary{
		Count:        len(rows),
		ByDifficulty: make(map[string]int),
	}

	var alphas []float64
	for _, r := range rows {
		if r.AlphaScore != nil {
			alphas = append(alphas, *r.AlphaScore)
		}
		if r.Difficulty != "" {
			s.ByDifficulty[r.Difficulty]++
		}
	}
	if len(alphas) == 0 {
		return s
	}

	sort.Float64s(alphas)
	sum := 0.0
	for _, a := range alphas {
		sum += a
	}
	mean := sum / float64(len(alphas))
	median := alphas[len(alphas)/2]
	if len(alphas)%2 == 0 {
		median = (alphas[len(alphas)/2-1] + alphas[len(alphas)/2]) / 2
	}
	min, max := alphas[0], alphas[len(alphas)-1]

	s.AlphaMean = &mean
	s.AlphaMedian = &median
	s.AlphaMin = &min
	s.AlphaMax = &max
	return s
}

// BatchOutput is the document a batch run writes: the summary followed
// by every row.
type BatchOutput struct {
	Summary Summary `json:"summary"`
	Results []Row   `json:"results"`
}

// WriteBatchOutput writes the batch document as indented JSON,
// creating parent directories as needed.
func WriteBatchOutput(path string, out BatchOutput) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal batch output: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write batch output: %w", err)
	}
	return nil
}
