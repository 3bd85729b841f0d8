package judges

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/agentbeats/fabench/internal/models"
)

// Deterministic fallback judges. They grade from surface signals and
// the task's ground truth, cost nothing, and keep an evaluation moving
// when no judge service is configured or a call fails.

// Relative tolerance when comparing extracted figures with ground
// truth. Filed values are quoted with varying precision.
const figureTolerance = 0.02

// HeuristicMacro grades macro reasoning from theme coverage and
// argument structure.
type HeuristicMacro struct{}

func (HeuristicMacro) Dimension() string { return models.DimensionMacro }

func (HeuristicMacro) Score(_ context.Context, task *models.Task, resp *models.AgentResponse) (models.DimensionScore, Usage, error) {
	lower := strings.ToLower(resp.Analysis)
	score := 50.0
	var notes []string

	matched := 0
	for _, theme := range task.GroundTruth.KeyThemes {
		if theme != "" && strings.Contains(lower, strings.ToLower(theme)) {
			matched++
		}
	}
	if n := len(task.GroundTruth.KeyThemes); n > 0 {
		coverage := float64(matched) / float64(n)
		score += 24 * coverage
		notes = append(notes, fmt.Sprintf("covered %d/%d key themes", matched, n))
	}

	if containsAny(lower, "therefore", "because", "consequently", "driven by") {
		score += 8
		notes = append(notes, "reasoned causally")
	}
	if containsAny(lower, "however", "although", "risk", "counter") {
		score += 8
		notes = append(notes, "addressed counterpoints")
	}
	if containsAny(lower, "for example", "such as", "instance") {
		score += 10
		notes = append(notes, "grounded with examples")
	}

	return models.DimensionScore{
		Dimension: models.DimensionMacro,
		Score:     clamp(score),
		Feedback:  strings.Join(notes, "; "),
	}, Usage{}, nil
}

// HeuristicFundamental grades accuracy against the ground-truth
// figures and the expected recommendation.
type HeuristicFundamental struct{}

func (HeuristicFundamental) Dimension() string { return models.DimensionFundamental }

func (HeuristicFundamental) Score(_ context.Context, task *models.Task, resp *models.AgentResponse) (models.DimensionScore, Usage, error) {
	var notes []string

	recScore := 0.0
	if want := task.GroundTruth.ExpectedRecommendation; want != "" {
		if strings.EqualFold(want, resp.Recommendation) {
			recScore = 100
			notes = append(notes, "recommendation matches ground truth")
		} else {
			notes = append(notes, fmt.Sprintf("recommendation %q, expected %q", resp.Recommendation, want))
		}
	}

	truth := task.GroundTruth.Financials
	if len(truth) == 0 {
		return models.DimensionScore{
			Dimension: models.DimensionFundamental,
			Score:     recScore,
			Feedback:  strings.Join(notes, "; "),
		}, Usage{}, nil
	}

	matched := 0
	for name, want := range truth {
		got, ok := resp.Figures[name]
		if !ok {
			continue
		}
		w, _ := want.Float64()
		if figuresAgree(got, w) {
			matched++
		}
	}
	figScore := 100 * float64(matched) / float64(len(truth))
	notes = append(notes, fmt.Sprintf("matched %d/%d reference figures", matched, len(truth)))

	// Figures carry most of the weight; the recommendation call the rest.
	score := 0.7*figScore + 0.3*recScore
	return models.DimensionScore{
		Dimension: models.DimensionFundamental,
		Score:     clamp(score),
		Feedback:  strings.Join(notes, "; "),
	}, Usage{}, nil
}

// HeuristicExecution grades process quality: tool usage, code when the
// task expects it, and finishing inside the deadline.
type HeuristicExecution struct{}

func (HeuristicExecution) Dimension() string { return models.DimensionExecution }

func (HeuristicExecution) Score(_ context.Context, task *models.Task, resp *models.AgentResponse) (models.DimensionScore, Usage, error) {
	score := 40.0
	var notes []string

	if len(resp.ToolCalls) > 0 {
		score += 20
		notes = append(notes, fmt.Sprintf("used %d tool calls", len(resp.ToolCalls)))
	} else {
		notes = append(notes, "no tool usage")
	}

	if task.ExpectsCode {
		if len(resp.CodeExecs) > 0 {
			score += 20
			notes = append(notes, "executed code as expected")
		} else {
			notes = append(notes, "expected code execution, none performed")
		}
	} else {
		score += 20
	}

	if task.Deadline > 0 {
		if resp.Elapsed > 0 && resp.Elapsed <= task.Deadline {
			score += 20
			notes = append(notes, "finished inside the deadline")
		}
	} else {
		score += 10
	}

	return models.DimensionScore{
		Dimension: models.DimensionExecution,
		Score:     clamp(score),
		Feedback:  strings.Join(notes, "; "),
	}, Usage{}, nil
}

// HeuristicRebuttalJudge grades a defense from argument-strength
// signals: evidence terms, logical structure, engagement with the
// challenge, and fresh citations. Evidence that postdates the task's
// simulation date counts against the defense.
type HeuristicRebuttalJudge struct{}

func (HeuristicRebuttalJudge) Judge(_ context.Context, task *models.Task, reb *models.DebateRebuttal) (models.ConvictionLevel, string, Usage, error) {
	defense := strings.TrimSpace(reb.Defense)
	if defense == "" {
		return models.ConvictionNone, "no defense offered", Usage{}, nil
	}

	lower := strings.ToLower(defense)
	strength := 0.5
	var notes []string

	if containsAny(lower, "evidence", "data", "filing", "guidance", "consensus") {
		strength += 0.15
		notes = append(notes, "cited evidence")
	}
	if containsAny(lower, "therefore", "because", "consequently") {
		strength += 0.1
		notes = append(notes, "structured logically")
	}
	if containsAny(lower, "however", "although", "counter", "risk") {
		strength += 0.15
		notes = append(notes, "engaged the challenge")
	}
	if containsAny(lower, "for example", "such as", "instance") {
		strength += 0.1
		notes = append(notes, "gave examples")
	}
	if len(reb.NewEvidence) > 0 {
		strength += 0.1
		notes = append(notes, fmt.Sprintf("brought %d new citations", len(reb.NewEvidence)))
	}

	postdated := 0
	for _, f := range reb.NewEvidence {
		if f.EffectiveDate != nil && f.EffectiveDate.After(task.SimulationDate) {
			postdated++
		}
	}
	if postdated > 0 {
		strength -= 0.2
		notes = append(notes, fmt.Sprintf("%d citations postdate the simulation date", postdated))
	}

	if strength > 1.0 {
		strength = 1.0
	}
	if strength < 0 {
		strength = 0
	}

	return convictionForStrength(strength), strings.Join(notes, "; "), Usage{}, nil
}

func convictionForStrength(strength float64) models.ConvictionLevel {
	switch {
	case strength >= 0.9:
		return models.ConvictionUnshaken
	case strength >= 0.75:
		return models.ConvictionStrong
	case strength >= 0.6:
		return models.ConvictionModerate
	case strength >= 0.45:
		return models.ConvictionWeak
	default:
		return models.ConvictionNone
	}
}

func figuresAgree(got, want float64) bool {
	if want == 0 {
		return math.Abs(got) < 1e-9
	}
	return math.Abs(got-want)/math.Abs(want) <= figureTolerance
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func clamp(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
