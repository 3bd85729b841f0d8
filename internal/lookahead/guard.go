package lookahead

import (
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/metrics"
	"github.com/agentbeats/fabench/internal/models"
)

// Penalty growth: a fixed increment per distinct violation, capped so a
// pathological response cannot drive the denominator unbounded.
const (
	penaltyPerViolation = 0.2
	penaltyCap          = 1.0
)

var isoDatePattern = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)

// Guard flags uses of information that postdates a task's simulation
// date. It scans the structured tool trace and the answer text; facts
// without a known effective date are never penalized.
type Guard struct {
	logger *zap.Logger
}

func NewGuard(logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{logger: logger.With(zap.String("component", "lookahead"))}
}

// Scan inspects one response against the task's simulation date and
// returns the ordered violation list plus the derived penalty.
// Repeated citations of the same fact count once.
func (g *Guard) Scan(resp *models.AgentResponse, simDate time.Time) models.LookaheadPenalty {
	var violations []models.LookaheadViolation
	seen := make(map[string]bool)

	flag := func(key, fact string, date time.Time) {
		key = normalize(key)
		if seen[key] {
			return
		}
		seen[key] = true
		violations = append(violations, models.LookaheadViolation{
			Fact:           fact,
			FactDate:       date,
			SimulationDate: simDate,
		})
	}

	if resp != nil {
		for _, call := range resp.ToolCalls {
			if call.FactDate == nil {
				continue
			}
			if call.FactDate.After(simDate) {
				flag(call.Tool+"|"+call.Input, describeToolFact(call), *call.FactDate)
			}
		}
		for _, m := range isoDatePattern.FindAllString(resp.Analysis, -1) {
			d, err := time.Parse("2006-01-02", m)
			if err != nil {
				continue
			}
			if d.After(simDate) {
				// Keyed by the date literal: repeating the same date in
				// different sentences is still one fact.
				flag("text|"+m, "cited date "+m, d)
			}
		}
	}

	penalty := PenaltyFor(len(violations))
	if len(violations) > 0 {
		metrics.LookaheadViolations.Add(float64(len(violations)))
		g.logger.Warn("Lookahead violations detected",
			zap.String("agent_id", agentID(resp)),
			zap.String("task_id", taskID(resp)),
			zap.Int("violations", len(violations)),
			zap.Float64("penalty", penalty),
		)
	}
	return models.LookaheadPenalty{Violations: violations, Penalty: penalty}
}

// CheckFacts applies the same strictly-after rule to cited evidence,
// for callers grading debate rebuttals.
func CheckFacts(facts []models.CitedFact, simDate time.Time) []models.LookaheadViolation {
	var violations []models.LookaheadViolation
	seen := make(map[string]bool)
	for _, f := range facts {
		if f.EffectiveDate == nil || !f.EffectiveDate.After(simDate) {
			continue
		}
		key := normalize(f.Fact)
		if seen[key] {
			continue
		}
		seen[key] = true
		violations = append(violations, models.LookaheadViolation{
			Fact:           f.Fact,
			FactDate:       *f.EffectiveDate,
			SimulationDate: simDate,
		})
	}
	return violations
}

// PenaltyFor maps a violation count to the penalty term. Non-decreasing
// in the count; zero violations cost nothing.
func PenaltyFor(n int) float64 {
	if n <= 0 {
		return 0
	}
	p := penaltyPerViolation * float64(n)
	if p > penaltyCap {
		return penaltyCap
	}
	return p
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func describeToolFact(call models.ToolInvocation) string {
	if call.Input == "" {
		return call.Tool
	}
	return call.Tool + "(" + call.Input + ")"
}

func agentID(resp *models.AgentResponse) string {
	if resp == nil {
		return ""
	}
	return resp.AgentID
}

func taskID(resp *models.AgentResponse) string {
	if resp == nil {
		return ""
	}
	return resp.TaskID
}
