package models

import "time"

// Scoring dimensions. Each is an independent judge over the same
// response; their sub-scores combine into one role score.
const (
	DimensionMacro       = "macro"
	DimensionFundamental = "fundamental"
	DimensionExecution   = "execution"
)

// DimensionScore is one judge's verdict: a bounded score in [0,100]
// plus free-text feedback.
type DimensionScore struct {
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback,omitempty"`
}

// RoleScore combines the three dimension sub-scores into a weighted
// total. Weights are fixed at construction and sum to 1.
type RoleScore struct {
	Macro       DimensionScore `json:"macro"`
	Fundamental DimensionScore `json:"fundamental"`
	Execution   DimensionScore `json:"execution"`
	Total       float64        `json:"total"`
}

// ConvictionLevel classifies how well the candidate defended its answer
// under challenge. Levels are ordered; Rank gives the ordering and
// Multiplier the fixed score multiplier for each level.
type ConvictionLevel string

const (
	// ConvictionNotEvaluated means debate was disabled for the run.
	ConvictionNotEvaluated ConvictionLevel = "not_evaluated"
	// ConvictionNone is the floor tier, forced on rebuttal timeout.
	ConvictionNone     ConvictionLevel = "none"
	ConvictionWeak     ConvictionLevel = "weak"
	ConvictionModerate ConvictionLevel = "moderate"
	ConvictionStrong   ConvictionLevel = "strong"
	ConvictionUnshaken ConvictionLevel = "unshaken"
)

var convictionRanks = map[ConvictionLevel]int{
	ConvictionNotEvaluated: 0,
	ConvictionNone:         1,
	ConvictionWeak:         2,
	ConvictionModerate:     3,
	ConvictionStrong:       4,
	ConvictionUnshaken:     5,
}

// Multiplier table. A pure function of the level; never derived from
// rebuttal length or any other raw signal.
var convictionMultipliers = map[ConvictionLevel]float64{
	ConvictionNotEvaluated: 1.0,
	ConvictionNone:         0.5,
	ConvictionWeak:         0.7,
	ConvictionModerate:     0.9,
	ConvictionStrong:       1.1,
	ConvictionUnshaken:     1.2,
}

// Rank returns the level's position in the conviction ordering.
// Unknown levels rank below every defined one.
func (c ConvictionLevel) Rank() int {
	if r, ok := convictionRanks[c]; ok {
		return r
	}
	return -1
}

// Multiplier returns the fixed debate multiplier for the level.
// Unknown levels get the neutral 1.0.
func (c ConvictionLevel) Multiplier() float64 {
	if m, ok := convictionMultipliers[c]; ok {
		return m
	}
	return 1.0
}

// Valid reports whether the level is one of the defined tiers.
func (c ConvictionLevel) Valid() bool {
	_, ok := convictionRanks[c]
	return ok
}

// DebateResult is the outcome of the adversarial phase.
type DebateResult struct {
	Conviction ConvictionLevel `json:"conviction"`
	Multiplier float64         `json:"multiplier"`
	Feedback   string          `json:"feedback,omitempty"`
}

// CostRecord is one priced judge or agent call.
type CostRecord struct {
	Source       string    `json:"source"`
	Model        string    `json:"model,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	CostUSD      float64   `json:"cost_usd"`
	At           time.Time `json:"at"`
}

// CostBreakdown is the run's spend: every call recorded plus the
// running total. The total is monotone within one evaluation.
type CostBreakdown struct {
	TotalUSD float64      `json:"total_usd"`
	Records  []CostRecord `json:"records,omitempty"`
}

// LookaheadViolation is one use of information that postdates the
// task's simulation date.
type LookaheadViolation struct {
	Fact           string    `json:"fact"`
	FactDate       time.Time `json:"fact_date"`
	SimulationDate time.Time `json:"simulation_date"`
}

// LookaheadPenalty is the temporal-integrity verdict for a response:
// the ordered violation list and the derived penalty term. The penalty
// is non-negative and non-decreasing in the violation count.
type LookaheadPenalty struct {
	Violations []LookaheadViolation `json:"violations,omitempty"`
	Penalty    float64              `json:"penalty"`
}

// AlphaScore is the final composite metric: the four inputs plus the
// derived score. Computed once; read-only afterward.
type AlphaScore struct {
	RoleScoreTotal   float64 `json:"role_score_total"`
	DebateMultiplier float64 `json:"debate_multiplier"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
	LookaheadPenalty float64 `json:"lookahead_penalty"`
	Score            float64 `json:"score"`
}

// EvalFailure is the structured reason a task's evaluation did not
// produce a score. Stage names the pipeline phase that failed.
type EvalFailure struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// EvalOutcome is the result of evaluating one task: either a complete
// score breakdown or a structured failure, never both and never
// neither. A batch yields exactly one outcome per input task.
type EvalOutcome struct {
	TaskID     string            `json:"task_id"`
	AgentID    string            `json:"agent_id"`
	Alpha      *AlphaScore       `json:"alpha,omitempty"`
	Role       *RoleScore        `json:"role,omitempty"`
	Debate     *DebateResult     `json:"debate,omitempty"`
	Costs      *CostBreakdown    `json:"costs,omitempty"`
	Lookahead  *LookaheadPenalty `json:"lookahead,omitempty"`
	Messages   []A2AMessage      `json:"messages,omitempty"`
	Failure    *EvalFailure      `json:"failure,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Complete reports whether the outcome carries a full score breakdown.
func (o *EvalOutcome) Complete() bool {
	return o.Failure == nil && o.Alpha != nil
}
