package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TaskCategory classifies the kind of analyst work a task demands.
type TaskCategory string

const (
	CategoryBeatOrMiss      TaskCategory = "beat_or_miss"
	CategoryQuantRetrieval  TaskCategory = "quantitative_retrieval"
	CategoryQualRetrieval   TaskCategory = "qualitative_retrieval"
	CategoryOptionsAnalysis TaskCategory = "options_analysis"
)

// ParseTaskCategory maps free-form dataset input to a known category.
// Dataset files spell categories several ways ("Beat or Miss",
// "beat-or-miss"), so separators are normalized first. Unknown values
// fall back to quantitative retrieval so a malformed dataset row
// degrades to the most generic task shape instead of failing.
func ParseTaskCategory(s string) TaskCategory {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, " ", "_")
	norm = strings.ReplaceAll(norm, "-", "_")
	switch TaskCategory(norm) {
	case CategoryBeatOrMiss:
		return CategoryBeatOrMiss
	case CategoryQualRetrieval:
		return CategoryQualRetrieval
	case CategoryOptionsAnalysis:
		return CategoryOptionsAnalysis
	default:
		return CategoryQuantRetrieval
	}
}

// TaskDifficulty buckets tasks for reporting and sampling.
type TaskDifficulty string

const (
	DifficultyEasy   TaskDifficulty = "easy"
	DifficultyMedium TaskDifficulty = "medium"
	DifficultyHard   TaskDifficulty = "hard"
)

// ParseTaskDifficulty maps free-form input to a known difficulty,
// falling back to medium.
func ParseTaskDifficulty(s string) TaskDifficulty {
	switch TaskDifficulty(strings.ToLower(strings.TrimSpace(s))) {
	case DifficultyEasy:
		return DifficultyEasy
	case DifficultyHard:
		return DifficultyHard
	default:
		return DifficultyMedium
	}
}

// GroundTruth is the reference answer a task is graded against.
// Financial figures are kept as decimals; they are authoritative values
// from filings, not model output.
type GroundTruth struct {
	Thesis                  string                     `json:"thesis"`
	KeyThemes               []string                   `json:"key_themes,omitempty"`
	Financials              map[string]decimal.Decimal `json:"financials,omitempty"`
	ExpectedRecommendation  string                     `json:"expected_recommendation"`
	NumericAnswer           *float64                   `json:"numeric_answer,omitempty"`
}

// Rubric lists what a complete answer must contain.
type Rubric struct {
	Criteria          []string `json:"criteria"`
	MandatoryElements []string `json:"mandatory_elements,omitempty"`
	MaxScore          float64  `json:"max_score"`
}

// Task is one benchmark item: a point-in-time financial question with
// ground truth and grading rubric. Immutable once built; callers pass it
// by pointer and must not mutate it mid-evaluation.
type Task struct {
	ID             string         `json:"id"`
	Category       TaskCategory   `json:"category"`
	Difficulty     TaskDifficulty `json:"difficulty"`
	Question       string         `json:"question"`
	Ticker         string         `json:"ticker"`
	FiscalPeriod   string         `json:"fiscal_period,omitempty"`
	SimulationDate time.Time      `json:"simulation_date"`
	GroundTruth    GroundTruth    `json:"ground_truth"`
	Rubric         Rubric         `json:"rubric"`
	Deadline       time.Duration  `json:"deadline,omitempty"`
	ExpectsCode    bool           `json:"expects_code,omitempty"`
}

// ToolInvocation records one tool call made by the candidate while
// answering. FactDate is the effective date of the data the tool
// returned, when the tool reports one; nil means unknown.
type ToolInvocation struct {
	Tool     string     `json:"tool"`
	Input    string     `json:"input,omitempty"`
	Output   string     `json:"output,omitempty"`
	FactDate *time.Time `json:"fact_date,omitempty"`
}

// CodeExecution records one code run the candidate performed.
type CodeExecution struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Output   string `json:"output,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// AgentResponse is the candidate's answer to one task. Exactly one
// exists per task per evaluation; never mutated after creation.
type AgentResponse struct {
	AgentID        string             `json:"agent_id"`
	TaskID         string             `json:"task_id"`
	Analysis       string             `json:"analysis"`
	Recommendation string             `json:"recommendation"`
	Figures        map[string]float64 `json:"extracted_figures,omitempty"`
	ToolCalls      []ToolInvocation   `json:"tool_calls,omitempty"`
	CodeExecs      []CodeExecution    `json:"code_executions,omitempty"`
	Elapsed        time.Duration      `json:"elapsed,omitempty"`
}

// ExtractRecommendation derives a coarse recommendation label from
// answer text. First match wins; anything else is Unknown.
func ExtractRecommendation(analysis string) string {
	lower := strings.ToLower(analysis)
	switch {
	case strings.Contains(lower, "beat"):
		return "Beat"
	case strings.Contains(lower, "miss"):
		return "Miss"
	case strings.Contains(lower, "buy"):
		return "Buy"
	case strings.Contains(lower, "sell"):
		return "Sell"
	case strings.Contains(lower, "hold"):
		return "Hold"
	default:
		return "Unknown"
	}
}

// CitedFact is a piece of evidence cited during debate, with the date
// the underlying data became public when known.
type CitedFact struct {
	Fact          string     `json:"fact"`
	EffectiveDate *time.Time `json:"effective_date,omitempty"`
	Source        string     `json:"source,omitempty"`
}

// DebateRebuttal is the candidate's defense after an adversarial
// challenge. At most one exists per task per evaluation.
type DebateRebuttal struct {
	AgentID     string           `json:"agent_id"`
	TaskID      string           `json:"task_id"`
	Defense     string           `json:"defense"`
	NewEvidence []CitedFact      `json:"new_evidence,omitempty"`
	ToolCalls   []ToolInvocation `json:"tool_calls,omitempty"`
}

// MessageType identifies a phase of the evaluation protocol.
type MessageType string

const (
	MessageTypeTaskAssignment MessageType = "task_assignment"
	MessageTypeResponse       MessageType = "response"
	MessageTypeChallenge      MessageType = "challenge"
	MessageTypeRebuttal       MessageType = "rebuttal"
	MessageTypeError          MessageType = "error"
	MessageTypeStatusUpdate   MessageType = "status_update"
)

// A2AMessage is one message exchanged between the green agent and a
// candidate. Messages are appended to the orchestrator's audit log and
// never removed; the log is the durable record of an evaluation run.
type A2AMessage struct {
	ID        string                 `json:"id"`
	Sender    string                 `json:"sender"`
	Receiver  string                 `json:"receiver"`
	Type      MessageType            `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
