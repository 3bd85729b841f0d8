package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentbeats/fabench/internal/models"
)

// JSONB holds a JSON document column: jsonb on Postgres, plain text
// on SQLite.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Row status values. Leaderboard aggregation reads scored rows only.
const (
	StatusScored = "scored"
	StatusFailed = "failed"
)

// EvalRecord is one task's evaluation outcome as persisted. Rows are
// keyed by (run_id, task_id); re-evaluating a task overwrites its row.
type EvalRecord struct {
	ID      uuid.UUID `db:"id"`
	RunID   string    `db:"run_id"`
	TaskID  string    `db:"task_id"`
	AgentID string    `db:"agent_id"`

	Category   string `db:"category"`
	Difficulty string `db:"difficulty"`
	Status     string `db:"status"`

	AlphaScore       float64 `db:"alpha_score"`
	RoleScoreTotal   float64 `db:"role_score_total"`
	MacroScore       float64 `db:"macro_score"`
	FundamentalScore float64 `db:"fundamental_score"`
	ExecutionScore   float64 `db:"execution_score"`
	DebateMultiplier float64 `db:"debate_multiplier"`
	DebateConviction string  `db:"debate_conviction"`

	LookaheadViolations int     `db:"lookahead_violations"`
	LookaheadPenalty    float64 `db:"lookahead_penalty"`
	TotalCostUSD        float64 `db:"total_cost_usd"`

	ErrorMessage *string `db:"error_message"`
	Detail       JSONB   `db:"detail"`

	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

// MessageLog is one persisted protocol message. The audit trail each
// task's orchestrator keeps in memory lands here row by row; the
// message ID makes redelivered writes no-ops.
type MessageLog struct {
	ID        string    `db:"id"`
	RunID     string    `db:"run_id"`
	TaskID    string    `db:"task_id"`
	Sender    string    `db:"sender"`
	Receiver  string    `db:"receiver"`
	Type      string    `db:"type"`
	Payload   JSONB     `db:"payload"`
	Timestamp time.Time `db:"timestamp"`
	CreatedAt time.Time `db:"created_at"`
}

// RecordFromOutcome flattens one evaluation outcome into its row.
// Scored outcomes carry the full breakdown; failures carry the error
// message with zeroed score columns. The complete outcome is kept in
// the detail payload either way, so nothing is lost to the flattening.
func RecordFromOutcome(runID string, task *models.Task, outcome *models.EvalOutcome) *EvalRecord {
	if outcome == nil {
		return nil
	}
	rec := &EvalRecord{
		RunID:     runID,
		TaskID:    outcome.TaskID,
		AgentID:   outcome.AgentID,
		Status:    StatusScored,
		StartedAt: outcome.StartedAt,
	}
	if task != nil {
		rec.Category = string(task.Category)
		rec.Difficulty = string(task.Difficulty)
	}
	if !outcome.FinishedAt.IsZero() {
		completed := outcome.FinishedAt
		rec.CompletedAt = &completed
	}
	if outcome.Failure != nil {
		rec.Status = StatusFailed
		msg := fmt.Sprintf("%s: %s", outcome.Failure.Stage, outcome.Failure.Reason)
		rec.ErrorMessage = &msg
	}
	if outcome.Alpha != nil {
		rec.AlphaScore = outcome.Alpha.Score
	}
	if outcome.Role != nil {
		rec.RoleScoreTotal = outcome.Role.Total
		rec.MacroScore = outcome.Role.Macro.Score
		rec.FundamentalScore = outcome.Role.Fundamental.Score
		rec.ExecutionScore = outcome.Role.Execution.Score
	}
	if outcome.Debate != nil {
		rec.DebateMultiplier = outcome.Debate.Multiplier
		rec.DebateConviction = string(outcome.Debate.Conviction)
	}
	if outcome.Lookahead != nil {
		rec.LookaheadViolations = len(outcome.Lookahead.Violations)
		rec.LookaheadPenalty = outcome.Lookahead.Penalty
	}
	if outcome.Costs != nil {
		rec.TotalCostUSD = outcome.Costs.TotalUSD
	}
	if data, err := json.Marshal(outcome); err == nil {
		var detail JSONB
		if json.Unmarshal(data, &detail) == nil {
			rec.Detail = detail
		}
	}
	return rec
}

// MessageFromA2A converts a protocol message into its persisted form.
func MessageFromA2A(runID, taskID string, m *models.A2AMessage) *MessageLog {
	if m == nil {
		return nil
	}
	return &MessageLog{
		ID:        m.ID,
		RunID:     runID,
		TaskID:    taskID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Type:      string(m.Type),
		Payload:   JSONB(m.Payload),
		Timestamp: m.Timestamp,
	}
}
