// Package judges holds the external grading capabilities the scoring
// engine consumes: one scorer per evaluation dimension plus the
// rebuttal judge for the debate phase. Implementations must be safe to
// call concurrently and must not mutate the task or response.
package judges

import (
	"context"

	"github.com/agentbeats/fabench/internal/models"
)

// Usage reports the token spend of one judge call so the cost tracker
// can price it. Heuristic judges run locally and report zero usage.
type Usage struct {
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// DimensionScorer grades one dimension of a response, returning a
// bounded score in [0,100] plus feedback.
type DimensionScorer interface {
	Dimension() string
	Score(ctx context.Context, task *models.Task, resp *models.AgentResponse) (models.DimensionScore, Usage, error)
}

// RebuttalJudge maps a rebuttal's persuasiveness and evidence strength
// against the ground truth to a conviction level.
type RebuttalJudge interface {
	Judge(ctx context.Context, task *models.Task, reb *models.DebateRebuttal) (models.ConvictionLevel, string, Usage, error)
}
