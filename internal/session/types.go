package session

import (
	"errors"
	"time"
)

var (
	// ErrRunNotFound is returned when a run doesn't exist
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExpired is returned when a run's record has expired
	ErrRunExpired = errors.New("run expired")
)

// RunStatus tracks a run through its lifecycle.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Run records one evaluation run: a batch of tasks issued to one
// candidate agent. The record survives engine restarts when Redis is
// configured.
type Run struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	AgentEndpoint string    `json:"agent_endpoint"`
	Status        RunStatus `json:"status"`
	Source        string    `json:"source"`

	SimulationDate time.Time `json:"simulation_date"`
	ConductDebate  bool      `json:"conduct_debate"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	TasksTotal     int     `json:"tasks_total"`
	TasksCompleted int     `json:"tasks_completed"`
	TasksFailed    int     `json:"tasks_failed"`
	TotalCostUSD   float64 `json:"total_cost_usd"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// IsExpired checks if the run record has expired.
func (r *Run) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// Done reports whether every issued task has resolved.
func (r *Run) Done() bool {
	return r.TasksTotal > 0 && r.TasksCompleted+r.TasksFailed >= r.TasksTotal
}
