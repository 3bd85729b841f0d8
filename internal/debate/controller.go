// Package debate runs the adversarial phase of an evaluation: a
// templated challenge to the candidate's analysis, a bounded wait for
// the rebuttal, and a judged conviction level that maps to the score
// multiplier.
package debate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/costs"
	"github.com/agentbeats/fabench/internal/judges"
	"github.com/agentbeats/fabench/internal/metrics"
	"github.com/agentbeats/fabench/internal/models"
)

// State tracks the debate phase for one task.
type State string

const (
	StateNotStarted       State = "not_started"
	StateChallengeSent    State = "challenge_sent"
	StateRebuttalReceived State = "rebuttal_received"
	StateRebuttalTimedOut State = "rebuttal_timed_out"
	StateScored           State = "scored"
)

// challengeTemplate is the fixed counter-argument sent to every
// candidate. Keeping it identical across agents keeps the debate
// phase comparable between runs.
const challengeTemplate = "Challenge: What are the key risks to your %s analysis?"

// BuildChallenge renders the counter-argument for a task subject.
func BuildChallenge(ticker string) string {
	return fmt.Sprintf(challengeTemplate, ticker)
}

// Config controls whether and how the debate phase runs.
type Config struct {
	Enabled bool
	// RebuttalTimeout bounds the wait for a defense. Zero uses the
	// exchange's default, which is shorter than the task-response
	// timeout since a rebuttal needs no fresh analysis.
	RebuttalTimeout time.Duration
}

// Challenger is the slice of the orchestrator the controller drives.
type Challenger interface {
	Challenge(ctx context.Context, agentID, taskID, counterArgument string) (*models.A2AMessage, error)
	AwaitRebuttal(ctx context.Context, agentID string, timeout time.Duration) (*models.DebateRebuttal, error)
}

// Controller walks one task through the challenge/rebuttal exchange
// and produces the DebateResult. One controller per task; Run is
// called once.
type Controller struct {
	cfg      Config
	orch     Challenger
	judge    judges.RebuttalJudge
	fallback judges.RebuttalJudge
	tracker  *costs.Tracker
	logger   *zap.Logger

	mu    sync.Mutex
	state State
}

// New builds a controller. A nil judge grades rebuttals with the
// heuristic judge; otherwise the heuristic judge serves as fallback
// when the configured judge fails.
func New(cfg Config, orch Challenger, judge judges.RebuttalJudge, tracker *costs.Tracker, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	fallback := judges.HeuristicRebuttalJudge{}
	if judge == nil {
		judge = fallback
	}
	return &Controller{
		cfg:      cfg,
		orch:     orch,
		judge:    judge,
		fallback: fallback,
		tracker:  tracker,
		logger:   logger.With(zap.String("component", "debate")),
		state:    StateNotStarted,
	}
}

// State reports the current phase. Safe to call from other goroutines,
// e.g. the streaming layer.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run executes the debate phase for one task and returns the result.
// The multiplier is always a pure function of the conviction level.
// Returns an error only when the surrounding evaluation is being torn
// down (context cancellation); every debate-internal failure resolves
// to a result instead.
func (c *Controller) Run(ctx context.Context, agentID string, task *models.Task) (*models.DebateResult, error) {
	if !c.cfg.Enabled {
		c.setState(StateScored)
		c.logger.Debug("Debate disabled, neutral multiplier", zap.String("task_id", task.ID))
		return c.finish(models.ConvictionNotEvaluated, "debate disabled for this run"), nil
	}

	counterArgument := BuildChallenge(task.Ticker)
	if _, err := c.orch.Challenge(ctx, agentID, task.ID, counterArgument); err != nil {
		// The candidate never saw a challenge, so failing to defend
		// cannot be held against it.
		c.logger.Warn("Challenge delivery failed",
			zap.String("agent_id", agentID),
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		c.setState(StateScored)
		return c.finish(models.ConvictionNotEvaluated, fmt.Sprintf("challenge not delivered: %v", err)), nil
	}
	c.setState(StateChallengeSent)

	reb, err := c.orch.AwaitRebuttal(ctx, agentID, c.cfg.RebuttalTimeout)
	switch {
	case err == nil:
		c.setState(StateRebuttalReceived)
	case errors.Is(err, models.ErrResponseTimeout):
		// Failure to defend counts against the agent.
		c.setState(StateRebuttalTimedOut)
		c.logger.Info("Rebuttal timed out",
			zap.String("agent_id", agentID),
			zap.String("task_id", task.ID),
		)
		res := c.finish(models.ConvictionNone, "no rebuttal before the deadline")
		c.setState(StateScored)
		return res, nil
	default:
		return nil, fmt.Errorf("debate for task %s: %w", task.ID, err)
	}

	level, feedback := c.grade(ctx, task, reb)
	c.setState(StateScored)
	return c.finish(level, feedback), nil
}

// grade asks the configured judge for a conviction level, falling back
// to the heuristic judge so a judge outage never aborts an evaluation.
func (c *Controller) grade(ctx context.Context, task *models.Task, reb *models.DebateRebuttal) (models.ConvictionLevel, string) {
	level, feedback, usage, err := c.judge.Judge(ctx, task, reb)
	if err != nil {
		c.logger.Warn("Rebuttal judge failed, using heuristic",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		level, feedback, usage, err = c.fallback.Judge(ctx, task, reb)
		if err != nil {
			// The heuristic judge never errors today; guard anyway.
			return models.ConvictionNone, fmt.Sprintf("rebuttal could not be judged: %v", err)
		}
	}
	if c.tracker != nil && (usage.InputTokens > 0 || usage.OutputTokens > 0) {
		c.tracker.Record("debate_judge", usage.Model, usage.InputTokens, usage.OutputTokens)
	}
	return level, feedback
}

func (c *Controller) finish(level models.ConvictionLevel, feedback string) *models.DebateResult {
	metrics.DebateOutcomes.WithLabelValues(string(level)).Inc()
	return &models.DebateResult{
		Conviction: level,
		Multiplier: level.Multiplier(),
		Feedback:   feedback,
	}
}
