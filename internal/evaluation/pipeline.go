// Package evaluation drives complete task evaluations: the A2A
// exchange with the candidate, lookahead scanning, concurrent
// dimension scoring, the debate phase, and the final alpha score. The
// batch runner fans pipelines out over a task list with bounded
// concurrency and yields exactly one outcome per input task.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/costs"
	"github.com/agentbeats/fabench/internal/db"
	"github.com/agentbeats/fabench/internal/debate"
	"github.com/agentbeats/fabench/internal/judges"
	"github.com/agentbeats/fabench/internal/lookahead"
	"github.com/agentbeats/fabench/internal/metrics"
	"github.com/agentbeats/fabench/internal/models"
	"github.com/agentbeats/fabench/internal/orchestrator"
	"github.com/agentbeats/fabench/internal/scoring"
	"github.com/agentbeats/fabench/internal/session"
	"github.com/agentbeats/fabench/internal/streaming"
	"github.com/agentbeats/fabench/internal/tracing"
)

// Config describes one candidate exchange: identities, endpoint, and
// phase settings.
type Config struct {
	SelfID          string
	AgentID         string
	Endpoint        string
	RunID           string
	ResponseTimeout time.Duration
	RebuttalTimeout time.Duration
	ConductDebate   bool
}

// Deps are the process-wide collaborators a pipeline draws on. Sender
// and Scorers are required; everything else degrades to a no-op when
// nil.
type Deps struct {
	Sender   orchestrator.Sender
	Router   *orchestrator.Router
	Scorers  ScorerSet
	Rebuttal judges.RebuttalJudge
	Guard    *lookahead.Guard
	Stream   *streaming.Manager
	Sessions *session.Manager
	Store    *db.Store
}

// Pipeline evaluates tasks against one candidate agent. Safe for
// concurrent Evaluate calls with distinct tasks; each call builds its
// own orchestrator and cost tracker.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

func NewPipeline(cfg Config, deps Deps, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Guard == nil {
		deps.Guard = lookahead.NewGuard(logger)
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.String("component", "evaluation")),
	}
}

// Evaluate runs the full scoring flow for one task and always returns
// an outcome: a complete breakdown or a structured failure, never
// both, never neither.
func (p *Pipeline) Evaluate(ctx context.Context, task *models.Task) *models.EvalOutcome {
	started := time.Now()
	metrics.EvaluationsStarted.Inc()

	ctx, span := tracing.StartEvalSpan(ctx, task.ID, p.cfg.AgentID)
	defer span.End()

	outcome := &models.EvalOutcome{
		TaskID:    task.ID,
		AgentID:   p.cfg.AgentID,
		StartedAt: started,
	}

	orch := orchestrator.New(orchestrator.Config{
		SelfID:          p.cfg.SelfID,
		Endpoint:        p.cfg.Endpoint,
		ResponseTimeout: p.cfg.ResponseTimeout,
		RebuttalTimeout: p.cfg.RebuttalTimeout,
	}, p.deps.Sender, p.logger)
	if p.deps.Router != nil {
		p.deps.Router.Register(task.ID, orch)
		defer p.deps.Router.Unregister(task.ID)
	}

	defer func() {
		outcome.Messages = orch.Messages()
		outcome.FinishedAt = time.Now()
		metrics.EvaluationDuration.Observe(outcome.FinishedAt.Sub(started).Seconds())
	}()

	if _, err := orch.Assign(ctx, p.cfg.AgentID, task); err != nil {
		return p.fail(outcome, task, "assign", err)
	}
	p.publish(streaming.EventTaskAssigned, task.ID, "task assigned", nil)

	resp, err := orch.AwaitResponse(ctx, p.cfg.AgentID, p.cfg.ResponseTimeout)
	if err != nil {
		if errors.Is(err, models.ErrResponseTimeout) {
			p.publish(streaming.EventResponseTimeout, task.ID, "no response before deadline", nil)
		}
		return p.fail(outcome, task, "response", err)
	}
	if err := validateResponse(task, resp); err != nil {
		return p.fail(outcome, task, "response", err)
	}
	p.publish(streaming.EventResponseReceived, task.ID, "response received", map[string]interface{}{
		"recommendation": resp.Recommendation,
		"tool_calls":     len(resp.ToolCalls),
	})

	penalty := p.deps.Guard.Scan(resp, task.SimulationDate)
	outcome.Lookahead = &penalty
	if len(penalty.Violations) > 0 {
		p.publish(streaming.EventLookaheadFlagged, task.ID, "lookahead violations found", map[string]interface{}{
			"violations": len(penalty.Violations),
			"penalty":    penalty.Penalty,
		})
	}

	tracker := costs.NewTracker(p.logger)
	role := p.scoreDimensions(ctx, task, resp, tracker)
	outcome.Role = &role

	ctrl := debate.New(debate.Config{
		Enabled:         p.cfg.ConductDebate,
		RebuttalTimeout: p.cfg.RebuttalTimeout,
	}, p.observeChallenger(orch, task.ID), p.deps.Rebuttal, tracker, p.logger)
	debateRes, err := ctrl.Run(ctx, p.cfg.AgentID, task)
	if err != nil {
		return p.fail(outcome, task, "debate", err)
	}
	outcome.Debate = debateRes
	p.publish(streaming.EventDebateScored, task.ID, "debate scored", map[string]interface{}{
		"conviction": string(debateRes.Conviction),
		"multiplier": debateRes.Multiplier,
	})

	breakdown := tracker.Breakdown()
	outcome.Costs = &breakdown
	metrics.TaskCostUSD.Observe(breakdown.TotalUSD)

	alpha, err := scoring.ComputeAlpha(role.Total, debateRes.Multiplier, breakdown.TotalUSD, penalty.Penalty)
	if err != nil {
		return p.fail(outcome, task, "scoring", err)
	}
	outcome.Alpha = &alpha
	metrics.AlphaScores.Observe(alpha.Score)
	metrics.EvaluationsCompleted.WithLabelValues("scored").Inc()
	p.publish(streaming.EventScoreFinal, task.ID, "alpha computed", map[string]interface{}{
		"alpha":      alpha.Score,
		"role_total": role.Total,
		"multiplier": debateRes.Multiplier,
		"cost_usd":   breakdown.TotalUSD,
		"penalty":    penalty.Penalty,
	})

	p.logger.Info("Task evaluated",
		zap.String("task_id", task.ID),
		zap.String("agent_id", p.cfg.AgentID),
		zap.Float64("alpha", alpha.Score),
		zap.Float64("role_total", role.Total),
		zap.Float64("cost_usd", breakdown.TotalUSD),
		zap.Int("violations", len(penalty.Violations)),
	)
	return outcome
}

// scoreDimensions fans the three dimension judges out concurrently and
// fans in before the debate phase. A failed judge zeroes its dimension
// with the reason on record; it never defaults to a passing score.
func (p *Pipeline) scoreDimensions(ctx context.Context, task *models.Task, resp *models.AgentResponse, tracker *costs.Tracker) models.RoleScore {
	scorers := [3]judges.DimensionScorer{
		p.deps.Scorers.Macro,
		p.deps.Scorers.Fundamental,
		p.deps.Scorers.Execution,
	}
	var out [3]models.DimensionScore

	var wg sync.WaitGroup
	for i, s := range scorers {
		wg.Add(1)
		go func(i int, s judges.DimensionScorer) {
			defer wg.Done()
			score, usage, err := s.Score(ctx, task, resp)
			if err != nil {
				score = models.DimensionScore{
					Dimension: s.Dimension(),
					Score:     0,
					Feedback:  fmt.Sprintf("not scored: %v", err),
				}
				p.logger.Warn("Dimension scored zero",
					zap.String("task_id", task.ID),
					zap.String("dimension", s.Dimension()),
					zap.Error(err),
				)
			}
			if usage.InputTokens > 0 || usage.OutputTokens > 0 {
				tracker.Record(s.Dimension()+"_judge", usage.Model, usage.InputTokens, usage.OutputTokens)
			}
			out[i] = score
			metrics.DimensionScores.WithLabelValues(s.Dimension()).Observe(score.Score)
			p.publish(streaming.EventDimensionScored, task.ID, "dimension scored", map[string]interface{}{
				"dimension": s.Dimension(),
				"score":     score.Score,
			})
		}(i, s)
	}
	wg.Wait()

	return scoring.Aggregate(out[0], out[1], out[2])
}

// validateResponse rejects replies that parsed but carry no usable
// analysis, so an empty answer fails loudly instead of scoring as a
// low pass.
func validateResponse(task *models.Task, resp *models.AgentResponse) error {
	if resp == nil {
		return fmt.Errorf("empty reply: %w", models.ErrMalformedResponse)
	}
	if resp.TaskID != "" && resp.TaskID != task.ID {
		return fmt.Errorf("reply for task %q delivered to task %q: %w", resp.TaskID, task.ID, models.ErrMalformedResponse)
	}
	if resp.Analysis == "" {
		return fmt.Errorf("reply has no analysis: %w", models.ErrMalformedResponse)
	}
	return nil
}

func (p *Pipeline) fail(outcome *models.EvalOutcome, task *models.Task, stage string, err error) *models.EvalOutcome {
	outcome.Failure = &models.EvalFailure{Stage: stage, Reason: err.Error()}
	metrics.EvaluationsCompleted.WithLabelValues(failureStatus(err)).Inc()
	p.publish(streaming.EventTaskFailed, task.ID, err.Error(), map[string]interface{}{"stage": stage})
	p.logger.Warn("Task evaluation failed",
		zap.String("task_id", task.ID),
		zap.String("agent_id", p.cfg.AgentID),
		zap.String("stage", stage),
		zap.Error(err),
	)
	return outcome
}

func failureStatus(err error) string {
	switch {
	case errors.Is(err, models.ErrResponseTimeout):
		return "timeout"
	case errors.Is(err, models.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, models.ErrTransportFailure):
		return "transport_error"
	case errors.Is(err, models.ErrInvalidCost):
		return "invalid_cost"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func (p *Pipeline) publish(typ streaming.EventType, taskID, message string, data map[string]interface{}) {
	if p.deps.Stream == nil {
		return
	}
	p.deps.Stream.Publish(p.cfg.RunID, streaming.Event{
		RunID:   p.cfg.RunID,
		Type:    typ,
		TaskID:  taskID,
		AgentID: p.cfg.AgentID,
		Message: message,
		Data:    data,
	})
}

// observeChallenger decorates the orchestrator slice the debate
// controller drives so the challenge and rebuttal transitions reach
// the event stream without the controller knowing about it.
func (p *Pipeline) observeChallenger(inner debate.Challenger, taskID string) debate.Challenger {
	if p.deps.Stream == nil {
		return inner
	}
	return &observedChallenger{inner: inner, pipeline: p, taskID: taskID}
}

type observedChallenger struct {
	inner    debate.Challenger
	pipeline *Pipeline
	taskID   string
}

func (c *observedChallenger) Challenge(ctx context.Context, agentID, taskID, counterArgument string) (*models.A2AMessage, error) {
	msg, err := c.inner.Challenge(ctx, agentID, taskID, counterArgument)
	if err == nil {
		c.pipeline.publish(streaming.EventChallengeSent, taskID, "challenge sent", nil)
	}
	return msg, err
}

func (c *observedChallenger) AwaitRebuttal(ctx context.Context, agentID string, timeout time.Duration) (*models.DebateRebuttal, error) {
	reb, err := c.inner.AwaitRebuttal(ctx, agentID, timeout)
	switch {
	case err == nil:
		c.pipeline.publish(streaming.EventRebuttalReceived, c.taskID, "rebuttal received", nil)
	case errors.Is(err, models.ErrResponseTimeout):
		c.pipeline.publish(streaming.EventRebuttalTimeout, c.taskID, "no rebuttal before deadline", nil)
	}
	return reb, err
}
