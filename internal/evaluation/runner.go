package evaluation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/config"
	"github.com/agentbeats/fabench/internal/db"
	"github.com/agentbeats/fabench/internal/models"
	"github.com/agentbeats/fabench/internal/session"
	"github.com/agentbeats/fabench/internal/streaming"
)

// Request describes one batch evaluation of a candidate agent.
type Request struct {
	RunID         string
	AgentID       string
	AgentName     string
	Endpoint      string
	Dataset       string
	ConductDebate bool
	Concurrency   int
}

// Runner executes batches with bounded fan-out: one pipeline
// evaluation per task, parallel up to the configured concurrency.
// Tasks are fully independent; a failure never crosses task
// boundaries.
type Runner struct {
	selfID string
	cfg    config.EvaluationConfig
	deps   Deps
	logger *zap.Logger

	// serializes run-registry read-modify-write updates across the
	// batch goroutines
	sessionMu sync.Mutex
}

func NewRunner(selfID string, cfg config.EvaluationConfig, deps Deps, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		selfID: selfID,
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.String("component", "runner")),
	}
}

// Run evaluates every task and returns exactly one outcome per input
// task, in input order. Cancellation aborts in-flight waits promptly;
// tasks cut short yield structured failure outcomes, never partial
// scores.
func (r *Runner) Run(ctx context.Context, req Request, tasks []*models.Task) ([]*models.EvalOutcome, error) {
	if req.AgentID == "" || req.Endpoint == "" {
		return nil, fmt.Errorf("batch request needs agent id and endpoint")
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("batch request has no tasks")
	}

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = r.cfg.Concurrency
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	pipe := NewPipeline(Config{
		SelfID:          r.selfID,
		AgentID:         req.AgentID,
		Endpoint:        req.Endpoint,
		RunID:           req.RunID,
		ResponseTimeout: r.cfg.ResponseTimeout,
		RebuttalTimeout: r.cfg.RebuttalTimeout,
		ConductDebate:   req.ConductDebate,
	}, r.deps, r.logger)

	r.markRunning(ctx, req, len(tasks))
	r.publish(req, streaming.EventRunStarted, "batch started", map[string]interface{}{
		"tasks":       len(tasks),
		"concurrency": concurrency,
	})

	outcomes := make([]*models.EvalOutcome, len(tasks))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task *models.Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcome := pipe.Evaluate(ctx, task)
			outcomes[i] = outcome
			r.recordOutcome(ctx, req, task, outcome)
		}(i, task)
	}
	wg.Wait()

	scored, failed := 0, 0
	for _, o := range outcomes {
		if o.Complete() {
			scored++
		} else {
			failed++
		}
	}
	r.markFinished(ctx, req)
	r.publish(req, streaming.EventRunFinished, "batch finished", map[string]interface{}{
		"scored": scored,
		"failed": failed,
	})
	r.logger.Info("Batch finished",
		zap.String("run_id", req.RunID),
		zap.String("agent_id", req.AgentID),
		zap.Int("scored", scored),
		zap.Int("failed", failed),
	)
	return outcomes, nil
}

// recordOutcome pushes one task's result into the run registry and the
// persistence queue. Registry or store trouble is logged, not fatal:
// the outcome itself is already safe in memory.
func (r *Runner) recordOutcome(ctx context.Context, req Request, task *models.Task, outcome *models.EvalOutcome) {
	cost := 0.0
	if outcome.Costs != nil {
		cost = outcome.Costs.TotalUSD
	}
	if r.deps.Sessions != nil && req.RunID != "" {
		r.sessionMu.Lock()
		_, err := r.deps.Sessions.RecordTaskOutcome(ctx, req.RunID, !outcome.Complete(), cost)
		r.sessionMu.Unlock()
		if err != nil {
			r.logger.Warn("Run progress update failed",
				zap.String("run_id", req.RunID),
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
		}
	}
	if r.deps.Store != nil {
		r.deps.Store.EnqueueResult(db.RecordFromOutcome(req.RunID, task, outcome), nil)
		for i := range outcome.Messages {
			r.deps.Store.EnqueueMessage(db.MessageFromA2A(req.RunID, task.ID, &outcome.Messages[i]))
		}
	}
}

func (r *Runner) markRunning(ctx context.Context, req Request, total int) {
	if r.deps.Sessions == nil || req.RunID == "" {
		return
	}
	run, err := r.deps.Sessions.MarkStatus(ctx, req.RunID, session.StatusRunning)
	if err != nil {
		r.logger.Warn("Run status update failed", zap.String("run_id", req.RunID), zap.Error(err))
		return
	}
	run.TasksTotal = total
	if err := r.deps.Sessions.UpdateRun(ctx, run); err != nil {
		r.logger.Warn("Run task count update failed", zap.String("run_id", req.RunID), zap.Error(err))
	}
}

func (r *Runner) markFinished(ctx context.Context, req Request) {
	if r.deps.Sessions == nil || req.RunID == "" {
		return
	}
	status := session.StatusCompleted
	switch ctx.Err() {
	case context.Canceled:
		status = session.StatusCancelled
	case context.DeadlineExceeded:
		status = session.StatusFailed
	}
	if ctx.Err() != nil {
		// The run's terminal status must land even though the batch
		// context is already dead.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if _, err := r.deps.Sessions.MarkStatus(ctx, req.RunID, status); err != nil {
		r.logger.Warn("Run status update failed", zap.String("run_id", req.RunID), zap.Error(err))
	}
}

func (r *Runner) publish(req Request, typ streaming.EventType, message string, data map[string]interface{}) {
	if r.deps.Stream == nil {
		return
	}
	r.deps.Stream.Publish(req.RunID, streaming.Event{
		RunID:   req.RunID,
		Type:    typ,
		AgentID: req.AgentID,
		Message: message,
		Data:    data,
	})
}
