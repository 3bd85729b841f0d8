package evaluation

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/circuitbreaker"
	"github.com/agentbeats/fabench/internal/config"
	"github.com/agentbeats/fabench/internal/judges"
	"github.com/agentbeats/fabench/internal/models"
)

// ScorerSet holds one scorer per evaluation dimension.
type ScorerSet struct {
	Macro       judges.DimensionScorer
	Fundamental judges.DimensionScorer
	Execution   judges.DimensionScorer
}

// HeuristicScorers returns the deterministic judge set used when no
// LLM judge service is configured.
func HeuristicScorers() ScorerSet {
	return ScorerSet{
		Macro:       judges.HeuristicMacro{},
		Fundamental: judges.HeuristicFundamental{},
		Execution:   judges.HeuristicExecution{},
	}
}

// BuildScorers returns the judge set for the configured mode. In llm
// mode each HTTP scorer runs behind a circuit breaker with the
// heuristic scorer as fallback, so a judge outage degrades to
// deterministic grading instead of failing tasks.
func BuildScorers(cfg config.JudgesConfig, logger *zap.Logger) ScorerSet {
	if cfg.Mode != "llm" {
		return HeuristicScorers()
	}
	heur := HeuristicScorers()
	return ScorerSet{
		Macro:       guarded(httpScorer(models.DimensionMacro, cfg, logger), heur.Macro, logger),
		Fundamental: guarded(httpScorer(models.DimensionFundamental, cfg, logger), heur.Fundamental, logger),
		Execution:   guarded(httpScorer(models.DimensionExecution, cfg, logger), heur.Execution, logger),
	}
}

// BuildRebuttalJudge returns the rebuttal judge for the configured
// mode. The debate controller already falls back to the heuristic
// judge on error, so the HTTP judge needs no wrapper here.
func BuildRebuttalJudge(cfg config.JudgesConfig, logger *zap.Logger) judges.RebuttalJudge {
	if cfg.Mode != "llm" {
		return judges.HeuristicRebuttalJudge{}
	}
	return judges.NewHTTPRebuttalJudge(httpConfig(cfg.For("debate"), cfg.Service), logger)
}

func httpScorer(dimension string, cfg config.JudgesConfig, logger *zap.Logger) judges.DimensionScorer {
	return judges.NewHTTPScorer(dimension, httpConfig(cfg.For(dimension), cfg.Service), logger)
}

func httpConfig(s config.LLMSettings, svc config.JudgeService) judges.HTTPConfig {
	return judges.HTTPConfig{
		BaseURL:     svc.BaseURL,
		APIKey:      svc.APIKey,
		Model:       s.Model,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
		Provider:    s.ResolveProvider(),
		Timeout:     svc.Timeout,
	}
}

// guardedScorer tries the primary scorer through a circuit breaker and
// grades with the fallback when the primary fails or the breaker is
// open.
type guardedScorer struct {
	primary  judges.DimensionScorer
	fallback judges.DimensionScorer
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
}

func guarded(primary, fallback judges.DimensionScorer, logger *zap.Logger) judges.DimensionScorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &guardedScorer{
		primary:  primary,
		fallback: fallback,
		breaker:  circuitbreaker.NewCircuitBreaker("judge_"+primary.Dimension(), circuitbreaker.JudgeConfig(), logger),
		logger:   logger.With(zap.String("component", "judges")),
	}
}

func (g *guardedScorer) Dimension() string { return g.primary.Dimension() }

func (g *guardedScorer) Score(ctx context.Context, task *models.Task, resp *models.AgentResponse) (models.DimensionScore, judges.Usage, error) {
	var (
		score models.DimensionScore
		usage judges.Usage
	)
	err := g.breaker.Execute(ctx, func() error {
		var innerErr error
		score, usage, innerErr = g.primary.Score(ctx, task, resp)
		return innerErr
	})
	if err == nil {
		return score, usage, nil
	}
	g.logger.Warn("Dimension judge failed, using heuristic",
		zap.String("dimension", g.primary.Dimension()),
		zap.String("task_id", task.ID),
		zap.Error(err),
	)
	return g.fallback.Score(ctx, task, resp)
}
