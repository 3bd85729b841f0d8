package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/config"
	"github.com/agentbeats/fabench/internal/datasets"
	"github.com/agentbeats/fabench/internal/evaluation"
	"github.com/agentbeats/fabench/internal/judges"
	"github.com/agentbeats/fabench/internal/lookahead"
	"github.com/agentbeats/fabench/internal/models"
	"github.com/agentbeats/fabench/internal/orchestrator"
	"github.com/agentbeats/fabench/internal/transport"
)

const demoAgentID = "purple-demo"

type demoOptions struct {
	noDebate        bool
	silent          bool
	jsonOut         bool
	responseTimeout time.Duration
	rebuttalTimeout time.Duration
}

func newDemoCmd() *cobra.Command {
	var opts demoOptions

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Score the bundled NVIDIA earnings task against a scripted candidate",
		Long: `demo runs one complete evaluation in-process: the NVIDIA Q3 FY2026
earnings task is assigned to a scripted candidate, scored across the
macro, fundamental, and execution dimensions, challenged, and rolled
up into an alpha score. No network, no external judges.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(cmd)
			defer logger.Sync()
			return runDemo(cmd.Context(), logger, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.noDebate, "no-debate", false, "Skip the adversarial challenge phase")
	cmd.Flags().BoolVar(&opts.silent, "silent", false, "Candidate ignores every message, demonstrating the timeout failure path")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the raw outcome as JSON instead of the rendered breakdown")
	cmd.Flags().DurationVar(&opts.responseTimeout, "response-timeout", 30*time.Second, "How long to wait for the candidate's answer")
	cmd.Flags().DurationVar(&opts.rebuttalTimeout, "rebuttal-timeout", 15*time.Second, "How long to wait for the rebuttal")
	return cmd
}

func runDemo(ctx context.Context, logger *zap.Logger, opts demoOptions) error {
	task := datasets.Demo()

	script := transport.Script{
		Response:      datasets.DemoResponse(),
		Rebuttal:      datasets.DemoRebuttal(),
		ResponseDelay: 50 * time.Millisecond,
		RebuttalDelay: 25 * time.Millisecond,
	}
	if opts.silent {
		script = transport.Script{}
	}

	router := orchestrator.NewRouter(logger)
	agent := transport.NewScriptedAgent(demoAgentID, router, script, logger)

	runner := evaluation.NewRunner("fabench-demo", config.EvaluationConfig{
		ResponseTimeout: opts.responseTimeout,
		RebuttalTimeout: opts.rebuttalTimeout,
		Concurrency:     1,
	}, evaluation.Deps{
		Sender:   agent,
		Router:   router,
		Scorers:  evaluation.HeuristicScorers(),
		Rebuttal: judges.HeuristicRebuttalJudge{},
		Guard:    lookahead.NewGuard(logger),
	}, logger)

	outcomes, err := runner.Run(ctx, evaluation.Request{
		RunID:         uuid.NewString(),
		AgentID:       demoAgentID,
		AgentName:     "Scripted demo candidate",
		Endpoint:      "in-process",
		Dataset:       "demo",
		ConductDebate: !opts.noDebate,
		Concurrency:   1,
	}, []*models.Task{task})
	if err != nil {
		return err
	}
	agent.Wait()

	outcome := outcomes[0]
	if opts.jsonOut {
		data, err := json.MarshalIndent(outcome, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
		fmt.Println(string(data))
	} else {
		fmt.Print(renderOutcome(task, outcome))
	}

	if !outcome.Complete() {
		return fmt.Errorf("evaluation failed in %s phase: %s", outcome.Failure.Stage, outcome.Failure.Reason)
	}
	return nil
}
