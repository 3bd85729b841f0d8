package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/config"
	"github.com/agentbeats/fabench/internal/datasets"
	"github.com/agentbeats/fabench/internal/db"
	"github.com/agentbeats/fabench/internal/evaluation"
	"github.com/agentbeats/fabench/internal/lookahead"
	"github.com/agentbeats/fabench/internal/models"
	"github.com/agentbeats/fabench/internal/orchestrator"
	"github.com/agentbeats/fabench/internal/results"
	"github.com/agentbeats/fabench/internal/transport"
)

type batchOptions struct {
	csvPath        string
	syntheticPath  string
	endpoint       string
	agentID        string
	agentName      string
	simulationDate string
	difficulties   []string
	limit          int
	noDebate       bool
	concurrency    int
	output         string
	runID          string
}

func newBatchCmd() *cobra.Command {
	var opts batchOptions

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Evaluate a CSV dataset against a live candidate endpoint",
		Long: `batch loads tasks from a dataset file, assigns each to the candidate
at --endpoint, and prints the per-task scores plus the batch summary.
The candidate must answer inline: the analysis comes back in the HTTP
response body of the assignment POST, and the rebuttal in the body of
the challenge POST. Callback-style candidates need the running
service instead.

The full batch document is written as JSON for diffing across runs.
With database.enabled set, the rows also land in the results store;
the sqlite driver keeps local history without a Postgres server.`,
		Example: `  fabctl batch --csv finance_tasks.csv --endpoint http://localhost:9000/a2a
  fabctl batch --csv finance_tasks.csv --endpoint http://localhost:9000/a2a --difficulty hard --limit 5
  fabctl batch --synthetic questions.json --endpoint http://localhost:9000/a2a --no-debate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(cmd)
			defer logger.Sync()
			return runBatch(cmd.Context(), logger, opts)
		},
	}

	cmd.Flags().StringVar(&opts.csvPath, "csv", "", "CSV dataset path")
	cmd.Flags().StringVar(&opts.syntheticPath, "synthetic", "", "Synthetic question dump path (JSON)")
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "Candidate agent endpoint URL")
	cmd.Flags().StringVar(&opts.agentID, "agent-id", "purple-agent", "Candidate agent identifier")
	cmd.Flags().StringVar(&opts.agentName, "agent-name", "", "Candidate display name (defaults to the agent id)")
	cmd.Flags().StringVar(&opts.simulationDate, "simulation-date", "", "Default simulation date as YYYY-MM-DD for rows without one")
	cmd.Flags().StringSliceVar(&opts.difficulties, "difficulty", nil, "Keep only these difficulties (easy, medium, hard); repeatable")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Evaluate at most this many tasks (0 = all)")
	cmd.Flags().BoolVar(&opts.noDebate, "no-debate", false, "Skip the adversarial challenge phase")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Parallel evaluations (0 = configured default)")
	cmd.Flags().StringVar(&opts.output, "output", "batch_results.json", "Where to write the batch document (empty to skip)")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "Run identifier (generated when empty)")
	_ = cmd.MarkFlagRequired("endpoint")
	return cmd
}

func runBatch(ctx context.Context, logger *zap.Logger, opts batchOptions) error {
	if (opts.csvPath == "") == (opts.syntheticPath == "") {
		return fmt.Errorf("exactly one of --csv and --synthetic is required")
	}

	conf, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if opts.simulationDate != "" {
		conf.Evaluation.SimulationDate = opts.simulationDate
	}
	simDate, err := conf.Evaluation.EffectiveSimulationDate(time.Now())
	if err != nil {
		return err
	}

	var source datasets.Source
	if opts.csvPath != "" {
		source = datasets.NewCSVSource(opts.csvPath, simDate, logger)
	} else {
		source = datasets.NewSyntheticSource(opts.syntheticPath, simDate, logger)
	}
	tasks, err := source.Load(ctx)
	if err != nil {
		return err
	}
	tasks, err = filterTasks(tasks, opts.difficulties, opts.limit)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("no tasks left after filtering %s", source.Name())
	}

	// Sync mode: the candidate computes its answer during the POST,
	// so the client timeout must cover the whole analysis.
	client := transport.NewClient(transport.Config{
		Timeout: conf.Evaluation.ResponseTimeout,
	}, logger)
	router := orchestrator.NewRouter(logger)
	sender := transport.NewSyncSender(client, router, logger)

	runner := evaluation.NewRunner(conf.Service.SelfID, conf.Evaluation, evaluation.Deps{
		Sender:   sender,
		Router:   router,
		Scorers:  evaluation.BuildScorers(conf.Judges, logger),
		Rebuttal: evaluation.BuildRebuttalJudge(conf.Judges, logger),
		Guard:    lookahead.NewGuard(logger),
	}, logger)

	runID := opts.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	agentName := opts.agentName
	if agentName == "" {
		agentName = opts.agentID
	}

	fmt.Printf("Evaluating %d tasks from %s against %s\n", len(tasks), source.Name(), opts.endpoint)
	started := time.Now()
	outcomes, err := runner.Run(ctx, evaluation.Request{
		RunID:         runID,
		AgentID:       opts.agentID,
		AgentName:     agentName,
		Endpoint:      opts.endpoint,
		Dataset:       source.Name(),
		ConductDebate: conf.Evaluation.ConductDebate && !opts.noDebate,
		Concurrency:   opts.concurrency,
	}, tasks)
	if err != nil {
		return err
	}
	sender.Wait()

	rows := make([]results.Row, len(tasks))
	for i := range tasks {
		rows[i] = results.NewRow(tasks[i], source.Name(), outcomes[i])
	}
	summary := results.Summarize(rows)

	fmt.Print(renderBatch(rows, summary, time.Since(started)))

	if opts.output != "" {
		out := results.BatchOutput{Summary: summary, Results: rows}
		if err := results.WriteBatchOutput(opts.output, out); err != nil {
			return err
		}
		fmt.Printf("Batch document written to %s\n", opts.output)
	}

	if conf.Database.Enabled {
		if err := persistRun(ctx, conf.Database, logger, runID, tasks, outcomes); err != nil {
			logger.Warn("Run not persisted", zap.Error(err))
		} else {
			fmt.Printf("Run %s persisted to the results store\n", runID)
		}
	}
	return nil
}

// persistRun writes the finished run into the results store. Batch
// runs usually point this at a local sqlite file; a write failure
// costs history, never the already rendered scores.
func persistRun(ctx context.Context, dbConf config.DatabaseConfig, logger *zap.Logger, runID string, tasks []*models.Task, outcomes []*models.EvalOutcome) error {
	store, err := db.NewStore(db.Config{
		Driver:    dbConf.Driver,
		Host:      dbConf.Host,
		Port:      dbConf.Port,
		User:      dbConf.User,
		Password:  dbConf.Password,
		Database:  dbConf.Database,
		SSLMode:   dbConf.SSLMode,
		Path:      dbConf.Path,
		QueueSize: dbConf.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	for i := range tasks {
		rec := db.RecordFromOutcome(runID, tasks[i], outcomes[i])
		if rec == nil {
			continue
		}
		if err := store.SaveResult(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// filterTasks applies the difficulty filter and the task cap, keeping
// dataset order.
func filterTasks(tasks []*models.Task, difficulties []string, limit int) ([]*models.Task, error) {
	if len(difficulties) > 0 {
		keep := make(map[models.TaskDifficulty]bool, len(difficulties))
		for _, d := range difficulties {
			switch parsed := models.TaskDifficulty(d); parsed {
			case models.DifficultyEasy, models.DifficultyMedium, models.DifficultyHard:
				keep[parsed] = true
			default:
				return nil, fmt.Errorf("unknown difficulty %q (easy, medium, hard)", d)
			}
		}
		filtered := tasks[:0:0]
		for _, t := range tasks {
			if keep[t.Difficulty] {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}
