// Package db persists evaluation outcomes and the protocol audit
// trail, to Postgres for the shared service or to a local SQLite file
// for single-node CLI runs. Writes go through an async queue so a slow
// database never stalls a live evaluation; a full queue falls back to
// synchronous writes rather than dropping rows.
package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/metrics"
)

// Supported drivers. Both ship their SQL driver via blank import.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config holds database connection settings. Driver selects postgres
// or sqlite3; the host fields apply to Postgres and Path to SQLite.
type Config struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	Path            string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	QueueSize       int
	Workers         int
}

func (c *Config) applyDefaults() {
	switch c.Driver {
	case "", DriverPostgres:
		c.Driver = DriverPostgres
	case "sqlite", DriverSQLite:
		c.Driver = DriverSQLite
	}
	if c.Path == "" {
		c.Path = "fabench.db"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 25
	}
	if c.IdleConnections == 0 {
		c.IdleConnections = 5
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 5 * time.Minute
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.Workers == 0 {
		c.Workers = 2
	}
}

type writeRequest struct {
	result   *EvalRecord
	message  *MessageLog
	callback func(error)
}

// Store manages the results database.
type Store struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger

	writeQueue chan writeRequest
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
	closeOnce  sync.Once
}

// NewStore connects to the configured database and starts the write
// workers. The SQL below runs unchanged on both drivers: SQLite
// numbers $N parameters in order of first appearance, so the Postgres
// placeholders bind identically there.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	var sdb *sqlx.DB
	var err error
	switch cfg.Driver {
	case DriverPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		)
		sdb, err = sqlx.Connect(DriverPostgres, dsn)
		if err == nil {
			sdb.SetMaxOpenConns(cfg.MaxConnections)
			sdb.SetMaxIdleConns(cfg.IdleConnections)
			sdb.SetConnMaxLifetime(cfg.MaxLifetime)
		}
	case DriverSQLite:
		dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", cfg.Path)
		sdb, err = sqlx.Connect(DriverSQLite, dsn)
		if err == nil {
			// SQLite allows one writer at a time; a single connection
			// queues writes in-process instead of hitting SQLITE_BUSY.
			sdb.SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	s := newStore(sdb, logger, cfg.QueueSize, cfg.Workers)
	s.driver = cfg.Driver
	target := zap.String("database", cfg.Database)
	if cfg.Driver == DriverSQLite {
		target = zap.String("path", cfg.Path)
	}
	logger.Info("Results store initialized",
		zap.String("driver", cfg.Driver),
		target,
		zap.Int("workers", cfg.Workers),
	)
	return s, nil
}

func newStore(sdb *sqlx.DB, logger *zap.Logger, queueSize, workers int) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:         sdb,
		driver:     DriverPostgres,
		logger:     logger.With(zap.String("component", "results_store")),
		writeQueue: make(chan writeRequest, queueSize),
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.workerWg.Add(1)
		go s.writeWorker(i)
	}
	return s
}

var schemaPostgres = []string{
	`CREATE TABLE IF NOT EXISTS eval_results (
		id UUID PRIMARY KEY,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		difficulty TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		alpha_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		role_score_total DOUBLE PRECISION NOT NULL DEFAULT 0,
		macro_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		fundamental_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		execution_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		debate_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1,
		debate_conviction TEXT NOT NULL DEFAULT '',
		lookahead_violations INTEGER NOT NULL DEFAULT 0,
		lookahead_penalty DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		error_message TEXT,
		detail JSONB,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (run_id, task_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_eval_results_run ON eval_results (run_id)`,
	`CREATE TABLE IF NOT EXISTS eval_messages (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		receiver TEXT NOT NULL,
		type TEXT NOT NULL,
		payload JSONB,
		timestamp TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_eval_messages_task ON eval_messages (run_id, task_id)`,
}

// The TIMESTAMP declarations matter: go-sqlite3 only parses stored
// text back into time.Time for columns declared timestamp, datetime
// or date.
var schemaSQLite = []string{
	`CREATE TABLE IF NOT EXISTS eval_results (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		difficulty TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		alpha_score REAL NOT NULL DEFAULT 0,
		role_score_total REAL NOT NULL DEFAULT 0,
		macro_score REAL NOT NULL DEFAULT 0,
		fundamental_score REAL NOT NULL DEFAULT 0,
		execution_score REAL NOT NULL DEFAULT 0,
		debate_multiplier REAL NOT NULL DEFAULT 1,
		debate_conviction TEXT NOT NULL DEFAULT '',
		lookahead_violations INTEGER NOT NULL DEFAULT 0,
		lookahead_penalty REAL NOT NULL DEFAULT 0,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		error_message TEXT,
		detail TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (run_id, task_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_eval_results_run ON eval_results (run_id)`,
	`CREATE TABLE IF NOT EXISTS eval_messages (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		receiver TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT,
		timestamp TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_eval_messages_task ON eval_messages (run_id, task_id)`,
}

// EnsureSchema creates the tables if they do not exist. lib/pq runs
// one statement per round trip, so each is executed separately.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := schemaPostgres
	if s.driver == DriverSQLite {
		stmts = schemaSQLite
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveResult writes one outcome row, replacing any previous row for
// the same (run, task) pair.
func (s *Store) SaveResult(ctx context.Context, rec *EvalRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO eval_results (
			id, run_id, task_id, agent_id, category, difficulty, status,
			alpha_score, role_score_total, macro_score, fundamental_score, execution_score,
			debate_multiplier, debate_conviction, lookahead_violations, lookahead_penalty,
			total_cost_usd, error_message, detail, started_at, completed_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)
		ON CONFLICT (run_id, task_id) DO UPDATE SET
			status = EXCLUDED.status,
			alpha_score = EXCLUDED.alpha_score,
			role_score_total = EXCLUDED.role_score_total,
			macro_score = EXCLUDED.macro_score,
			fundamental_score = EXCLUDED.fundamental_score,
			execution_score = EXCLUDED.execution_score,
			debate_multiplier = EXCLUDED.debate_multiplier,
			debate_conviction = EXCLUDED.debate_conviction,
			lookahead_violations = EXCLUDED.lookahead_violations,
			lookahead_penalty = EXCLUDED.lookahead_penalty,
			total_cost_usd = EXCLUDED.total_cost_usd,
			error_message = EXCLUDED.error_message,
			detail = EXCLUDED.detail,
			completed_at = EXCLUDED.completed_at
		RETURNING id`

	err := s.db.QueryRowxContext(ctx, query,
		rec.ID, rec.RunID, rec.TaskID, rec.AgentID, rec.Category, rec.Difficulty, rec.Status,
		rec.AlphaScore, rec.RoleScoreTotal, rec.MacroScore, rec.FundamentalScore, rec.ExecutionScore,
		rec.DebateMultiplier, rec.DebateConviction, rec.LookaheadViolations, rec.LookaheadPenalty,
		rec.TotalCostUSD, rec.ErrorMessage, rec.Detail, rec.StartedAt, rec.CompletedAt, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// SaveMessage appends one protocol message. Redelivered messages are
// no-ops because the message ID is the primary key.
func (s *Store) SaveMessage(ctx context.Context, msg *MessageLog) error {
	if msg == nil {
		return nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO eval_messages (
			id, run_id, task_id, sender, receiver, type, payload, timestamp, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.RunID, msg.TaskID, msg.Sender, msg.Receiver, msg.Type, msg.Payload, msg.Timestamp, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// EnqueueResult queues an outcome row for async write. A full queue
// writes synchronously instead of dropping the row.
func (s *Store) EnqueueResult(rec *EvalRecord, callback func(error)) {
	s.enqueue(writeRequest{result: rec, callback: callback})
}

// EnqueueMessage queues an audit message for async write.
func (s *Store) EnqueueMessage(msg *MessageLog) {
	if msg == nil {
		return
	}
	s.enqueue(writeRequest{message: msg})
}

func (s *Store) enqueue(req writeRequest) {
	select {
	case s.writeQueue <- req:
		metrics.ResultWriteQueueDepth.Set(float64(len(s.writeQueue)))
	default:
		s.logger.Warn("Write queue full, falling back to synchronous write")
		s.processWrite(req)
	}
}

func (s *Store) writeWorker(id int) {
	defer s.workerWg.Done()
	for {
		select {
		case <-s.stopCh:
			s.drainQueue()
			s.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-s.writeQueue:
			s.processWrite(req)
			metrics.ResultWriteQueueDepth.Set(float64(len(s.writeQueue)))
		}
	}
}

func (s *Store) processWrite(req writeRequest) {
	var err error
	switch {
	case req.result != nil:
		err = s.SaveResult(context.Background(), req.result)
	case req.message != nil:
		err = s.SaveMessage(context.Background(), req.message)
	}

	if req.callback != nil {
		req.callback(err)
	}
	if err != nil {
		metrics.ResultWrites.WithLabelValues("error").Inc()
		s.logger.Error("Failed to process write request", zap.Error(err))
		return
	}
	metrics.ResultWrites.WithLabelValues("ok").Inc()
}

// drainQueue processes remaining requests during shutdown.
func (s *Store) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-s.writeQueue:
			s.processWrite(req)
		case <-timeout:
			s.logger.Warn("Timeout draining write queue",
				zap.Int("remaining", len(s.writeQueue)))
			return
		default:
			return
		}
	}
}

const evalRecordColumns = `id, run_id, task_id, agent_id, category, difficulty, status,
	alpha_score, role_score_total, macro_score, fundamental_score, execution_score,
	debate_multiplier, debate_conviction, lookahead_violations, lookahead_penalty,
	total_cost_usd, error_message, detail, started_at, completed_at, created_at`

// GetRunResults returns every outcome row for a run in write order.
func (s *Store) GetRunResults(ctx context.Context, runID string) ([]*EvalRecord, error) {
	var records []*EvalRecord
	query := `SELECT ` + evalRecordColumns + ` FROM eval_results WHERE run_id = $1 ORDER BY created_at`
	if err := s.db.SelectContext(ctx, &records, query, runID); err != nil {
		return nil, fmt.Errorf("load run results: %w", err)
	}
	return records, nil
}

// GetTaskMessages returns the persisted audit trail for one task.
func (s *Store) GetTaskMessages(ctx context.Context, runID, taskID string) ([]*MessageLog, error) {
	var msgs []*MessageLog
	query := `SELECT id, run_id, task_id, sender, receiver, type, payload, timestamp, created_at
		FROM eval_messages WHERE run_id = $1 AND task_id = $2 ORDER BY timestamp`
	if err := s.db.SelectContext(ctx, &msgs, query, runID, taskID); err != nil {
		return nil, fmt.Errorf("load task messages: %w", err)
	}
	return msgs, nil
}

// LeaderboardRow aggregates one agent's scored results.
type LeaderboardRow struct {
	AgentID      string  `db:"agent_id"`
	Tasks        int     `db:"tasks"`
	MeanAlpha    float64 `db:"mean_alpha"`
	TotalCostUSD float64 `db:"total_cost_usd"`
}

// Leaderboard ranks agents by mean alpha across their scored tasks.
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]*LeaderboardRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []*LeaderboardRow
	query := `SELECT agent_id, COUNT(*) AS tasks, AVG(alpha_score) AS mean_alpha,
			SUM(total_cost_usd) AS total_cost_usd
		FROM eval_results WHERE status = 'scored'
		GROUP BY agent_id ORDER BY mean_alpha DESC LIMIT $1`
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("load leaderboard: %w", err)
	}
	return rows, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close drains the write queue and closes the connection pool.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.workerWg.Wait()
		err = s.db.Close()
	})
	return err
}
