package db

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/models"
)

// mockStore returns a store over a sqlmock connection. Workers is 0
// for synchronous tests so nothing races the expectations.
func mockStore(t *testing.T, workers int) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	sdb := sqlx.NewDb(db, "postgres")
	return newStore(sdb, zap.NewNop(), 4, workers), mock
}

func sampleRecord() *EvalRecord {
	return &EvalRecord{
		RunID:            "run-1",
		TaskID:           "nvda-q3",
		AgentID:          "fin-agent",
		Category:         "beat_or_miss",
		Difficulty:       "medium",
		Status:           "scored",
		AlphaScore:       7.42,
		RoleScoreTotal:   86.1,
		MacroScore:       82.5,
		FundamentalScore: 91.0,
		ExecutionScore:   80.0,
		DebateMultiplier: 1.1,
		DebateConviction: "strong",
		TotalCostUSD:     0.18,
		Detail:           JSONB{"feedback": "solid"},
		StartedAt:        time.Now(),
	}
}

func TestSaveResultUpserts(t *testing.T) {
	store, mock := mockStore(t, 0)
	rec := sampleRecord()

	returned := uuid.New()
	mock.ExpectQuery("INSERT INTO eval_results").
		WithArgs(
			sqlmock.AnyArg(), "run-1", "nvda-q3", "fin-agent", "beat_or_miss", "medium", "scored",
			7.42, 86.1, 82.5, 91.0, 80.0,
			1.1, "strong", 0, 0.0,
			0.18, nil, sqlmock.AnyArg(), sqlmock.AnyArg(), nil, sqlmock.AnyArg(),
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(returned.String()))

	if err := store.SaveResult(context.Background(), rec); err != nil {
		t.Fatalf("SaveResult failed: %v", err)
	}
	if rec.ID != returned {
		t.Fatalf("record ID = %s, want the returned row ID %s", rec.ID, returned)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be stamped")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveMessage(t *testing.T) {
	store, mock := mockStore(t, 0)

	msg := MessageFromA2A("run-1", "nvda-q3", &models.A2AMessage{
		ID:       "msg-1",
		Sender:   "green-orchestrator",
		Receiver: "fin-agent",
		Type:     models.MessageTypeTaskAssignment,
		Payload:  map[string]interface{}{"task_id": "nvda-q3"},
	})

	mock.ExpectExec("INSERT INTO eval_messages").
		WithArgs("msg-1", "run-1", "nvda-q3", "green-orchestrator", "fin-agent",
			string(models.MessageTypeTaskAssignment), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.SaveMessage(context.Background(), msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if msg.Timestamp.IsZero() || msg.CreatedAt.IsZero() {
		t.Fatal("expected timestamps to be stamped")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnqueueResultWritesAsync(t *testing.T) {
	store, mock := mockStore(t, 1)

	mock.ExpectQuery("INSERT INTO eval_results").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New().String()))

	done := make(chan error, 1)
	store.EnqueueResult(sampleRecord(), func(err error) { done <- err })

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("async write failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("async write never completed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnqueueFallsBackToSyncWhenQueueFull(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	// Capacity one and no workers: the first request parks in the
	// queue, the second must execute inline.
	sdb := sqlx.NewDb(db, "postgres")
	store := newStore(sdb, zap.NewNop(), 1, 0)

	store.EnqueueResult(sampleRecord(), nil)

	mock.ExpectQuery("INSERT INTO eval_results").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New().String()))

	done := make(chan error, 1)
	store.EnqueueResult(sampleRecord(), func(err error) { done <- err })

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("fallback write failed: %v", err)
		}
	default:
		t.Fatal("expected the fallback write to complete synchronously")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetRunResults(t *testing.T) {
	store, mock := mockStore(t, 0)

	cols := []string{
		"id", "run_id", "task_id", "agent_id", "category", "difficulty", "status",
		"alpha_score", "role_score_total", "macro_score", "fundamental_score", "execution_score",
		"debate_multiplier", "debate_conviction", "lookahead_violations", "lookahead_penalty",
		"total_cost_usd", "error_message", "detail", "started_at", "completed_at", "created_at",
	}
	now := time.Now()
	rows := sqlmock.NewRows(cols).
		AddRow(uuid.New().String(), "run-1", "t1", "fin-agent", "beat_or_miss", "easy", "scored",
			8.1, 90.0, 88.0, 95.0, 85.0, 1.2, "unshaken", 0, 0.0,
			0.12, nil, []byte(`{"feedback":"solid"}`), now, now, now).
		AddRow(uuid.New().String(), "run-1", "t2", "fin-agent", "macro_analysis", "hard", "failed",
			0.0, 0.0, 0.0, 0.0, 0.0, 1.0, "", 0, 0.0,
			0.05, "response timed out", nil, now, nil, now)

	mock.ExpectQuery("SELECT (.+) FROM eval_results WHERE run_id").
		WithArgs("run-1").
		WillReturnRows(rows)

	records, err := store.GetRunResults(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRunResults failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].TaskID != "t1" || records[0].Detail["feedback"] != "solid" {
		t.Fatalf("first record mismatched: %+v", records[0])
	}
	if records[1].ErrorMessage == nil || *records[1].ErrorMessage != "response timed out" {
		t.Fatalf("second record lost its error: %+v", records[1])
	}
	if records[1].CompletedAt != nil {
		t.Fatal("failed record should have no completion time")
	}
}

func TestLeaderboard(t *testing.T) {
	store, mock := mockStore(t, 0)

	rows := sqlmock.NewRows([]string{"agent_id", "tasks", "mean_alpha", "total_cost_usd"}).
		AddRow("agent-a", 10, 7.9, 1.23).
		AddRow("agent-b", 10, 6.4, 0.98)

	mock.ExpectQuery("SELECT agent_id, COUNT").
		WithArgs(5).
		WillReturnRows(rows)

	board, err := store.Leaderboard(context.Background(), 5)
	if err != nil {
		t.Fatalf("Leaderboard failed: %v", err)
	}
	if len(board) != 2 || board[0].AgentID != "agent-a" || board[0].MeanAlpha != 7.9 {
		t.Fatalf("leaderboard mismatched: %+v", board)
	}
}

func TestEnsureSchema(t *testing.T) {
	store, mock := mockStore(t, 0)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS eval_results").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_eval_results_run").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS eval_messages").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_eval_messages_task").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNewStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewStore(Config{Driver: "oracle"}, nil)
	if err == nil || !strings.Contains(err.Error(), "unsupported database driver") {
		t.Fatalf("expected an unsupported driver error, got %v", err)
	}
}

// The sqlite store runs the same SQL as Postgres, so this exercises
// the real statements end to end: schema, upsert, audit trail and
// the leaderboard aggregate.
func TestSQLiteRoundTrip(t *testing.T) {
	store, err := NewStore(Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "results.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	first := sampleRecord()
	if err := store.SaveResult(ctx, first); err != nil {
		t.Fatalf("SaveResult failed: %v", err)
	}

	// Same (run, task) pair again: the row is replaced and the
	// original row ID comes back.
	second := sampleRecord()
	second.Status = StatusFailed
	msg := "response timed out"
	second.ErrorMessage = &msg
	if err := store.SaveResult(ctx, second); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert returned ID %s, want the original %s", second.ID, first.ID)
	}

	records, err := store.GetRunResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRunResults failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records after upsert, want 1", len(records))
	}
	got := records[0]
	if got.Status != StatusFailed || got.ErrorMessage == nil || *got.ErrorMessage != msg {
		t.Fatalf("upsert lost the new status: %+v", got)
	}
	if got.Detail["feedback"] != "solid" {
		t.Fatalf("detail did not survive the round trip: %+v", got.Detail)
	}
	if got.StartedAt.IsZero() || got.CreatedAt.IsZero() {
		t.Fatal("timestamps did not survive the round trip")
	}

	a2a := MessageFromA2A("run-1", "nvda-q3", &models.A2AMessage{
		ID:       "msg-1",
		Sender:   "green-orchestrator",
		Receiver: "fin-agent",
		Type:     models.MessageTypeTaskAssignment,
		Payload:  map[string]interface{}{"task_id": "nvda-q3"},
	})
	if err := store.SaveMessage(ctx, a2a); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	msgs, err := store.GetTaskMessages(ctx, "run-1", "nvda-q3")
	if err != nil {
		t.Fatalf("GetTaskMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Payload["task_id"] != "nvda-q3" {
		t.Fatalf("audit trail mismatched: %+v", msgs)
	}

	scored := sampleRecord()
	scored.TaskID = "msft-q2"
	scored.AlphaScore = 9.3
	if err := store.SaveResult(ctx, scored); err != nil {
		t.Fatalf("second SaveResult failed: %v", err)
	}
	board, err := store.Leaderboard(ctx, 10)
	if err != nil {
		t.Fatalf("Leaderboard failed: %v", err)
	}
	// Only the scored row counts; the failed upsert above is excluded.
	if len(board) != 1 || board[0].AgentID != "fin-agent" || board[0].Tasks != 1 {
		t.Fatalf("leaderboard mismatched: %+v", board)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	sdb := sqlx.NewDb(db, "postgres")
	store := newStore(sdb, zap.NewNop(), 8, 1)

	mock.ExpectQuery("INSERT INTO eval_results").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New().String()))
	mock.ExpectClose()

	store.EnqueueResult(sampleRecord(), nil)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
