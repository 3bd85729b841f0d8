package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func redisManager(t *testing.T, mr *miniredis.Miniredis, ttl time.Duration) *Manager {
	t.Helper()
	m := NewManager(Options{RedisAddr: mr.Addr(), TTL: ttl}, zap.NewNop())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestRunRoundtripThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	m1 := redisManager(t, mr, 0)
	if !m1.Persistent() {
		t.Fatal("expected registry to connect to redis")
	}

	created, err := m1.CreateRun(ctx, "fin-agent", "http://agent:9100/a2a", map[string]interface{}{"source": "demo"})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if created.Status != StatusPending {
		t.Fatalf("new run status = %s, want %s", created.Status, StatusPending)
	}

	// A second manager has an empty local cache, so this read must
	// come back through Redis.
	m2 := redisManager(t, mr, 0)
	loaded, err := m2.GetRun(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetRun via redis failed: %v", err)
	}
	if loaded.AgentID != "fin-agent" || loaded.AgentEndpoint != "http://agent:9100/a2a" {
		t.Fatalf("loaded run lost fields: %+v", loaded)
	}
	if loaded.Metadata["source"] != "demo" {
		t.Fatalf("loaded run lost metadata: %v", loaded.Metadata)
	}
}

func TestCreateRunWithIDGuardsAgentIdentity(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	m := redisManager(t, mr, 0)

	first, err := m.CreateRunWithID(ctx, "run-1", "agent-a", "http://a/a2a", nil)
	if err != nil {
		t.Fatalf("CreateRunWithID failed: %v", err)
	}
	if first.ID != "run-1" {
		t.Fatalf("run ID = %s, want run-1", first.ID)
	}

	// Same agent re-registering gets the existing record back.
	again, err := m.CreateRunWithID(ctx, "run-1", "agent-a", "http://a/a2a", nil)
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if again.ID != "run-1" || again.CreatedAt != first.CreatedAt {
		t.Fatal("expected the existing run to be returned unchanged")
	}

	// A different agent claiming the same ID gets a fresh one.
	other, err := m.CreateRunWithID(ctx, "run-1", "agent-b", "http://b/a2a", nil)
	if err != nil {
		t.Fatalf("cross-agent register failed: %v", err)
	}
	if other.ID == "run-1" {
		t.Fatal("expected a fresh run ID for a different agent")
	}
	if other.AgentID != "agent-b" {
		t.Fatalf("new run agent = %s, want agent-b", other.AgentID)
	}
}

func TestInProcessFallback(t *testing.T) {
	ctx := context.Background()

	// Port 1 refuses connections, so the registry must downgrade.
	m := NewManager(Options{RedisAddr: "127.0.0.1:1"}, zap.NewNop())
	if m.Persistent() {
		t.Fatal("expected in-process mode when redis is unreachable")
	}

	run, err := m.CreateRun(ctx, "fin-agent", "http://agent/a2a", nil)
	if err != nil {
		t.Fatalf("CreateRun in fallback mode failed: %v", err)
	}
	got, err := m.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun in fallback mode failed: %v", err)
	}
	if got.ID != run.ID {
		t.Fatalf("got run %s, want %s", got.ID, run.ID)
	}

	if _, err := m.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("missing run error = %v, want ErrRunNotFound", err)
	}
}

func TestMarkStatusLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	m := redisManager(t, mr, 0)

	run, err := m.CreateRun(ctx, "fin-agent", "http://agent/a2a", nil)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	run, err = m.MarkStatus(ctx, run.ID, StatusRunning)
	if err != nil {
		t.Fatalf("MarkStatus running failed: %v", err)
	}
	if run.StartedAt.IsZero() {
		t.Fatal("expected StartedAt to be stamped")
	}
	if run.Status.Terminal() {
		t.Fatal("running must not be terminal")
	}

	if _, err := m.RecordTaskOutcome(ctx, run.ID, false, 0.42); err != nil {
		t.Fatalf("RecordTaskOutcome failed: %v", err)
	}
	run, err = m.RecordTaskOutcome(ctx, run.ID, true, 0.08)
	if err != nil {
		t.Fatalf("RecordTaskOutcome failed: %v", err)
	}
	if run.TasksCompleted != 1 || run.TasksFailed != 1 {
		t.Fatalf("task counters = %d/%d, want 1/1", run.TasksCompleted, run.TasksFailed)
	}
	if run.TotalCostUSD < 0.49 || run.TotalCostUSD > 0.51 {
		t.Fatalf("total cost = %v, want 0.50", run.TotalCostUSD)
	}

	run, err = m.MarkStatus(ctx, run.ID, StatusCompleted)
	if err != nil {
		t.Fatalf("MarkStatus completed failed: %v", err)
	}
	if run.CompletedAt.IsZero() || !run.Status.Terminal() {
		t.Fatalf("completed run not terminal: %+v", run)
	}
}

func TestExpiredRunIsEvicted(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	m := redisManager(t, mr, 30*time.Millisecond)

	run, err := m.CreateRun(ctx, "fin-agent", "http://agent/a2a", nil)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mr.FastForward(time.Hour)

	if _, err := m.GetRun(ctx, run.ID); !errors.Is(err, ErrRunExpired) {
		t.Fatalf("expired run error = %v, want ErrRunExpired", err)
	}
	// Eviction removed the record entirely.
	if _, err := m.GetRun(ctx, run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("post-eviction error = %v, want ErrRunNotFound", err)
	}
}

func TestListActiveRuns(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	m := redisManager(t, mr, 0)

	a, err := m.CreateRun(ctx, "agent-a", "http://a/a2a", nil)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	b, err := m.CreateRun(ctx, "agent-b", "http://b/a2a", nil)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if _, err := m.MarkStatus(ctx, b.ID, StatusCompleted); err != nil {
		t.Fatalf("MarkStatus failed: %v", err)
	}

	active, err := m.ListActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ListActiveRuns failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("active runs = %+v, want only %s", active, a.ID)
	}

	// A fresh manager sees the same picture through Redis alone.
	m2 := redisManager(t, mr, 0)
	active, err = m2.ListActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ListActiveRuns via redis failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("active runs via redis = %+v, want only %s", active, a.ID)
	}
}

func TestCleanupExpired(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	m := redisManager(t, mr, 30*time.Millisecond)

	if _, err := m.CreateRun(ctx, "agent-a", "http://a/a2a", nil); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if _, err := m.CreateRun(ctx, "agent-b", "http://b/a2a", nil); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	cleaned, err := m.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if cleaned != 2 {
		t.Fatalf("cleaned = %d, want 2", cleaned)
	}
	active, err := m.ListActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ListActiveRuns failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active runs after cleanup, got %d", len(active))
	}
}
