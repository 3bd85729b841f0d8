// Package session keeps the registry of evaluation runs. Records live
// in Redis so a restarted engine can pick up run state; when Redis is
// unreachable the registry degrades to in-process maps and run state
// lives only as long as the engine does.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/metrics"
)

// Options configures the run registry.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

// Manager is the run registry.
type Manager struct {
	client *redis.Client // nil when running in-process only
	logger *zap.Logger
	ttl    time.Duration

	mu    sync.RWMutex
	local map[string]*Run
}

// NewManager connects to Redis and returns the registry. An
// unreachable Redis is not fatal: the registry switches to in-process
// mode and logs the downgrade.
func NewManager(opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "run_registry"))

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	m := &Manager{
		logger: logger,
		ttl:    ttl,
		local:  make(map[string]*Run),
	}

	if opts.RedisAddr == "" {
		logger.Info("Run registry running in-process only")
		return m
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.RedisAddr,
		Password:     opts.RedisPassword,
		DB:           opts.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable, run registry running in-process only",
			zap.String("addr", opts.RedisAddr),
			zap.Error(err))
		_ = client.Close()
		return m
	}

	m.client = client
	logger.Info("Run registry connected to Redis", zap.String("addr", opts.RedisAddr))
	return m
}

// Persistent reports whether run records survive an engine restart.
func (m *Manager) Persistent() bool { return m.client != nil }

// Ping checks Redis connectivity. In-process registries are always
// reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Ping(ctx).Err()
}

// CreateRun registers a new run with a generated ID.
func (m *Manager) CreateRun(ctx context.Context, agentID, endpoint string, metadata map[string]interface{}) (*Run, error) {
	return m.CreateRunWithID(ctx, uuid.New().String(), agentID, endpoint, metadata)
}

// CreateRunWithID registers a run under a caller-chosen ID. If a run
// with that ID already exists for the same agent it is returned
// unchanged; if it belongs to a different agent a fresh ID is
// generated instead so one agent cannot take over another's run.
func (m *Manager) CreateRunWithID(ctx context.Context, runID, agentID, endpoint string, metadata map[string]interface{}) (*Run, error) {
	if existing, err := m.GetRun(ctx, runID); err == nil {
		if existing.AgentID != agentID {
			m.logger.Warn("Run ID already registered to another agent, generating new ID",
				zap.String("requested_run_id", runID),
				zap.String("requesting_agent", agentID),
				zap.String("existing_agent", existing.AgentID))
			return m.CreateRun(ctx, agentID, endpoint, metadata)
		}
		return existing, nil
	}

	now := time.Now()
	run := &Run{
		ID:            runID,
		AgentID:       agentID,
		AgentEndpoint: endpoint,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
		Metadata:      metadata,
	}

	if err := m.save(ctx, run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}

	m.mu.Lock()
	m.local[run.ID] = run
	m.mu.Unlock()

	m.logger.Info("Registered run",
		zap.String("run_id", run.ID),
		zap.String("agent_id", agentID))
	metrics.RunsCreated.Inc()
	metrics.RunsActive.Inc()
	return run, nil
}

// GetRun retrieves a run by ID.
func (m *Manager) GetRun(ctx context.Context, runID string) (*Run, error) {
	m.mu.RLock()
	run, ok := m.local[runID]
	m.mu.RUnlock()
	if ok {
		if run.IsExpired() {
			_ = m.DeleteRun(ctx, runID)
			return nil, ErrRunExpired
		}
		return run, nil
	}

	if m.client == nil {
		return nil, ErrRunNotFound
	}

	data, err := m.client.Get(ctx, runKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, ErrRunNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	var loaded Run
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	if loaded.IsExpired() {
		_ = m.DeleteRun(ctx, runID)
		return nil, ErrRunExpired
	}

	m.mu.Lock()
	m.local[runID] = &loaded
	m.mu.Unlock()
	return &loaded, nil
}

// UpdateRun persists the run after the caller mutated it.
func (m *Manager) UpdateRun(ctx context.Context, run *Run) error {
	if run == nil {
		return fmt.Errorf("run is nil")
	}
	run.UpdatedAt = time.Now()

	if err := m.save(ctx, run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	m.mu.Lock()
	m.local[run.ID] = run
	m.mu.Unlock()
	return nil
}

// MarkStatus moves a run to a new status, stamping start and
// completion times and releasing the active-run gauge on terminal
// transitions.
func (m *Manager) MarkStatus(ctx context.Context, runID string, status RunStatus) (*Run, error) {
	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	wasTerminal := run.Status.Terminal()
	run.Status = status
	switch status {
	case StatusRunning:
		if run.StartedAt.IsZero() {
			run.StartedAt = time.Now()
		}
	case StatusCompleted, StatusFailed, StatusCancelled:
		if run.CompletedAt.IsZero() {
			run.CompletedAt = time.Now()
		}
	}
	if err := m.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	if status.Terminal() && !wasTerminal {
		metrics.RunsActive.Dec()
	}
	m.logger.Info("Run status changed",
		zap.String("run_id", runID),
		zap.String("status", string(status)))
	return run, nil
}

// RecordTaskOutcome folds one task's result into the run counters.
func (m *Manager) RecordTaskOutcome(ctx context.Context, runID string, failed bool, costUSD float64) (*Run, error) {
	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if failed {
		run.TasksFailed++
	} else {
		run.TasksCompleted++
	}
	run.TotalCostUSD += costUSD
	if err := m.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// DeleteRun removes a run record.
func (m *Manager) DeleteRun(ctx context.Context, runID string) error {
	if m.client != nil {
		if err := m.client.Del(ctx, runKey(runID)).Err(); err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
	}
	m.mu.Lock()
	if run, ok := m.local[runID]; ok && !run.Status.Terminal() {
		metrics.RunsActive.Dec()
	}
	delete(m.local, runID)
	m.mu.Unlock()
	return nil
}

// ListActiveRuns returns runs that have not reached a terminal state.
func (m *Manager) ListActiveRuns(ctx context.Context) ([]*Run, error) {
	seen := make(map[string]bool)
	var runs []*Run

	m.mu.RLock()
	for id, run := range m.local {
		if !run.Status.Terminal() && !run.IsExpired() {
			runs = append(runs, run)
			seen[id] = true
		}
	}
	m.mu.RUnlock()

	if m.client == nil {
		return runs, nil
	}

	iter := m.client.Scan(ctx, 0, "run:*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := m.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var run Run
		if err := json.Unmarshal(data, &run); err != nil {
			continue
		}
		if seen[run.ID] || run.Status.Terminal() || run.IsExpired() {
			continue
		}
		runs = append(runs, &run)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan runs: %w", err)
	}
	return runs, nil
}

// CleanupExpired removes expired run records and returns the count.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	var expired []string
	m.mu.Lock()
	for id, run := range m.local {
		if run.IsExpired() {
			if !run.Status.Terminal() {
				metrics.RunsActive.Dec()
			}
			delete(m.local, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	cleaned := len(expired)
	if m.client != nil {
		for _, id := range expired {
			_ = m.client.Del(ctx, runKey(id)).Err()
		}

		// Records left behind by other engine instances.
		iter := m.client.Scan(ctx, 0, "run:*", 0).Iterator()
		for iter.Next(ctx) {
			data, err := m.client.Get(ctx, iter.Val()).Bytes()
			if err != nil {
				continue
			}
			var run Run
			if err := json.Unmarshal(data, &run); err != nil {
				continue
			}
			if run.IsExpired() {
				if err := m.client.Del(ctx, iter.Val()).Err(); err == nil {
					cleaned++
				}
			}
		}
		if err := iter.Err(); err != nil {
			return cleaned, fmt.Errorf("scan runs: %w", err)
		}
	}

	if cleaned > 0 {
		m.logger.Info("Cleaned up expired runs", zap.Int("count", cleaned))
	}
	return cleaned, nil
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

func runKey(runID string) string {
	return fmt.Sprintf("run:%s", runID)
}

func (m *Manager) save(ctx context.Context, run *Run) error {
	if m.client == nil {
		return nil
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	ttl := time.Until(run.ExpiresAt)
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.client.Set(ctx, runKey(run.ID), data, ttl).Err()
}
