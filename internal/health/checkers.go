package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/db"
	"github.com/agentbeats/fabench/internal/session"
)

// RegistryChecker checks the run registry. An in-process registry is
// always healthy; a Redis-backed one is pinged.
type RegistryChecker struct {
	sessions *session.Manager
	logger   *zap.Logger
	timeout  time.Duration
}

func NewRegistryChecker(sessions *session.Manager, logger *zap.Logger) *RegistryChecker {
	return &RegistryChecker{sessions: sessions, logger: logger, timeout: 5 * time.Second}
}

func (r *RegistryChecker) Name() string           { return "run_registry" }
func (r *RegistryChecker) IsCritical() bool       { return true }
func (r *RegistryChecker) Timeout() time.Duration { return r.timeout }

func (r *RegistryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "run_registry", Critical: true, Timestamp: start}

	if !r.sessions.Persistent() {
		result.Status = StatusHealthy
		result.Message = "In-process run registry"
		result.Details = map[string]interface{}{"persistent": false}
		return result
	}

	err := r.sessions.Ping(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		return result
	}

	if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}
	result.Details = map[string]interface{}{
		"persistent": true,
		"latency_ms": result.Duration.Milliseconds(),
	}
	return result
}

// StoreChecker checks the results store. Non-critical: the engine
// still evaluates and answers over the API when persistence is down,
// it just stops writing history.
type StoreChecker struct {
	store   *db.Store
	logger  *zap.Logger
	timeout time.Duration
}

func NewStoreChecker(store *db.Store, logger *zap.Logger) *StoreChecker {
	return &StoreChecker{store: store, logger: logger, timeout: 5 * time.Second}
}

func (s *StoreChecker) Name() string           { return "results_store" }
func (s *StoreChecker) IsCritical() bool       { return false }
func (s *StoreChecker) Timeout() time.Duration { return s.timeout }

func (s *StoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "results_store", Critical: false, Timestamp: start}

	err := s.store.Ping(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Database ping failed"
		result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
		return result
	}

	if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Database responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Database healthy"
	}
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	return result
}

// JudgeServiceChecker checks the LLM judge service endpoint.
// Non-critical: dimension scoring falls back to heuristics when the
// judge is unreachable.
type JudgeServiceChecker struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
	timeout time.Duration
}

func NewJudgeServiceChecker(baseURL string, logger *zap.Logger) *JudgeServiceChecker {
	timeout := 5 * time.Second
	return &JudgeServiceChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		timeout: timeout,
	}
}

func (j *JudgeServiceChecker) Name() string           { return "judge_service" }
func (j *JudgeServiceChecker) IsCritical() bool       { return false }
func (j *JudgeServiceChecker) Timeout() time.Duration { return j.timeout }

func (j *JudgeServiceChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "judge_service", Critical: false, Timestamp: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.baseURL+"/health", nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Judge service URL invalid"
		return result
	}
	resp, err := j.client.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Judge service unreachable, heuristic fallback active"
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Judge service returned %d", resp.StatusCode)
	} else if resp.StatusCode >= 400 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Judge service returned %d", resp.StatusCode)
	} else {
		result.Status = StatusHealthy
		result.Message = "Judge service healthy"
	}
	result.Details = map[string]interface{}{
		"base_url":   j.baseURL,
		"latency_ms": result.Duration.Milliseconds(),
	}
	return result
}

// FuncChecker wraps a plain function as a checker, for one-off checks
// wired in main.
type FuncChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

func NewFuncChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *FuncChecker {
	return &FuncChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *FuncChecker) Name() string           { return c.name }
func (c *FuncChecker) IsCritical() bool       { return c.critical }
func (c *FuncChecker) Timeout() time.Duration { return c.timeout }

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
