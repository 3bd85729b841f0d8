package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/config"
	"github.com/agentbeats/fabench/internal/datasets"
	"github.com/agentbeats/fabench/internal/db"
	"github.com/agentbeats/fabench/internal/evaluation"
	"github.com/agentbeats/fabench/internal/models"
	"github.com/agentbeats/fabench/internal/results"
	"github.com/agentbeats/fabench/internal/session"
)

// EvalRequest starts one benchmark run against a candidate agent.
type EvalRequest struct {
	RunID           string   `json:"run_id,omitempty"`
	ParticipantID   string   `json:"participant_id"`
	ParticipantName string   `json:"participant_name"`
	Endpoint        string   `json:"endpoint"`
	Dataset         string   `json:"dataset,omitempty"`
	SimulationDate  string   `json:"simulation_date,omitempty"`
	ConductDebate   *bool    `json:"conduct_debate,omitempty"`
	Concurrency     int      `json:"concurrency,omitempty"`
	Difficulty      []string `json:"difficulty,omitempty"`
	Limit           int      `json:"limit,omitempty"`
}

// EvalResponse is the synchronous result of a run: the summary
// statistics plus the full results document.
type EvalResponse struct {
	RunID    string            `json:"run_id"`
	Summary  results.Summary   `json:"summary"`
	Document *results.Document `json:"document"`
}

// EvaluateDeps wires the evaluation API to the engine. Runner is
// required; Sessions, Store, and Formatter degrade gracefully when
// nil.
type EvaluateDeps struct {
	Runner    *evaluation.Runner
	Sessions  *session.Manager
	Store     *db.Store
	Formatter *results.Formatter
}

// EvaluateHandler serves the evaluation API: starting runs and
// reading back their records.
type EvaluateHandler struct {
	deps    EvaluateDeps
	evalCfg config.EvaluationConfig
	logger  *zap.Logger
}

func NewEvaluateHandler(deps EvaluateDeps, evalCfg config.EvaluationConfig, logger *zap.Logger) *EvaluateHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvaluateHandler{
		deps:    deps,
		evalCfg: evalCfg,
		logger:  logger.With(zap.String("component", "httpapi")),
	}
}

// RegisterRoutes registers the evaluation API on the provided mux.
func (h *EvaluateHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/evaluate", h.handleEvaluate)
	mux.HandleFunc("/runs", h.handleGetRun)
	mux.HandleFunc("/results", h.handleResults)
	mux.HandleFunc("/leaderboard", h.handleLeaderboard)
}

// handleEvaluate runs a full benchmark batch and answers with the
// results document once every task has settled.
// POST /evaluate
func (h *EvaluateHandler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req EvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ParticipantID == "" || req.ParticipantName == "" || req.Endpoint == "" {
		http.Error(w, `{"error":"participant_id, participant_name and endpoint are required"}`, http.StatusBadRequest)
		return
	}

	simDate, err := h.simulationDate(req.SimulationDate)
	if err != nil {
		http.Error(w, `{"error":"`+sanitizeErr(err.Error())+`"}`, http.StatusBadRequest)
		return
	}

	source, err := h.source(req.Dataset, simDate)
	if err != nil {
		http.Error(w, `{"error":"`+sanitizeErr(err.Error())+`"}`, http.StatusBadRequest)
		return
	}
	tasks, err := source.Load(r.Context())
	if err != nil {
		h.logger.Warn("Dataset load failed", zap.String("dataset", source.Name()), zap.Error(err))
		http.Error(w, `{"error":"`+sanitizeErr(err.Error())+`"}`, http.StatusBadRequest)
		return
	}
	tasks = filterTasks(tasks, req.Difficulty, req.Limit)
	if len(tasks) == 0 {
		http.Error(w, `{"error":"no tasks matched the request"}`, http.StatusBadRequest)
		return
	}

	conductDebate := h.evalCfg.ConductDebate
	if req.ConductDebate != nil {
		conductDebate = *req.ConductDebate
	}

	runID, err := h.createRun(r, &req, simDate, conductDebate)
	if err != nil {
		h.logger.Error("Run registration failed", zap.Error(err))
		http.Error(w, `{"error":"`+sanitizeErr(err.Error())+`"}`, http.StatusInternalServerError)
		return
	}

	outcomes, err := h.deps.Runner.Run(r.Context(), evaluation.Request{
		RunID:         runID,
		AgentID:       req.ParticipantID,
		AgentName:     req.ParticipantName,
		Endpoint:      req.Endpoint,
		Dataset:       source.Name(),
		ConductDebate: conductDebate,
		Concurrency:   req.Concurrency,
	}, tasks)
	if err != nil {
		h.logger.Error("Batch run failed", zap.String("run_id", runID), zap.Error(err))
		http.Error(w, `{"error":"`+sanitizeErr(err.Error())+`"}`, http.StatusInternalServerError)
		return
	}

	rows := make([]results.Row, len(outcomes))
	for i, outcome := range outcomes {
		rows[i] = results.NewRow(tasks[i], source.Name(), outcome)
	}
	summary := results.Summarize(rows)

	var document *results.Document
	if h.deps.Formatter != nil {
		document = h.deps.Formatter.Format(runID, req.ParticipantID, req.ParticipantName, rows, map[string]any{
			"dataset":         source.Name(),
			"tasks":           len(tasks),
			"conduct_debate":  conductDebate,
			"simulation_date": simDate.Format("2006-01-02"),
		})
		if _, err := h.deps.Formatter.SaveDocument(document); err != nil {
			h.logger.Warn("Results document save failed", zap.String("run_id", runID), zap.Error(err))
		}
		if _, err := h.deps.Formatter.AppendLeaderboard(document); err != nil {
			h.logger.Warn("Leaderboard append failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, EvalResponse{RunID: runID, Summary: summary, Document: document})
}

// handleGetRun reads one run record from the registry.
// GET /runs?run_id=<id>
func (h *EvaluateHandler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Sessions == nil {
		http.Error(w, `{"error":"run registry disabled"}`, http.StatusServiceUnavailable)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, `{"error":"run_id required"}`, http.StatusBadRequest)
		return
	}
	run, err := h.deps.Sessions.GetRun(r.Context(), runID)
	if err != nil {
		http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// resultView is the API shape of one persisted evaluation row.
type resultView struct {
	TaskID           string  `json:"task_id"`
	AgentID          string  `json:"agent_id"`
	Category         string  `json:"category"`
	Difficulty       string  `json:"difficulty"`
	Status           string  `json:"status"`
	AlphaScore       float64 `json:"alpha_score"`
	RoleScoreTotal   float64 `json:"role_score_total"`
	DebateMultiplier float64 `json:"debate_multiplier"`
	LookaheadPenalty float64 `json:"lookahead_penalty"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
	Error            *string `json:"error,omitempty"`
}

// handleResults reads the persisted rows of one run.
// GET /results?run_id=<id>
func (h *EvaluateHandler) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Store == nil {
		http.Error(w, `{"error":"results store disabled"}`, http.StatusServiceUnavailable)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, `{"error":"run_id required"}`, http.StatusBadRequest)
		return
	}
	records, err := h.deps.Store.GetRunResults(r.Context(), runID)
	if err != nil {
		h.logger.Warn("Results read failed", zap.String("run_id", runID), zap.Error(err))
		http.Error(w, `{"error":"results read failed"}`, http.StatusInternalServerError)
		return
	}
	views := make([]resultView, len(records))
	for i, rec := range records {
		views[i] = resultView{
			TaskID:           rec.TaskID,
			AgentID:          rec.AgentID,
			Category:         rec.Category,
			Difficulty:       rec.Difficulty,
			Status:           rec.Status,
			AlphaScore:       rec.AlphaScore,
			RoleScoreTotal:   rec.RoleScoreTotal,
			DebateMultiplier: rec.DebateMultiplier,
			LookaheadPenalty: rec.LookaheadPenalty,
			TotalCostUSD:     rec.TotalCostUSD,
			Error:            rec.ErrorMessage,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run_id": runID, "results": views})
}

// handleLeaderboard ranks agents by mean alpha over their scored
// tasks.
// GET /leaderboard?limit=<n>
func (h *EvaluateHandler) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Store == nil {
		http.Error(w, `{"error":"results store disabled"}`, http.StatusServiceUnavailable)
		return
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		limit, _ = strconv.Atoi(q)
	}
	rows, err := h.deps.Store.Leaderboard(r.Context(), limit)
	if err != nil {
		h.logger.Warn("Leaderboard read failed", zap.Error(err))
		http.Error(w, `{"error":"leaderboard read failed"}`, http.StatusInternalServerError)
		return
	}
	type entry struct {
		AgentID      string  `json:"agent_id"`
		Tasks        int     `json:"tasks"`
		MeanAlpha    float64 `json:"mean_alpha"`
		TotalCostUSD float64 `json:"total_cost_usd"`
	}
	entries := make([]entry, len(rows))
	for i, row := range rows {
		entries[i] = entry{AgentID: row.AgentID, Tasks: row.Tasks, MeanAlpha: row.MeanAlpha, TotalCostUSD: row.TotalCostUSD}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"leaderboard": entries})
}

func (h *EvaluateHandler) simulationDate(raw string) (time.Time, error) {
	if raw == "" {
		return h.evalCfg.EffectiveSimulationDate(time.Now())
	}
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse simulation_date %q: %w", raw, err)
	}
	return d, nil
}

// source resolves the dataset selector: "demo" (or blank) for the
// bundled task, a .csv path for finance datasets, a .json or .jsonl
// path for synthetic question dumps.
func (h *EvaluateHandler) source(selector string, simDate time.Time) (datasets.Source, error) {
	switch {
	case selector == "" || selector == "demo":
		return datasets.NewStaticSource("demo", datasets.Demo()), nil
	case strings.HasSuffix(selector, ".csv"):
		return datasets.NewCSVSource(selector, simDate, h.logger), nil
	case strings.HasSuffix(selector, ".json") || strings.HasSuffix(selector, ".jsonl"):
		return datasets.NewSyntheticSource(selector, simDate, h.logger), nil
	default:
		return nil, fmt.Errorf("unknown dataset %q", selector)
	}
}

// createRun registers the run before any task starts so stream
// consumers can find it immediately. Without a registry the engine
// still mints an ID; only the record is skipped.
func (h *EvaluateHandler) createRun(r *http.Request, req *EvalRequest, simDate time.Time, conductDebate bool) (string, error) {
	if h.deps.Sessions == nil {
		if req.RunID != "" {
			return req.RunID, nil
		}
		return uuid.New().String(), nil
	}

	var (
		run *session.Run
		err error
	)
	if req.RunID != "" {
		run, err = h.deps.Sessions.CreateRunWithID(r.Context(), req.RunID, req.ParticipantID, req.Endpoint, nil)
	} else {
		run, err = h.deps.Sessions.CreateRun(r.Context(), req.ParticipantID, req.Endpoint, nil)
	}
	if err != nil {
		return "", err
	}
	run.Source = "api"
	run.SimulationDate = simDate
	run.ConductDebate = conductDebate
	if err := h.deps.Sessions.UpdateRun(r.Context(), run); err != nil {
		h.logger.Warn("Run detail update failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	return run.ID, nil
}

func filterTasks(tasks []*models.Task, difficulties []string, limit int) []*models.Task {
	if len(difficulties) > 0 {
		keep := make(map[models.TaskDifficulty]struct{}, len(difficulties))
		for _, d := range difficulties {
			keep[models.ParseTaskDifficulty(d)] = struct{}{}
		}
		filtered := tasks[:0:0]
		for _, t := range tasks {
			if _, ok := keep[t.Difficulty]; ok {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks
}
