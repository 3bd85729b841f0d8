package judges

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/models"
	"github.com/agentbeats/fabench/internal/tracing"
)

// HTTPConfig points a judge at an LLM grading service. Temperature is
// pinned to 0 upstream so repeated runs grade identically.
type HTTPConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Provider    string
	Timeout     time.Duration
}

func (c HTTPConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 60 * time.Second
	}
	return c.Timeout
}

type taskPayload struct {
	TaskID         string             `json:"task_id"`
	Question       string             `json:"question"`
	Category       string             `json:"category"`
	Ticker         string             `json:"ticker"`
	SimulationDate string             `json:"simulation_date"`
	GroundTruth    models.GroundTruth `json:"ground_truth"`
	Rubric         models.Rubric      `json:"rubric"`
}

func newTaskPayload(task *models.Task) taskPayload {
	return taskPayload{
		TaskID:         task.ID,
		Question:       task.Question,
		Category:       string(task.Category),
		Ticker:         task.Ticker,
		SimulationDate: task.SimulationDate.Format("2006-01-02"),
		GroundTruth:    task.GroundTruth,
		Rubric:         task.Rubric,
	}
}

// HTTPScorer grades one dimension through the judge service.
type HTTPScorer struct {
	dimension string
	cfg       HTTPConfig
	http      *http.Client
	logger    *zap.Logger
}

func NewHTTPScorer(dimension string, cfg HTTPConfig, logger *zap.Logger) *HTTPScorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPScorer{
		dimension: dimension,
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.timeout()},
		logger:    logger.With(zap.String("component", "judge"), zap.String("dimension", dimension)),
	}
}

func (s *HTTPScorer) Dimension() string { return s.dimension }

type scoreRequest struct {
	Dimension   string      `json:"dimension"`
	Model       string      `json:"model"`
	Temperature float64     `json:"temperature"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Provider    string      `json:"provider,omitempty"`
	Task        taskPayload `json:"task"`
	Response    struct {
		Analysis       string             `json:"analysis"`
		Recommendation string             `json:"recommendation"`
		Figures        map[string]float64 `json:"extracted_figures,omitempty"`
		ToolCalls      int                `json:"tool_calls"`
	} `json:"response"`
}

type scoreResponse struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
	Usage    Usage   `json:"usage"`
}

func (s *HTTPScorer) Score(ctx context.Context, task *models.Task, resp *models.AgentResponse) (models.DimensionScore, Usage, error) {
	req := scoreRequest{
		Dimension:   s.dimension,
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
		Provider:    s.cfg.Provider,
		Task:        newTaskPayload(task),
	}
	req.Response.Analysis = resp.Analysis
	req.Response.Recommendation = resp.Recommendation
	req.Response.Figures = resp.Figures
	req.Response.ToolCalls = len(resp.ToolCalls)

	var out scoreResponse
	if err := s.post(ctx, "/score", req, &out); err != nil {
		return models.DimensionScore{}, Usage{}, err
	}
	if out.Score < 0 || out.Score > 100 {
		return models.DimensionScore{}, out.Usage, fmt.Errorf(
			"%w: judge %s returned score %v outside [0,100]",
			models.ErrMalformedResponse, s.dimension, out.Score,
		)
	}
	return models.DimensionScore{
		Dimension: s.dimension,
		Score:     out.Score,
		Feedback:  out.Feedback,
	}, out.Usage, nil
}

func (s *HTTPScorer) post(ctx context.Context, path string, in, out interface{}) error {
	return postJSON(ctx, s.http, s.cfg, path, in, out)
}

// HTTPRebuttalJudge maps a rebuttal to a conviction level through the
// judge service.
type HTTPRebuttalJudge struct {
	cfg    HTTPConfig
	http   *http.Client
	logger *zap.Logger
}

func NewHTTPRebuttalJudge(cfg HTTPConfig, logger *zap.Logger) *HTTPRebuttalJudge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRebuttalJudge{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.timeout()},
		logger: logger.With(zap.String("component", "judge"), zap.String("dimension", "debate")),
	}
}

type judgeRequest struct {
	Model       string      `json:"model"`
	Temperature float64     `json:"temperature"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Provider    string      `json:"provider,omitempty"`
	Task        taskPayload `json:"task"`
	Rebuttal    struct {
		Defense     string             `json:"defense"`
		NewEvidence []models.CitedFact `json:"new_evidence,omitempty"`
	} `json:"rebuttal"`
}

type judgeResponse struct {
	Conviction string `json:"conviction"`
	Feedback   string `json:"feedback"`
	Usage      Usage  `json:"usage"`
}

func (j *HTTPRebuttalJudge) Judge(ctx context.Context, task *models.Task, reb *models.DebateRebuttal) (models.ConvictionLevel, string, Usage, error) {
	req := judgeRequest{
		Model:       j.cfg.Model,
		Temperature: j.cfg.Temperature,
		MaxTokens:   j.cfg.MaxTokens,
		Provider:    j.cfg.Provider,
		Task:        newTaskPayload(task),
	}
	req.Rebuttal.Defense = reb.Defense
	req.Rebuttal.NewEvidence = reb.NewEvidence

	var out judgeResponse
	if err := postJSON(ctx, j.http, j.cfg, "/debate/judge", req, &out); err != nil {
		return "", "", Usage{}, err
	}
	level := models.ConvictionLevel(out.Conviction)
	if !level.Valid() {
		return "", "", out.Usage, fmt.Errorf(
			"%w: judge returned unknown conviction %q",
			models.ErrMalformedResponse, out.Conviction,
		)
	}
	return level, out.Feedback, out.Usage, nil
}

func postJSON(ctx context.Context, client *http.Client, cfg HTTPConfig, path string, in, out interface{}) error {
	url := cfg.BaseURL + path
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal judge request: %w", err)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("judge service call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("judge service returned %d: %s", resp.StatusCode, string(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode judge reply: %v", models.ErrMalformedResponse, err)
	}
	return nil
}
