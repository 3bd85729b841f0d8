package judges

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbeats/fabench/internal/models"
)

func TestHTTPScorerScore(t *testing.T) {
	var got scoreRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/score", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(scoreResponse{
			Score:    82.5,
			Feedback: "thesis aligned with ground truth",
			Usage:    Usage{Model: "gpt-4o-mini", InputTokens: 410, OutputTokens: 96},
		})
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(models.DimensionMacro, HTTPConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, nil)

	task := benchmarkTask()
	resp := &models.AgentResponse{
		Analysis:       "Data center demand remains the driver.",
		Recommendation: "Beat",
		ToolCalls:      []models.ToolInvocation{{Tool: "filings"}},
	}

	score, usage, err := scorer.Score(context.Background(), task, resp)
	require.NoError(t, err)
	assert.Equal(t, models.DimensionMacro, score.Dimension)
	assert.Equal(t, 82.5, score.Score)
	assert.Equal(t, "thesis aligned with ground truth", score.Feedback)
	assert.Equal(t, 410, usage.InputTokens)

	// The judge grades against the ground truth, so it must travel.
	assert.Equal(t, models.DimensionMacro, got.Dimension)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, "nvda-q3-fy2026", got.Task.TaskID)
	assert.Equal(t, "2025-11-20", got.Task.SimulationDate)
	assert.Equal(t, "Beat", got.Task.GroundTruth.ExpectedRecommendation)
	assert.Equal(t, "Beat", got.Response.Recommendation)
	assert.Equal(t, 1, got.Response.ToolCalls)
}

func TestHTTPScorerRejectsOutOfRangeScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(scoreResponse{Score: 140})
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(models.DimensionFundamental, HTTPConfig{BaseURL: srv.URL}, nil)
	_, _, err := scorer.Score(context.Background(), benchmarkTask(), &models.AgentResponse{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrMalformedResponse)
}

func TestHTTPScorerRejectsInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(models.DimensionExecution, HTTPConfig{BaseURL: srv.URL}, nil)
	_, _, err := scorer.Score(context.Background(), benchmarkTask(), &models.AgentResponse{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrMalformedResponse)
}

func TestHTTPScorerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "judge overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(models.DimensionMacro, HTTPConfig{BaseURL: srv.URL}, nil)
	_, _, err := scorer.Score(context.Background(), benchmarkTask(), &models.AgentResponse{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrMalformedResponse, "availability failures are not protocol failures")
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPRebuttalJudge(t *testing.T) {
	t.Run("Maps conviction", func(t *testing.T) {
		var got judgeRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/debate/judge", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			json.NewEncoder(w).Encode(judgeResponse{
				Conviction: "strong",
				Feedback:   "defense held under pressure",
				Usage:      Usage{Model: "gpt-4o", InputTokens: 900, OutputTokens: 120},
			})
		}))
		defer srv.Close()

		judge := NewHTTPRebuttalJudge(HTTPConfig{BaseURL: srv.URL, Model: "gpt-4o"}, nil)
		level, feedback, usage, err := judge.Judge(context.Background(), benchmarkTask(), &models.DebateRebuttal{
			Defense: "The guidance trend supports the call.",
		})
		require.NoError(t, err)
		assert.Equal(t, models.ConvictionStrong, level)
		assert.Equal(t, "defense held under pressure", feedback)
		assert.Equal(t, 900, usage.InputTokens)
		assert.Equal(t, "The guidance trend supports the call.", got.Rebuttal.Defense)
	})

	t.Run("Unknown conviction is malformed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(judgeResponse{Conviction: "very_sure"})
		}))
		defer srv.Close()

		judge := NewHTTPRebuttalJudge(HTTPConfig{BaseURL: srv.URL}, nil)
		_, _, _, err := judge.Judge(context.Background(), benchmarkTask(), &models.DebateRebuttal{Defense: "x"})
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrMalformedResponse)
	})
}
