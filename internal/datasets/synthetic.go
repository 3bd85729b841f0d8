package datasets

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/models"
)

// syntheticQuestion is the generator's output schema. Category and
// difficulty arrive as display strings and fall back to defaults when
// unrecognized.
type syntheticQuestion struct {
	QuestionID           string      `json:"question_id"`
	Category             string      `json:"category"`
	Difficulty           string      `json:"difficulty"`
	Question             string      `json:"question"`
	GroundTruthValue     interface{} `json:"ground_truth_value"`
	GroundTruthFormatted string      `json:"ground_truth_formatted"`
	Ticker               string      `json:"ticker"`
	FiscalYear           int         `json:"fiscal_year"`
	CalculationSteps     []string    `json:"calculation_steps"`
	Rubric               struct {
		Components []struct {
			Name          string      `json:"name"`
			Description   string      `json:"description"`
			ExpectedValue interface{} `json:"expected_value"`
			Weight        float64     `json:"weight"`
		} `json:"components"`
		MaxScore float64 `json:"max_score"`
	} `json:"rubric"`
	RequiresCodeExecution bool `json:"requires_code_execution"`
}

// SyntheticSource reads generated questions from a JSON file, either
// one array or one object per line.
type SyntheticSource struct {
	path    string
	simDate time.Time
	logger  *zap.Logger
}

func NewSyntheticSource(path string, simDate time.Time, logger *zap.Logger) *SyntheticSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyntheticSource{
		path:    path,
		simDate: simDate,
		logger:  logger.With(zap.String("component", "dataset"), zap.String("path", path)),
	}
}

func (s *SyntheticSource) Name() string { return "synthetic:" + s.path }

func (s *SyntheticSource) Load(ctx context.Context) ([]*models.Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}

	questions, err := decodeSynthetic(data)
	if err != nil {
		return nil, fmt.Errorf("decode dataset %s: %w", s.path, err)
	}

	tasks := make([]*models.Task, 0, len(questions))
	for i, q := range questions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tasks = append(tasks, s.taskFromQuestion(q, i))
	}
	return tasks, nil
}

func decodeSynthetic(data []byte) ([]syntheticQuestion, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty file")
	}

	if trimmed[0] == '[' {
		var questions []syntheticQuestion
		if err := json.Unmarshal(trimmed, &questions); err != nil {
			return nil, err
		}
		return questions, nil
	}

	// One JSON object per line.
	var questions []syntheticQuestion
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var q syntheticQuestion
		if err := json.Unmarshal([]byte(line), &q); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return questions, nil
}

func (s *SyntheticSource) taskFromQuestion(q syntheticQuestion, idx int) *models.Task {
	id := q.QuestionID
	if id == "" {
		id = fmt.Sprintf("SYN_%04d", idx+1)
	}

	fiscalPeriod := ""
	if q.FiscalYear > 0 {
		fiscalPeriod = fmt.Sprintf("FY%d", q.FiscalYear)
	}

	truth := models.GroundTruth{
		Thesis:                 q.GroundTruthFormatted,
		KeyThemes:              q.CalculationSteps,
		ExpectedRecommendation: q.GroundTruthFormatted,
	}
	if v, ok := q.GroundTruthValue.(float64); ok {
		truth.NumericAnswer = &v
	}

	criteria := make([]string, 0, len(q.Rubric.Components))
	for _, c := range q.Rubric.Components {
		if c.Description != "" {
			criteria = append(criteria, c.Description)
		}
	}
	maxScore := q.Rubric.MaxScore
	if maxScore <= 0 {
		maxScore = 100
	}

	return &models.Task{
		ID:             id,
		Category:       models.ParseTaskCategory(q.Category),
		Difficulty:     models.ParseTaskDifficulty(q.Difficulty),
		Question:       q.Question,
		Ticker:         q.Ticker,
		FiscalPeriod:   fiscalPeriod,
		SimulationDate: s.simDate,
		GroundTruth:    truth,
		Rubric: models.Rubric{
			Criteria: criteria,
			MaxScore: maxScore,
		},
		ExpectsCode: q.RequiresCodeExecution,
	}
}
