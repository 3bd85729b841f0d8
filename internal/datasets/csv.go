package datasets

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/models"
)

// CSVSource reads finance tasks from a CSV file. The first row is the
// header; columns are matched by name, case-insensitively, so datasets
// can carry extra columns or order them freely.
//
// Recognized columns: id, category, difficulty, question, ticker,
// fiscal_period, simulation_date, thesis, key_themes,
// expected_recommendation, numeric_answer, figures, deadline_seconds,
// expects_code. Only question is required. key_themes is
// semicolon-separated; figures is semicolon-separated name=value
// pairs. Rows with per-row simulation_date override the source
// default.
type CSVSource struct {
	path    string
	simDate time.Time
	logger  *zap.Logger
}

func NewCSVSource(path string, simDate time.Time, logger *zap.Logger) *CSVSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSVSource{
		path:    path,
		simDate: simDate,
		logger:  logger.With(zap.String("component", "dataset"), zap.String("path", path)),
	}
}

func (s *CSVSource) Name() string { return "csv:" + s.path }

func (s *CSVSource) Load(ctx context.Context) ([]*models.Task, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", s.path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("dataset %s has no data rows", s.path)
	}

	cols := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := cols["question"]; !ok {
		return nil, fmt.Errorf("dataset %s missing required question column", s.path)
	}

	var tasks []*models.Task
	skipped := 0
	for rowNum, row := range records[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		task, err := s.taskFromRow(cols, row, rowNum+2)
		if err != nil {
			skipped++
			s.logger.Warn("Skipping dataset row", zap.Int("row", rowNum+2), zap.Error(err))
			continue
		}
		tasks = append(tasks, task)
	}
	if skipped > 0 {
		s.logger.Info("Dataset loaded with skipped rows",
			zap.Int("tasks", len(tasks)),
			zap.Int("skipped", skipped),
		)
	}
	return tasks, nil
}

func (s *CSVSource) taskFromRow(cols map[string]int, row []string, rowNum int) (*models.Task, error) {
	get := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	question := get("question")
	if question == "" {
		return nil, fmt.Errorf("empty question")
	}

	id := get("id")
	if id == "" {
		id = fmt.Sprintf("csv-%d", rowNum)
	}

	simDate := s.simDate
	if raw := get("simulation_date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return nil, fmt.Errorf("simulation_date %q: %w", raw, err)
		}
		simDate = parsed
	}

	task := &models.Task{
		ID:             id,
		Category:       models.ParseTaskCategory(get("category")),
		Difficulty:     models.ParseTaskDifficulty(get("difficulty")),
		Question:       question,
		Ticker:         get("ticker"),
		FiscalPeriod:   get("fiscal_period"),
		SimulationDate: simDate,
		GroundTruth: models.GroundTruth{
			Thesis:                 get("thesis"),
			ExpectedRecommendation: get("expected_recommendation"),
		},
		Rubric: models.Rubric{MaxScore: 100},
	}

	if themes := get("key_themes"); themes != "" {
		for _, theme := range strings.Split(themes, ";") {
			if theme = strings.TrimSpace(theme); theme != "" {
				task.GroundTruth.KeyThemes = append(task.GroundTruth.KeyThemes, theme)
			}
		}
	}

	if raw := get("numeric_answer"); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("numeric_answer %q: %w", raw, err)
		}
		task.GroundTruth.NumericAnswer = &val
	}

	if raw := get("figures"); raw != "" {
		figures, err := parseFigures(raw)
		if err != nil {
			return nil, err
		}
		task.GroundTruth.Financials = figures
	}

	if raw := get("deadline_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("deadline_seconds %q: %w", raw, err)
		}
		task.Deadline = time.Duration(secs) * time.Second
	}

	if raw := get("expects_code"); raw != "" {
		task.ExpectsCode, _ = strconv.ParseBool(raw)
	}

	return task, nil
}

func parseFigures(raw string) (map[string]decimal.Decimal, error) {
	figures := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("figure %q not name=value", pair)
		}
		dec, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("figure %q: %w", pair, err)
		}
		figures[strings.TrimSpace(name)] = dec
	}
	return figures, nil
}
