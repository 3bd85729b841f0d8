// Package datasets supplies evaluation tasks: the bundled NVIDIA demo,
// CSV finance datasets, and synthetic question dumps.
package datasets

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentbeats/fabench/internal/models"
)

// Source provides the tasks for one run.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]*models.Task, error)
}

// StaticSource serves a fixed task list. Used for the demo and in
// tests.
type StaticSource struct {
	name  string
	tasks []*models.Task
}

func NewStaticSource(name string, tasks ...*models.Task) *StaticSource {
	return &StaticSource{name: name, tasks: tasks}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Load(context.Context) ([]*models.Task, error) {
	out := make([]*models.Task, len(s.tasks))
	copy(out, s.tasks)
	return out, nil
}

// Demo returns the NVIDIA Q3 FY2026 earnings task with real reported
// figures. Results were announced 2025-11-19, so the simulation date
// sits one day after and every filed figure is fair game.
func Demo() *models.Task {
	return &models.Task{
		ID:         "NVIDIA_Q3_FY2026_demo",
		Category:   models.CategoryBeatOrMiss,
		Difficulty: models.DifficultyMedium,
		Question: "Did NVIDIA beat or miss analyst expectations in Q3 FY2026 " +
			"(quarter ended October 26, 2025)? Analyze the earnings results " +
			"including revenue, EPS, data center performance, and Blackwell GPU demand.",
		Ticker:         "NVDA",
		FiscalPeriod:   "Q3 FY2026",
		SimulationDate: time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC),
		GroundTruth: models.GroundTruth{
			Thesis: "NVIDIA's Q3 FY2026 results demonstrate unprecedented AI compute demand. " +
				"Revenue hit a record $57B (+62% YoY), significantly beating the $54.92B " +
				"consensus. EPS of $1.30 beat the $1.25 estimate. Blackwell GPU sales were " +
				"'off the charts' with cloud GPUs sold out. Data center revenue of $51.2B " +
				"(+66% YoY) drove growth. Q4 guidance of $65B exceeded $61.66B consensus.",
			KeyThemes: []string{
				"AI compute demand",
				"Blackwell GPU",
				"data center growth",
				"beat expectations",
				"cloud GPU sold out",
				"record revenue",
			},
			Financials: map[string]decimal.Decimal{
				"revenue":             decimal.NewFromInt(57_000_000_000),
				"net_income":          decimal.NewFromInt(31_910_000_000),
				"gross_margin":        decimal.NewFromFloat(0.734),
				"eps":                 decimal.NewFromFloat(1.30),
				"data_center_revenue": decimal.NewFromInt(51_200_000_000),
				"gaming_revenue":      decimal.NewFromInt(4_300_000_000),
				"yoy_revenue_growth":  decimal.NewFromFloat(0.62),
				"consensus_revenue":   decimal.NewFromInt(54_920_000_000),
				"consensus_eps":       decimal.NewFromFloat(1.25),
			},
			ExpectedRecommendation: "Beat",
			NumericAnswer:          floatPtr(57_000_000_000),
		},
		Rubric: models.Rubric{
			Criteria: []string{
				"Correctly identify beat/miss status",
				"Provide actual vs expected figures (Revenue and EPS)",
				"Analyze data center segment performance",
				"Discuss Blackwell GPU demand and AI compute trends",
			},
			MandatoryElements: []string{
				"beat or miss determination",
				"revenue figures",
				"EPS figures",
			},
			MaxScore: 100,
		},
	}
}

// DemoResponse returns a competent scripted answer to the demo task,
// used by in-process demo runs.
func DemoResponse() *models.AgentResponse {
	factDate := time.Date(2025, 11, 19, 0, 0, 0, 0, time.UTC)
	return &models.AgentResponse{
		Analysis: "NVIDIA delivered a clear beat on record revenue of $57B against the " +
			"$54.92B consensus, driven by AI compute demand and data center growth to $51.2B. " +
			"EPS of $1.30 came in above the $1.25 estimate because Blackwell GPU shipments " +
			"ramped faster than expected, with cloud GPU capacity sold out. " +
			"However, the key risk is customer concentration among hyperscalers. " +
			"Guidance of $65B for Q4 also beat expectations.",
		Recommendation: "Beat",
		Figures: map[string]float64{
			"revenue":             57_000_000_000,
			"eps":                 1.30,
			"data_center_revenue": 51_200_000_000,
			"consensus_revenue":   54_920_000_000,
		},
		ToolCalls: []models.ToolInvocation{
			{
				Tool:     "earnings_report",
				Input:    "NVDA Q3 FY2026",
				Output:   "Revenue $57.0B, EPS $1.30, data center $51.2B",
				FactDate: &factDate,
			},
		},
		Elapsed: 95 * time.Second,
	}
}

// DemoRebuttal returns the scripted defense for the demo debate phase.
func DemoRebuttal() *models.DebateRebuttal {
	guidanceDate := time.Date(2025, 11, 19, 0, 0, 0, 0, time.UTC)
	return &models.DebateRebuttal{
		Defense: "The beat call stands because the reported figures clear consensus on every line: " +
			"revenue, EPS, and data center. The concentration risk is real but guidance data shows " +
			"demand visibility into Q4. However, even discounting Blackwell momentum, the filing " +
			"evidence supports the determination, for example the sold-out cloud GPU capacity.",
		NewEvidence: []models.CitedFact{
			{
				Fact:          "Q4 revenue guidance of $65B vs $61.66B consensus",
				EffectiveDate: &guidanceDate,
				Source:        "earnings call",
			},
		},
	}
}

func floatPtr(f float64) *float64 { return &f }
