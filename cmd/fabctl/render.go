package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/agentbeats/fabench/internal/models"
	"github.com/agentbeats/fabench/internal/results"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B82F6")).
			Padding(0, 2)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			Width(16)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	goodStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#10B981"))

	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#F59E0B"))

	badStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#EF4444"))

	alphaStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))
)

// scoreStyle picks a color band for a 0-100 score.
func scoreStyle(score float64) lipgloss.Style {
	switch {
	case score >= 70:
		return goodStyle
	case score >= 40:
		return warnStyle
	default:
		return badStyle
	}
}

// renderOutcome renders one evaluation's full breakdown.
func renderOutcome(task *models.Task, outcome *models.EvalOutcome) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("fabench evaluation") + "\n\n")

	var info strings.Builder
	info.WriteString(labelStyle.Render("Task") + task.ID + "\n")
	info.WriteString(labelStyle.Render("Ticker") + fmt.Sprintf("%s  %s\n", task.Ticker, task.FiscalPeriod))
	info.WriteString(labelStyle.Render("Category") + fmt.Sprintf("%s  (%s)\n", task.Category, task.Difficulty))
	info.WriteString(labelStyle.Render("Simulation date") + task.SimulationDate.Format("2006-01-02") + "\n")
	info.WriteString(labelStyle.Render("Question") + truncate(task.Question, 72))
	b.WriteString(panelStyle.Render(info.String()) + "\n\n")

	if outcome.Failure != nil {
		fail := badStyle.Render("Evaluation failed") + "\n" +
			labelStyle.Render("Phase") + outcome.Failure.Stage + "\n" +
			labelStyle.Render("Reason") + truncate(outcome.Failure.Reason, 72)
		b.WriteString(panelStyle.BorderForeground(lipgloss.Color("#EF4444")).Render(fail) + "\n")
		b.WriteString(footerLine(outcome))
		return b.String()
	}

	var score strings.Builder
	score.WriteString(dimensionLine("Macro", outcome.Role.Macro))
	score.WriteString(dimensionLine("Fundamental", outcome.Role.Fundamental))
	score.WriteString(dimensionLine("Execution", outcome.Role.Execution))
	score.WriteString(labelStyle.Render("Role total") + scoreStyle(outcome.Role.Total).Render(fmt.Sprintf("%6.1f", outcome.Role.Total)) + "\n")
	score.WriteString(debateLine(outcome.Debate))
	score.WriteString(lookaheadLine(outcome.Lookahead))
	score.WriteString(labelStyle.Render("Cost") + fmt.Sprintf("$%.4f  (%d priced calls)\n", outcome.Costs.TotalUSD, len(outcome.Costs.Records)))
	score.WriteString(labelStyle.Render("Alpha") + alphaStyle.Render(fmt.Sprintf("%6.2f", outcome.Alpha.Score)))
	b.WriteString(panelStyle.Render(score.String()) + "\n")

	b.WriteString(footerLine(outcome))
	return b.String()
}

func dimensionLine(name string, d models.DimensionScore) string {
	line := labelStyle.Render(name) + scoreStyle(d.Score).Render(fmt.Sprintf("%6.1f", d.Score))
	if d.Feedback != "" {
		line += dimStyle.Render("  " + truncate(d.Feedback, 56))
	}
	return line + "\n"
}

func debateLine(d *models.DebateResult) string {
	if d == nil {
		return labelStyle.Render("Debate") + dimStyle.Render("not conducted") + "\n"
	}
	style := goodStyle
	if d.Multiplier < 1.0 {
		style = warnStyle
	}
	return labelStyle.Render("Debate") +
		style.Render(string(d.Conviction)) +
		fmt.Sprintf("  (x%.2f)\n", d.Multiplier)
}

func lookaheadLine(l *models.LookaheadPenalty) string {
	if l == nil || len(l.Violations) == 0 {
		return labelStyle.Render("Lookahead") + goodStyle.Render("clean") + "\n"
	}
	return labelStyle.Render("Lookahead") +
		badStyle.Render(fmt.Sprintf("%d violations", len(l.Violations))) +
		fmt.Sprintf("  (penalty %.2f)\n", l.Penalty)
}

func footerLine(outcome *models.EvalOutcome) string {
	return dimStyle.Render(fmt.Sprintf("%d messages exchanged in %s\n",
		len(outcome.Messages),
		outcome.FinishedAt.Sub(outcome.StartedAt).Round(time.Millisecond),
	))
}

// renderBatch renders the per-task table and the batch summary.
func renderBatch(rows []results.Row, summary results.Summary, elapsed time.Duration) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%-28s %-10s %8s %8s %6s %10s  %s",
		"TASK", "DIFFICULTY", "ALPHA", "ROLE", "MULT", "COST", "STATUS")) + "\n")
	for _, row := range rows {
		b.WriteString(batchRow(row) + "\n")
	}
	b.WriteString("\n")

	scored := 0
	for _, row := range rows {
		if row.Error == nil {
			scored++
		}
	}

	var sum strings.Builder
	sum.WriteString(labelStyle.Render("Tasks") + fmt.Sprintf("%d evaluated, %d scored, %d failed\n", summary.Count, scored, summary.Count-scored))
	if summary.AlphaMean != nil {
		sum.WriteString(labelStyle.Render("Alpha mean") + alphaStyle.Render(fmt.Sprintf("%.2f", *summary.AlphaMean)) + "\n")
		sum.WriteString(labelStyle.Render("Alpha median") + fmt.Sprintf("%.2f\n", *summary.AlphaMedian))
		sum.WriteString(labelStyle.Render("Alpha range") + fmt.Sprintf("%.2f to %.2f\n", *summary.AlphaMin, *summary.AlphaMax))
	} else {
		sum.WriteString(labelStyle.Render("Alpha") + badStyle.Render("no task scored") + "\n")
	}
	sum.WriteString(labelStyle.Render("By difficulty") + difficultyCounts(summary.ByDifficulty) + "\n")
	sum.WriteString(labelStyle.Render("Elapsed") + elapsed.Round(time.Millisecond).String())
	b.WriteString(panelStyle.Render(sum.String()) + "\n")

	return b.String()
}

func batchRow(row results.Row) string {
	if row.Error != nil {
		return fmt.Sprintf("%-28s %-10s %8s %8s %6s %10s  %s",
			truncate(row.TaskID, 28), row.Difficulty, "-", "-", "-", "-",
			badStyle.Render(truncate(*row.Error, 48)))
	}
	return fmt.Sprintf("%-28s %-10s %s %8.1f %6.2f %10.4f  %s",
		truncate(row.TaskID, 28),
		row.Difficulty,
		scoreStyle(*row.AlphaScore).Render(fmt.Sprintf("%8.2f", *row.AlphaScore)),
		*row.RoleScore,
		*row.DebateMultiplier,
		*row.Cost,
		goodStyle.Render("scored"))
}

func difficultyCounts(byDifficulty map[string]int) string {
	if len(byDifficulty) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(byDifficulty))
	for k := range byDifficulty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %d", k, byDifficulty[k]))
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
