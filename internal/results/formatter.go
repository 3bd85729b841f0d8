// Package results turns evaluation outcomes into the documents the
// outside world reads: per-run AgentBeats submissions, leaderboard
// entries, and batch summaries.
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Document is an AgentBeats-compliant results file for one run.
type Document struct {
	SchemaVersion   string                 `json:"schema_version"`
	RunID           string                 `json:"run_id"`
	ScenarioID      string                 `json:"scenario_id"`
	Timestamp       string                 `json:"timestamp"`
	GreenAgent      GreenAgent             `json:"green_agent"`
	Participants    map[string]Participant `json:"participants"`
	Metadata        Metadata               `json:"metadata"`
	DetailedResults []Row                  `json:"detailed_results"`
}

// GreenAgent identifies the benchmark operator that produced the run.
type GreenAgent struct {
	ID        string `json:"id"`
	Benchmark string `json:"benchmark"`
	Version   string `json:"version"`
}

// Participant is one evaluated agent's aggregate line in the document.
type Participant struct {
	Name            string                  `json:"name"`
	Score           float64                 `json:"score"`
	Accuracy        float64                 `json:"accuracy"`
	TasksEvaluated  int                     `json:"tasks_evaluated"`
	TasksSuccessful int                     `json:"tasks_successful"`
	DatasetScores   map[string]DatasetScore `json:"dataset_scores"`
}

// DatasetScore is the per-dataset breakdown inside a participant.
type DatasetScore struct {
	Count     int     `json:"count"`
	MeanScore float64 `json:"mean_score"`
	Accuracy  float64 `json:"accuracy"`
}

// Metadata carries the run configuration snapshot and sampling mode.
type Metadata struct {
	Config   map[string]any `json:"config"`
	Sampling string         `json:"sampling"`
}

// Formatter builds and persists AgentBeats result documents. Scenario
// and green-agent identifiers come from the AGENTBEATS_SCENARIO_ID and
// AGENTBEATS_GREEN_AGENT_ID environment variables so the same binary
// works across scenario registrations.
type Formatter struct {
	scenarioID   string
	greenAgentID string
	dir          string
}

// NewFormatter returns a formatter writing under dir ("results" when
// empty).
func NewFormatter(dir string) *Formatter {
	if dir == "" {
		dir = "results"
	}
	return &Formatter{
		scenarioID:   os.Getenv("AGENTBEATS_SCENARIO_ID"),
		greenAgentID: os.Getenv("AGENTBEATS_GREEN_AGENT_ID"),
		dir:          dir,
	}
}

// Format assembles the document for one participant from its per-task
// rows. A blank runID gets a fresh UUID. Aggregates follow the row
// contents: a row counts as successful when it carries an alpha score,
// and rows grouped by dataset feed the per-dataset breakdown.
func (f *Formatter) Format(runID, participantID, participantName string, rows []Row, config map[string]any) *Document {
	if runID == "" {
		runID = uuid.New().String()
	}
	if config == nil {
		config = map[string]any{}
	}

	evaluated := len(rows)
	successful := 0
	alphaSum := 0.0
	type dsAgg struct {
		count  int
		scored int
		sum    float64
	}
	byDataset := make(map[string]*dsAgg)
	for _, r := range rows {
		if r.Dataset != "" {
			agg := byDataset[r.Dataset]
			if agg == nil {
				agg = &dsAgg{}
				byDataset[r.Dataset] = agg
			}
			agg.count++
			if r.AlphaScore != nil {
				agg.scored++
				agg.sum += *r.AlphaScore
			}
		}
		if r.AlphaScore != nil {
			successful++
			alphaSum += *r.AlphaScore
		}
	}

	score := 0.0
	if successful > 0 {
		score = alphaSum / float64(successful)
	}
	accuracy := 0.0
	if evaluated > 0 {
		accuracy = float64(successful) / float64(evaluated)
	}

	datasetScores := make(map[string]DatasetScore, len(byDataset))
	for name, agg := range byDataset {
		ds := DatasetScore{Count: agg.count}
		if agg.count > 0 {
			ds.Accuracy = float64(agg.scored) / float64(agg.count)
		}
		if agg.scored > 0 {
			ds.MeanScore = agg.sum / float64(agg.scored)
		}
		datasetScores[name] = ds
	}

	return &Document{
		SchemaVersion: "1.0",
		RunID:         runID,
		ScenarioID:    f.scenarioID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		GreenAgent: GreenAgent{
			ID:        f.greenAgentID,
			Benchmark: "FAB++",
			Version:   "1.0",
		},
		Participants: map[string]Participant{
			participantID: {
				Name:            participantName,
				Score:           score,
				Accuracy:        accuracy,
				TasksEvaluated:  evaluated,
				TasksSuccessful: successful,
				DatasetScores:   datasetScores,
			},
		},
		Metadata: Metadata{
			Config:   config,
			Sampling: "stratified",
		},
		DetailedResults: rows,
	}
}

// SaveDocument writes the document to <dir>/<run_id>.json and returns
// the path.
func (f *Formatter) SaveDocument(doc *Document) (string, error) {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", fmt.Errorf("create results directory: %w", err)
	}
	path := filepath.Join(f.dir, doc.RunID+".json")
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal results document: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write results document: %w", err)
	}
	return path, nil
}

// AppendLeaderboard appends one flattened line per participant to
// <dir>/leaderboard/entries.ndjson. Dataset breakdowns flatten into
// <dataset>_score and <dataset>_accuracy keys so the file loads
// directly into columnar query tools.
func (f *Formatter) AppendLeaderboard(doc *Document) (string, error) {
	dir := filepath.Join(f.dir, "leaderboard")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create leaderboard directory: %w", err)
	}
	path := filepath.Join(dir, "entries.ndjson")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open leaderboard file: %w", err)
	}
	defer file.Close()

	ids := make([]string, 0, len(doc.Participants))
	for id := range doc.Participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := doc.Participants[id]
		entry := map[string]any{
			"run_id":           doc.RunID,
			"scenario_id":      doc.ScenarioID,
			"timestamp":        doc.Timestamp,
			"participant_id":   id,
			"participant_name": p.Name,
			"score":            p.Score,
			"accuracy":         p.Accuracy,
			"tasks_evaluated":  p.TasksEvaluated,
			"tasks_successful": p.TasksSuccessful,
		}
		for ds, stats := range p.DatasetScores {
			entry[ds+"_score"] = stats.MeanScore
			entry[ds+"_accuracy"] = stats.Accuracy
		}
		line, err := json.Marshal(entry)
		if err != nil {
			return "", fmt.Errorf("marshal leaderboard entry: %w", err)
		}
		if _, err := file.Write(append(line, '\n')); err != nil {
			return "", fmt.Errorf("append leaderboard entry: %w", err)
		}
	}
	return path, nil
}
