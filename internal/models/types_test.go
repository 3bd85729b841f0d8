package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTaskCategory(t *testing.T) {
	t.Run("Known categories", func(t *testing.T) {
		assert.Equal(t, CategoryBeatOrMiss, ParseTaskCategory("beat_or_miss"))
		assert.Equal(t, CategoryQuantRetrieval, ParseTaskCategory("quantitative_retrieval"))
		assert.Equal(t, CategoryQualRetrieval, ParseTaskCategory("qualitative_retrieval"))
		assert.Equal(t, CategoryOptionsAnalysis, ParseTaskCategory("options_analysis"))
	})

	t.Run("Case and whitespace tolerance", func(t *testing.T) {
		assert.Equal(t, CategoryBeatOrMiss, ParseTaskCategory("  Beat_Or_Miss "))
	})

	t.Run("Display and hyphen spellings", func(t *testing.T) {
		assert.Equal(t, CategoryQualRetrieval, ParseTaskCategory("Qualitative Retrieval"))
		assert.Equal(t, CategoryBeatOrMiss, ParseTaskCategory("beat-or-miss"))
	})

	t.Run("Unknown falls back to quantitative retrieval", func(t *testing.T) {
		assert.Equal(t, CategoryQuantRetrieval, ParseTaskCategory("invalid_category"))
		assert.Equal(t, CategoryQuantRetrieval, ParseTaskCategory(""))
	})
}

func TestParseTaskDifficulty(t *testing.T) {
	t.Run("Known difficulties", func(t *testing.T) {
		assert.Equal(t, DifficultyEasy, ParseTaskDifficulty("easy"))
		assert.Equal(t, DifficultyMedium, ParseTaskDifficulty("medium"))
		assert.Equal(t, DifficultyHard, ParseTaskDifficulty("HARD"))
	})

	t.Run("Unknown falls back to medium", func(t *testing.T) {
		assert.Equal(t, DifficultyMedium, ParseTaskDifficulty("extreme"))
		assert.Equal(t, DifficultyMedium, ParseTaskDifficulty(""))
	})
}

func TestExtractRecommendation(t *testing.T) {
	tests := []struct {
		name     string
		analysis string
		want     string
	}{
		{"beat call", "NVIDIA will beat consensus on data center strength", "Beat"},
		{"miss call", "Expect a miss on gross margin compression", "Miss"},
		{"buy rating", "We rate the stock a BUY at current levels", "Buy"},
		{"sell rating", "Downgrade to sell on valuation", "Sell"},
		{"hold rating", "Maintain hold pending guidance", "Hold"},
		{"beat wins over buy", "They will beat estimates; we'd buy any dip", "Beat"},
		{"no signal", "Revenue trends remain difficult to read", "Unknown"},
		{"empty", "", "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractRecommendation(tt.analysis))
		})
	}
}

func TestConvictionLevel(t *testing.T) {
	t.Run("Ordering", func(t *testing.T) {
		levels := []ConvictionLevel{
			ConvictionNotEvaluated,
			ConvictionNone,
			ConvictionWeak,
			ConvictionModerate,
			ConvictionStrong,
			ConvictionUnshaken,
		}
		for i := 1; i < len(levels); i++ {
			assert.Greater(t, levels[i].Rank(), levels[i-1].Rank(),
				"%s should rank above %s", levels[i], levels[i-1])
		}
	})

	t.Run("Multiplier is a pure function of the level", func(t *testing.T) {
		assert.Equal(t, 1.0, ConvictionNotEvaluated.Multiplier())
		assert.Equal(t, 0.5, ConvictionNone.Multiplier())
		assert.Equal(t, 0.7, ConvictionWeak.Multiplier())
		assert.Equal(t, 0.9, ConvictionModerate.Multiplier())
		assert.Equal(t, 1.1, ConvictionStrong.Multiplier())
		assert.Equal(t, 1.2, ConvictionUnshaken.Multiplier())
	})

	t.Run("Unknown level", func(t *testing.T) {
		bogus := ConvictionLevel("superb")
		assert.False(t, bogus.Valid())
		assert.Equal(t, -1, bogus.Rank())
		assert.Equal(t, 1.0, bogus.Multiplier())
	})
}
