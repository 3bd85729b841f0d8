package scoring

import (
	"fmt"
	"math"

	"github.com/agentbeats/fabench/internal/models"
)

// Dimension weights for the role score. Fundamental accuracy anchors
// the benchmark (answers are graded against filed figures), so it
// carries the largest share. The weights sum to 1.
const (
	WeightMacro       = 0.30
	WeightFundamental = 0.45
	WeightExecution   = 0.25
)

// Zero-cost floor for the alpha denominator: ln(1+0) would divide by
// zero, and a free run should score as if it cost one cent rather than
// score infinite.
const costFloorUSD = 0.01

// Aggregate combines the three dimension sub-scores into a weighted
// role score. Sub-scores are clamped into [0,100]; a NaN score counts
// as zero.
func Aggregate(macro, fundamental, execution models.DimensionScore) models.RoleScore {
	macro.Score = clampScore(macro.Score)
	fundamental.Score = clampScore(fundamental.Score)
	execution.Score = clampScore(execution.Score)

	total := macro.Score*WeightMacro +
		fundamental.Score*WeightFundamental +
		execution.Score*WeightExecution

	return models.RoleScore{
		Macro:       macro,
		Fundamental: fundamental,
		Execution:   execution,
		Total:       total,
	}
}

// ComputeAlpha evaluates the fixed formula
//
//	alpha = (roleScoreTotal * debateMultiplier) / (ln(1 + totalCostUsd) * (1 + lookaheadPenalty))
//
// Reward follows role score and multiplier; cost enters as a log
// denominator so low-spend differences stay small while expensive runs
// are penalized monotonically; any lookahead penalty strictly reduces
// the score. Pure and deterministic.
//
// Costs below the floor are computed as the floor (see costFloorUSD).
// Negative or non-finite cost is invalid input and fails the run; it is
// never clamped into validity. The returned AlphaScore records the
// caller's actual inputs, not the floored cost.
func ComputeAlpha(roleTotal, multiplier, costUSD, penalty float64) (models.AlphaScore, error) {
	if costUSD < 0 || math.IsNaN(costUSD) || math.IsInf(costUSD, 0) {
		return models.AlphaScore{}, fmt.Errorf("%w: total cost %v", models.ErrInvalidCost, costUSD)
	}
	if penalty < 0 || math.IsNaN(penalty) {
		return models.AlphaScore{}, fmt.Errorf("invalid lookahead penalty %v", penalty)
	}
	if math.IsNaN(roleTotal) || math.IsNaN(multiplier) {
		return models.AlphaScore{}, fmt.Errorf("invalid score inputs: role %v, multiplier %v", roleTotal, multiplier)
	}

	effectiveCost := costUSD
	if effectiveCost < costFloorUSD {
		effectiveCost = costFloorUSD
	}

	score := (roleTotal * multiplier) / (math.Log(1+effectiveCost) * (1 + penalty))

	return models.AlphaScore{
		RoleScoreTotal:   roleTotal,
		DebateMultiplier: multiplier,
		TotalCostUSD:     costUSD,
		LookaheadPenalty: penalty,
		Score:            score,
	}, nil
}

func clampScore(s float64) float64 {
	if math.IsNaN(s) || s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
