package impact

import "github.com/phobologic/kernelgraph/internal/model"

// RiskTier is a coarse classification of how risky a change is.
type RiskTier string

const (
	Low      RiskTier = "LOW"
	Medium   RiskTier = "MEDIUM"
	High     RiskTier = "HIGH"
	Critical RiskTier = "CRITICAL"
	Unknown  RiskTier = "UNKNOWN"
)

var tiers = []RiskTier{Low, Medium, High, Critical}

// Complexity bounds: a score up to the bound at index i maps to tiers[i].
var complexityBounds = []int{5, 20, 60}

// PointerParamThreshold is the number of pointer parameters that raises a
// function's tier by one level.
const PointerParamThreshold = 3

// Classify maps a complexity score to a tier, then raises it one level for
// a wide pointer surface and one more when coverage is known to be zero.
// A nil coverage count is unknown and leaves the tier alone. Functions
// without a definition classify as Unknown.
func Classify(kind model.FunctionKind, complexity, pointerParams int, coverage *int) RiskTier {
	if kind != model.Defined {
		return Unknown
	}
	level := len(complexityBounds)
	for i, bound := range complexityBounds {
		if complexity <= bound {
			level = i
			break
		}
	}
	if pointerParams >= PointerParamThreshold {
		level++
	}
	if coverage != nil && *coverage == 0 {
		level++
	}
	return tiers[min(level, len(tiers)-1)]
}
