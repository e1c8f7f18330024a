package payments

import (
	"github.com/shopspring/decimal"

	"github.com/ajai24/food-ordering/internal/domain"
)

// FlagHighRiskAmount is raised when the aggregate risk score exceeds the
// review threshold.
const FlagHighRiskAmount = "HIGH_RISK_AMOUNT"

const (
	riskMax           = 100
	riskFlagThreshold = 50
	highAmountScore   = 20
	cryptoMethodScore = 30
	missingAddrScore  = 10
)

var highAmountLimit = decimal.NewFromInt(1000)

// ScoreRisk computes a bounded heuristic fraud score for a payment, plus any
// fraud flags. The rules are additive and deterministic so every score can
// be audited back to its inputs.
func ScoreRisk(amount decimal.Decimal, method domain.Method, sec domain.Security) (int, []string) {
	score := 0
	if amount.GreaterThan(highAmountLimit) {
		score += highAmountScore
	}
	if method == domain.MethodCrypto {
		score += cryptoMethodScore
	}
	if sec.IPAddress == "" {
		score += missingAddrScore
	}
	if score > riskMax {
		score = riskMax
	}

	var flags []string
	if score > riskFlagThreshold {
		flags = append(flags, FlagHighRiskAmount)
	}
	return score, flags
}
