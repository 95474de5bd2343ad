package creditledger

import "github.com/shopspring/decimal"

const (
	reportTierSmall  = 5
	reportTierMedium = 12
	reportTierLarge  = 25
	reportBatchSize  = 25
	fullBatchSize    = 10
)

var (
	reportCostSmall  = decimal.RequireFromString("0.25")
	reportCostMedium = decimal.RequireFromString("0.5")
	reportCostLarge  = decimal.NewFromInt(1)
)

// ReportCreditCost returns the report credits consumed by a report over
// processCount processes. Small reports are priced in fractional tiers;
// above the last tier every started batch of 25 costs one credit.
func ReportCreditCost(processCount int) decimal.Decimal {
	switch {
	case processCount <= 0:
		return decimal.Zero
	case processCount <= reportTierSmall:
		return reportCostSmall
	case processCount <= reportTierMedium:
		return reportCostMedium
	case processCount <= reportTierLarge:
		return reportCostLarge
	default:
		return decimal.NewFromInt(int64(ceilDiv(processCount, reportBatchSize)))
	}
}

// FullCreditCost returns the full-analysis credits consumed for
// processCount processes: one credit per started batch of 10.
func FullCreditCost(processCount int) decimal.Decimal {
	if processCount <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(ceilDiv(processCount, fullBatchSize)))
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}
