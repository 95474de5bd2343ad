package policy

import (
	"sort"

	"github.com/ineyio/creditledger"
)

// ExpiryFirstPolicy drains the lot that expires soonest first. Lots that
// never expire come last; ties go to the oldest lot.
type ExpiryFirstPolicy struct{}

var _ creditledger.ConsumptionPolicy = (*ExpiryFirstPolicy)(nil)

// Order sorts lots by expiry ascending, then by creation time.
func (p *ExpiryFirstPolicy) Order(allocations []creditledger.Allocation) []creditledger.Allocation {
	result := make([]creditledger.Allocation, len(allocations))
	copy(result, allocations)

	sort.SliceStable(result, func(i, j int) bool {
		ai, aj := result[i], result[j]

		// Expiring before non-expiring.
		if (ai.ExpiresAt == nil) != (aj.ExpiresAt == nil) {
			return ai.ExpiresAt != nil
		}

		if ai.ExpiresAt != nil && !ai.ExpiresAt.Equal(*aj.ExpiresAt) {
			return ai.ExpiresAt.Before(*aj.ExpiresAt)
		}

		return ai.CreatedAt.Before(aj.CreatedAt)
	})

	return result
}
