package policy

import (
	"sort"

	"github.com/ineyio/creditledger"
)

// CreatedFirstPolicy drains lots strictly in the order they were granted,
// ignoring expiry.
type CreatedFirstPolicy struct{}

var _ creditledger.ConsumptionPolicy = (*CreatedFirstPolicy)(nil)

// Order sorts lots by creation time ascending.
func (p *CreatedFirstPolicy) Order(allocations []creditledger.Allocation) []creditledger.Allocation {
	result := make([]creditledger.Allocation, len(allocations))
	copy(result, allocations)

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result
}
