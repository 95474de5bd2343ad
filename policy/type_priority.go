package policy

import (
	"sort"

	"github.com/ineyio/creditledger"
)

// TypePriorityPolicy drains lots by allocation type in the given order,
// falling back to expiry-first within a type. Types missing from Priority
// are drained last.
type TypePriorityPolicy struct {
	Priority []creditledger.AllocationType
}

var _ creditledger.ConsumptionPolicy = (*TypePriorityPolicy)(nil)

// NewBonusFirstPolicy spends bonus credits, then monthly, then purchased packs.
func NewBonusFirstPolicy() *TypePriorityPolicy {
	return &TypePriorityPolicy{Priority: []creditledger.AllocationType{
		creditledger.AllocationBonus,
		creditledger.AllocationMonthly,
		creditledger.AllocationPack,
	}}
}

// Order sorts lots by type rank, then expiry, then creation time.
func (p *TypePriorityPolicy) Order(allocations []creditledger.Allocation) []creditledger.Allocation {
	rank := make(map[creditledger.AllocationType]int, len(p.Priority))
	for i, t := range p.Priority {
		rank[t] = i
	}
	rankOf := func(t creditledger.AllocationType) int {
		if r, ok := rank[t]; ok {
			return r
		}
		return len(p.Priority)
	}

	result := (&ExpiryFirstPolicy{}).Order(allocations)
	sort.SliceStable(result, func(i, j int) bool {
		return rankOf(result[i].Type) < rankOf(result[j].Type)
	})
	return result
}
