package creditledger

// ConsumptionPolicy orders a workspace's lots for a debit.
type ConsumptionPolicy interface {
	// Order returns the lots in the order they should be drained.
	// Implementations must not modify the input slice.
	Order(allocations []Allocation) []Allocation
}
