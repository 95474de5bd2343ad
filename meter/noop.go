package meter

import "github.com/ineyio/creditledger"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ creditledger.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnOperation(creditledger.OperationEvent) {}
func (m *NoopMeter) OnExpired(creditledger.ExpiredEvent)     {}
