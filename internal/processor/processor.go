package processor

import (
	"context"
	"time"

	"dealflow/internal/domain"
)

// Processor performs the actual work of a deal submission. Implementations
// may take arbitrarily long; the caller holds no lock while this runs.
type Processor interface {
	Process(ctx context.Context, deal domain.Deal) error
}

// Simulated stands in for real confirmation processing with a fixed delay.
type Simulated struct {
	Delay time.Duration
}

func (p Simulated) Process(ctx context.Context, deal domain.Deal) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.Delay):
		return nil
	}
}
