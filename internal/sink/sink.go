package sink

import (
	"context"

	"vnoded/internal/domain"
)

// Sink receives every message after it has been acknowledged. Errors are
// reported to the caller for logging only; the delivery stays acked.
type Sink interface {
	Handle(context.Context, domain.Received) error
}

type Func func(context.Context, domain.Received) error

func (f Func) Handle(ctx context.Context, r domain.Received) error { return f(ctx, r) }

type nop struct{}

func (nop) Handle(context.Context, domain.Received) error { return nil }

func Nop() Sink { return nop{} }
