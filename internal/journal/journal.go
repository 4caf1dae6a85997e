package journal

import (
	"context"

	"vnoded/internal/domain"
)

// Journal stores supervisor lifecycle transitions for later inspection.
type Journal interface {
	Record(context.Context, domain.Transition) error
}

type nop struct{}

func (nop) Record(context.Context, domain.Transition) error { return nil }

func Nop() Journal { return nop{} }
