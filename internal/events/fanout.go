package events

import (
	"context"

	"github.com/narivals/rivals-ledger/internal/model"
)

// Sink receives ledger events.
type Sink interface {
	Notify(ctx context.Context, e model.Event)
}

// Fanout forwards each event to every sink in order.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, e model.Event) {
	for _, s := range f {
		s.Notify(ctx, e)
	}
}
