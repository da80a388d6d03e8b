package subscriptions

import (
	"context"

	"github.com/eclipse-ditto/ditto-sub092/search"
)

// Emitter delivers events to a client. A Session calls Emit from its own
// goroutine only, so events of one subscription never race each other; an
// Emitter shared by several subscriptions must serialize itself.
type Emitter interface {
	Emit(ctx context.Context, ev search.Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev search.Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev search.Event) error { return f(ctx, ev) }
