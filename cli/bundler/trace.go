package bundler

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/mass-aquaponics/assetpipe/internal/observability"
)

// buildTrace holds the span of the esbuild pass in progress. The tracking
// plugin opens and closes it; loaders hang their spans below it.
type buildTrace struct {
	parent context.Context
	app    string

	mu     sync.Mutex
	ctx    context.Context
	span   trace.Span
	builds int
}

func newBuildTrace(parent context.Context, app string) *buildTrace {
	return &buildTrace{parent: parent, app: app, ctx: parent}
}

func (t *buildTrace) start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ctx, t.span = observability.StartBuildSpan(t.parent, t.app, t.builds > 0)
	t.builds++
}

func (t *buildTrace) end(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.span == nil {
		return
	}
	observability.EndSpan(t.span, err)
	t.ctx, t.span = t.parent, nil
}

// context returns the context of the current build span
func (t *buildTrace) context() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx
}
