package app

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/tabletop/internal/database"
	"github.com/nfrund/tabletop/internal/pubsub"
	"github.com/nfrund/tabletop/internal/storage/sqlite"
	"github.com/nfrund/tabletop/internal/ugc"
)

// The wrappers below give the container a Shutdown hook for services that
// expose Close instead.

type tracing struct {
	trace.Tracer
	flush func(context.Context) error
}

func (t *tracing) Shutdown(ctx context.Context) error { return t.flush(ctx) }

type eventBus struct {
	*pubsub.WatermillBridge
}

func (b *eventBus) Shutdown() error { return b.Close() }

type journal struct {
	*sqlite.Journal
}

func (j *journal) Shutdown() error { return j.Close() }

type surreal struct {
	*database.Connection
}

func (s *surreal) Shutdown(ctx context.Context) error { return s.Close(ctx) }

type rulesLibrary struct {
	*ugc.Library
	stop context.CancelFunc
}

func (r *rulesLibrary) Shutdown() { r.stop() }
