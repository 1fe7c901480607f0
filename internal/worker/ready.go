package worker

import "context"

// ReadinessDeps is the dependency the readiness probe exercises; the
// database pool satisfies it directly.
type ReadinessDeps interface {
	Ping(ctx context.Context) error
}
