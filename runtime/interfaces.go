package runtime

import "context"

// Initializer is implemented by components that open connections at startup.
// Initialize is called once, in registration order, before the service starts.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Shutdowner is implemented by components that release resources on exit.
// Shutdown is called in reverse registration order.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}
