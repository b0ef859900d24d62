// Package reliability holds the failure-handling primitives shared by the
// bridge, the worker and the gateway supervisor.
//
//   - CircuitBreaker stops publishing to a broker that keeps failing.
//   - Retry runs an operation under a RetryPolicy until it succeeds, the
//     policy gives up or the context ends.
//
// Example:
//
//	cb := reliability.NewCircuitBreaker(
//	    reliability.WithFailureThreshold(5),
//	    reliability.WithTimeout(30*time.Second),
//	)
//	err := cb.Execute(ctx, func() error {
//	    return transport.Publish(ctx, frame)
//	})
package reliability
