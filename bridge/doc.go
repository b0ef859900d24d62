// Package bridge provides blocking request/reply calls over an asynchronous
// publish/subscribe broker.
//
// A call publishes one envelope under a routing tag, then waits until the
// expected number of reply frames carrying its correlation token have
// arrived, or its timeout elapses. Replies from several services are
// aggregated into one contracts.Replies keyed by domain.
//
//	b, err := bridge.Open(ctx, transport)
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
//
//	env := contracts.NewEnvelope("attribute", "get_attribute_by_name",
//	    map[string]any{"attribute_name": "color"})
//	replies, err := b.Publish(ctx, env, contracts.TagFor(env),
//	    bridge.WithTimeout(5*time.Second))
//
// The bridge handles:
//   - one correlation token per call, registered before the publish
//   - one reply listener per connection, isolated from bad frames
//   - first-N aggregation; late, duplicate and surplus replies are dropped
//   - guaranteed removal of the pending call on every exit path
//
// Failures surface as *TransportError (never retried), *TimeoutError
// (carrying the partial replies) or ErrCancelled when the bridge stops.
package bridge
