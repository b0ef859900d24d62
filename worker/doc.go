// Package worker implements the backend side of a broker call: it consumes
// the shared queue of one domain, dispatches each request to the handler
// registered for its action and replies {domain: payload} to the caller's
// reply address with the request's correlation id.
//
//	w, _ := worker.New(transport, "attribute")
//	w.Handle("get_attribute_by_name", func(ctx context.Context, req *worker.Request) (any, error) {
//		var q struct{ AttributeName string `json:"attribute_name"` }
//		if err := req.Bind(&q); err != nil {
//			return nil, err
//		}
//		return lookup(ctx, q.AttributeName)
//	})
//	w.Start(ctx)
//	defer w.Stop()
package worker
