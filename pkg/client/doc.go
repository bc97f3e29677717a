// Package client is the future-returning facade over a callback-based native
// store client.
//
// Every operation takes the caller's execution context explicitly. The
// returned future, and every continuation chained on it, resolves on that
// context no matter which store event loop serviced the request:
//
//	f := c.Get(ctx, ec, nil, key)
//	future.Compose(f, func(rec *kv.KeyRecord) *future.Future[*kv.Key] {
//		// runs on ec
//		return c.Put(ctx, ec, nil, key, kv.NewBin("visits", 1))
//	})
//
// Operations never block. Passing a nil context is a programming error and
// panics with ErrNoContext.
package client
