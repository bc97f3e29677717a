package client

import "github.com/nimburion/kvbridge/pkg/loop"

// EventLoopSelector picks the store event loop that serves a command issued
// from ec. A nil result lets the native client choose.
type EventLoopSelector interface {
	Select(ec loop.Context) *loop.EventLoop
}

// SelectorFunc adapts a function to EventLoopSelector.
type SelectorFunc func(ec loop.Context) *loop.EventLoop

// Select calls fn(ec).
func (fn SelectorFunc) Select(ec loop.Context) *loop.EventLoop { return fn(ec) }

// NativeSelector defers the choice to the native client.
func NativeSelector() EventLoopSelector {
	return SelectorFunc(func(loop.Context) *loop.EventLoop { return nil })
}

// NextSelector hands out the loops of g round-robin.
func NextSelector(g *loop.Group) EventLoopSelector {
	return SelectorFunc(func(loop.Context) *loop.EventLoop { return g.Next() })
}

// ContextSelector serves a command on the caller's own loop when the caller
// runs on a loop of g, which is the case when the runtime and the store share
// one group. Other callers are served by fallback, or by NextSelector(g) when
// fallback is nil.
func ContextSelector(g *loop.Group, fallback EventLoopSelector) EventLoopSelector {
	if fallback == nil {
		fallback = NextSelector(g)
	}
	return SelectorFunc(func(ec loop.Context) *loop.EventLoop {
		if l, ok := g.Owner(ec); ok {
			return l
		}
		return fallback.Select(ec)
	})
}
