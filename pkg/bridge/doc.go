// Package bridge re-dispatches native store completions onto the execution
// context that issued the operation.
//
// Native clients invoke their callbacks from whichever store event loop
// serviced the request. Wrap turns a handler into one that, when invoked on
// any goroutine, queues the real handler on the captured loop.Context instead
// of running it inline. WrapStream does the same for every item of a
// streaming operation plus its terminal signal, preserving arrival order.
package bridge
