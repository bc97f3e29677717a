// Package loop provides the single-goroutine execution contexts that kvbridge
// re-dispatches store completions onto.
//
// An EventLoop owns one goroutine and a FIFO task queue. Everything submitted
// through Execute runs on that goroutine, one task at a time, in submission
// order, so code bound to a loop never needs locks for state only it touches.
// A Group is a fixed set of loops; the same Group can serve as the pool of
// request contexts and as the native store client's event loops.
package loop
