// Package commandqueue provides the unbounded FIFO queue that feeds the scheduler worker.
//
// Invariants:
// - Items are dequeued in strict insertion order.
// - Enqueue never blocks the producer; any number of producers may call it.
// - Dequeue is called by a single consumer only.
// - After Close, Enqueue fails with ErrClosed. Items already queued stay dequeuable;
//   Dequeue returns ErrClosed once they are gone.
//
// Usage:
//
//	queue := commandqueue.New[*scheduler.Command]()
//	_ = queue.Enqueue(cmd)
//	next, err := queue.Dequeue(ctx)
//	canceled := queue.DrainAndCancelAll()
package commandqueue
