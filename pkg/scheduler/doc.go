// Package scheduler serializes commands into a single execution stream.
//
// Any number of goroutines may Post commands. One worker goroutine dequeues them in
// strict posting order and runs at most one work closure at a time. Every command
// carries a cancellation token and a promise: the token is checked before the closure
// runs and is bound to the context the closure receives, and the promise is settled
// exactly once as resolved, failed or canceled.
//
// A failing (or panicking) command fails its own promise and the worker moves on.
// Stop rejects new posts, cancels the running command, cancels everything still
// queued and waits for the worker to exit.
//
// Usage:
//
//	s := scheduler.New(scheduler.Options{Name: "analysis"})
//	defer s.Stop(context.Background())
//
//	cmd := scheduler.NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
//		return analyze(ctx)
//	}, scheduler.WithName("analyze"))
//	value, err := s.Post(cmd).Await(ctx)
package scheduler
