package resilience

import "context"

// Guard runs calls to one dependency through its circuit breaker under a retry policy.
// Every attempt passes the breaker, so an open circuit ends the retry sequence at once.
type Guard struct {
	Breaker  *CircuitBreaker
	Executor *Executor
	Policy   Policy
}

// Run executes fn and returns the number of attempts made.
func (g Guard) Run(ctx context.Context, op string, fn func(context.Context) error) (int, error) {
	exec := g.Executor
	if exec == nil {
		exec = NewExecutor(nil)
	}
	return exec.Execute(ctx, g.Policy, op, func(ctx context.Context) error {
		if g.Breaker == nil {
			return fn(ctx)
		}
		return g.Breaker.Execute(ctx, fn)
	})
}

// Call is Guard.Run for operations that produce a value.
func Call[T any](ctx context.Context, g Guard, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	_, err := g.Run(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
