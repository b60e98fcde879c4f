package backend

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrStaleRequest is returned for a fetch that was superseded by a newer one.
var ErrStaleRequest = errors.New("request superseded")

// Latest runs fetches so that only the most recently started one delivers
// its result. Starting a fetch cancels the context of the one in flight.
type Latest[T any] struct {
	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// Run executes fetch and, if no newer Run started meanwhile, passes its
// outcome to apply while still holding the guard. A superseded fetch never
// reaches apply and returns ErrStaleRequest. A Run whose ctx is already done
// does not supersede the fetch in flight.
func (l *Latest[T]) Run(ctx context.Context, fetch func(context.Context) (T, error), apply func(T, error)) error {
	l.mu.Lock()
	if err := ctx.Err(); err != nil {
		l.mu.Unlock()
		return errors.Mark(err, ErrStaleRequest)
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.seq++
	mine := l.seq
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	v, err := fetch(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if mine != l.seq {
		cancel()
		return ErrStaleRequest
	}
	l.cancel = nil
	cancel()
	apply(v, err)
	return err
}

// Cancel aborts the fetch in flight and marks it stale.
func (l *Latest[T]) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}
