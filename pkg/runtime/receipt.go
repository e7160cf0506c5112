package runtime

import (
	"context"
	"sync"
)

// Receipt tracks one accepted activity.
type Receipt struct {
	ActivityID string

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

func newReceipt(activityID string) *Receipt {
	return &Receipt{ActivityID: activityID, done: make(chan struct{})}
}

// Done is closed once the activity has an outcome.
func (r *Receipt) Done() <-chan struct{} { return r.done }

// Wait blocks until the activity has an outcome or ctx is done. It returns the
// workflow result, a *ProcessingError, or ErrDiscarded when the actor was
// terminated before the activity completed.
func (r *Receipt) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err() //nolint:wrapcheck // Context error propagated as-is
	}
}

func (r *Receipt) resolve(result any, err error) {
	r.once.Do(func() {
		r.result, r.err = result, err
		close(r.done)
	})
}
