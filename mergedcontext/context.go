package mergedcontext

import (
	"context"
	"time"
)

// MergeContexts returns a context that is done as soon as either parent is
// done, keeping the cause of the first one to finish. Values are looked up in
// ctx1 before ctx2, the deadline is the earliest of the two.
func MergeContexts(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx1)
	stop := context.AfterFunc(ctx2, func() {
		cancel(context.Cause(ctx2))
	})
	return merged{Context: ctx, other: ctx2}, func() {
		stop()
		cancel(context.Canceled)
	}
}

type merged struct {
	context.Context
	other context.Context
}

func (m merged) Deadline() (time.Time, bool) {
	d1, ok1 := m.Context.Deadline()
	d2, ok2 := m.other.Deadline()
	if !ok2 || (ok1 && d1.Before(d2)) {
		return d1, ok1
	}
	return d2, ok2
}

func (m merged) Value(key any) any {
	if v := m.Context.Value(key); v != nil {
		return v
	}
	return m.other.Value(key)
}
