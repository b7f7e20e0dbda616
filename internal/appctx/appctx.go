// Package appctx provides context utilities for background operations.
package appctx

import (
	"context"
	"time"
)

// valuesOnly forwards Value lookups to parent while running its own
// independent deadline/cancellation, so a detached context can still see
// request-scoped values (trace spans, logging fields) without inheriting
// the request's own cancellation.
type valuesOnly struct {
	context.Context
	parent context.Context
}

func (v valuesOnly) Value(key any) any {
	return v.parent.Value(key)
}

// Detached returns a new context that carries parent's values but is not
// tied to its cancellation. Use this for operations that must outlive the
// request, such as a driver teardown started from an HTTP delete handler.
// The returned context is cancelled when stopCh is closed or timeout
// expires, whichever comes first; a nil stopCh means only timeout applies.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx = valuesOnly{Context: ctx, parent: parent}

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
