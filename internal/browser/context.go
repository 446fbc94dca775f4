package browser

import (
	"context"
	"time"
)

// CombineContext returns a context derived from primary (keeping its values,
// which for chromedp carry the CDP target) that is also canceled when
// secondary is done. Engines use it to run browser operations under a flow's
// deadline without tying the browser's own lifetime to that deadline.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// valueOnlyContext keeps the parent's values but drops its deadline and cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                       { return nil }
func (valueOnlyContext) Err() error                                  { return nil }

// Detach returns a context that inherits values from ctx but is not canceled
// when ctx is. Session saves after a cancelled or timed out flow run on it.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
