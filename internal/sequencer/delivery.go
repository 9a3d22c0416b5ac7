package sequencer

import (
	"context"

	"github.com/remote-test-proxy/backend/internal/model"
)

// Delivery is the handle for one submitted event. It resolves once the event
// has been dispatched to every listener, skipped as cancelled, or rejected.
type Delivery struct {
	Event *model.Event

	done chan struct{}
	err  error
}

func newDelivery(ev *model.Event) *Delivery {
	return &Delivery{
		Event: ev,
		done:  make(chan struct{}),
	}
}

func (d *Delivery) resolve(err error) {
	d.err = err
	close(d.done)
}

// Done is closed when the delivery has settled.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Err returns the delivery result. It is nil until Done is closed.
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Settled reports whether the delivery has resolved.
func (d *Delivery) Settled() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the delivery settles or ctx is done.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll waits for every delivery and returns the first failure in
// submission order.
func WaitAll(ctx context.Context, deliveries []*Delivery) error {
	var first error
	for _, d := range deliveries {
		if err := d.Wait(ctx); err != nil && first == nil {
			first = err
			if ctx.Err() != nil {
				return first
			}
		}
	}
	return first
}
