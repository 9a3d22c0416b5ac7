// Package sequencer restores the emission order of events that reach the
// proxy over transports that do not preserve it.
//
// Each session keeps the last delivered sequence number and a reorder buffer
// of early arrivals. An event that fills the gap is dispatched together with
// every contiguous event waiting behind it. Dispatch for a session runs on a
// single drain goroutine, so listeners observe events in sequence order while
// the listeners of one event run in parallel.
package sequencer

import (
	"context"
	"fmt"
	"log"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/remote-test-proxy/backend/internal/metrics"
	"github.com/remote-test-proxy/backend/internal/model"
	"github.com/remote-test-proxy/backend/internal/session"
)

// Policy selects how arrivals are turned into deliveries.
type Policy string

const (
	// PolicyOrdered buffers early arrivals until the gap before them is filled.
	PolicyOrdered Policy = "ordered"

	// PolicyImmediate dispatches in arrival order without sequence checks.
	// Only safe when the transport itself preserves order.
	PolicyImmediate Policy = "immediate"
)

// ParsePolicy converts a configuration value to a Policy. Empty means ordered.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyOrdered:
		return PolicyOrdered, nil
	case PolicyImmediate:
		return PolicyImmediate, nil
	default:
		return "", fmt.Errorf("unknown ordering policy %q", s)
	}
}

// Reporter receives every failed delivery. It is the diagnostic channel for
// callers that acknowledge without waiting.
type Reporter func(ev *model.Event, err error)

// LogReporter writes failures to the standard logger. ev is nil when the
// failure happened before an event could be parsed.
func LogReporter(ev *model.Event, err error) {
	if ev == nil {
		log.Printf("Dropped undeliverable payload: %v", err)
		return
	}
	log.Printf("Delivery failed for session %s event %d (%s): %v", ev.SessionID, ev.ID, ev.Name, err)
}

// Sequencer delivers events to session listeners in sequence order.
type Sequencer struct {
	registry *session.Registry
	policy   Policy
	metrics  *metrics.Metrics
	report   Reporter

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Sequencer over registry. A nil metrics is allowed.
func New(registry *session.Registry, policy Policy, m *metrics.Metrics) *Sequencer {
	if policy == "" {
		policy = PolicyOrdered
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sequencer{
		registry: registry,
		policy:   policy,
		metrics:  m,
		report:   LogReporter,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Policy returns the active ordering policy.
func (q *Sequencer) Policy() Policy {
	return q.policy
}

// Report passes a failure that never reached Submit, such as a malformed
// socket frame, to the configured reporter.
func (q *Sequencer) Report(ev *model.Event, err error) {
	q.report(ev, err)
}

// SetReporter replaces the failure reporter. Must be called before Submit.
func (q *Sequencer) SetReporter(r Reporter) {
	if r == nil {
		r = func(*model.Event, error) {}
	}
	q.report = r
}

// Close cancels the context handed to listeners.
func (q *Sequencer) Close() {
	q.cancel()
}

// Submit accepts one event. The returned Delivery is already failed with
// model.ErrSequenceViolation if the sequence was delivered or is pending;
// otherwise it resolves once the event's turn comes and its listeners settle.
func (q *Sequencer) Submit(ev *model.Event) *Delivery {
	d := newDelivery(ev)
	sess := q.registry.GetOrCreate(ev.SessionID)

	var (
		start    bool
		rejected error
		parked   int
		taken    int
	)

	sess.Sequence(func(c *session.Cursor) {
		if q.policy == PolicyImmediate {
			if ev.ID > c.Last() {
				c.Advance(ev.ID)
			}
			start = c.Enqueue(d)
			return
		}

		last := c.Last()
		switch {
		case ev.ID <= last:
			rejected = fmt.Errorf("%w: session %s got sequence %d, last delivered %d",
				model.ErrSequenceViolation, ev.SessionID, ev.ID, last)

		case ev.ID == last+1:
			c.Advance(ev.ID)
			start = c.Enqueue(d)
			for {
				next, ok := c.Take(c.Last() + 1)
				if !ok {
					break
				}
				taken++
				c.Advance(c.Last() + 1)
				if c.Enqueue(next) {
					start = true
				}
			}

		default:
			if !c.Park(ev.ID, d) {
				rejected = fmt.Errorf("%w: session %s already has sequence %d pending",
					model.ErrSequenceViolation, ev.SessionID, ev.ID)
				return
			}
			parked++
		}
	})

	if rejected != nil {
		q.metrics.SequenceViolation()
		q.report(ev, rejected)
		d.resolve(rejected)
		return d
	}

	q.metrics.AddPending(float64(parked - taken))
	if start {
		go q.drain(sess)
	}
	return d
}

// State returns the session's last delivered sequence and the sorted
// sequences waiting in its reorder buffer.
func (q *Sequencer) State(sessionID string) (last int64, pending []int64) {
	sess, ok := q.registry.Get(sessionID)
	if !ok {
		return -1, nil
	}
	sess.Sequence(func(c *session.Cursor) {
		last = c.Last()
		pending = c.PendingKeys()
	})
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	return last, pending
}

func (q *Sequencer) drain(sess *session.Session) {
	for {
		var (
			item any
			ok   bool
		)
		sess.Sequence(func(c *session.Cursor) {
			item, ok = c.Dequeue()
		})
		if !ok {
			return
		}
		q.dispatch(sess, item.(*Delivery))
	}
}

func (q *Sequencer) dispatch(sess *session.Session, d *Delivery) {
	ev := d.Event
	if ev.Cancelled {
		q.metrics.Delivered("cancelled")
		d.resolve(nil)
		return
	}

	var g errgroup.Group
	for _, l := range sess.Listeners() {
		g.Go(func() error {
			return invoke(q.ctx, l, ev)
		})
	}

	if err := g.Wait(); err != nil {
		err = fmt.Errorf("%w: session %s event %d (%s): %v",
			model.ErrListenerFailure, ev.SessionID, ev.ID, ev.Name, err)
		q.metrics.Delivered("failed")
		q.report(ev, err)
		d.resolve(err)
		return
	}

	q.metrics.Delivered("ok")
	d.resolve(nil)
}

func invoke(ctx context.Context, l session.Listener, ev *model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Listener panicked on %s/%d: %v", ev.SessionID, ev.ID, r)
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.Handle(ctx, ev.Name, ev.Data)
}
