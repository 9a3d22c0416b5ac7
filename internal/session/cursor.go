package session

import "github.com/eapache/queue"

// Cursor is the ordering state of a session. It is only reachable through
// Session.Sequence, which holds the session's sequencing lock.
type Cursor struct {
	last     int64
	pending  map[int64]any
	ready    *queue.Queue
	draining bool
}

func newCursor() Cursor {
	return Cursor{
		last:    -1,
		pending: make(map[int64]any),
		ready:   queue.New(),
	}
}

// Last returns the last delivered sequence, or -1 if nothing was delivered yet.
func (c *Cursor) Last() int64 {
	return c.last
}

// Advance moves the cursor to seq.
func (c *Cursor) Advance(seq int64) {
	c.last = seq
}

// Park stores an early arrival. It returns false if seq is already parked.
func (c *Cursor) Park(seq int64, v any) bool {
	if _, ok := c.pending[seq]; ok {
		return false
	}
	c.pending[seq] = v
	return true
}

// Take removes and returns the parked item for seq.
func (c *Cursor) Take(seq int64) (any, bool) {
	v, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	return v, ok
}

// PendingLen returns the number of parked items.
func (c *Cursor) PendingLen() int {
	return len(c.pending)
}

// PendingKeys returns the parked sequence numbers in no particular order.
func (c *Cursor) PendingKeys() []int64 {
	keys := make([]int64, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	return keys
}

// Enqueue appends an item to the ready queue. It returns true when the caller
// must start a drain loop because none is running.
func (c *Cursor) Enqueue(v any) bool {
	c.ready.Add(v)
	if c.draining {
		return false
	}
	c.draining = true
	return true
}

// Dequeue pops the next ready item. When the queue is empty the drain loop is
// marked finished and false is returned.
func (c *Cursor) Dequeue() (any, bool) {
	if c.ready.Length() == 0 {
		c.draining = false
		return nil, false
	}
	return c.ready.Remove(), true
}
