package journal

import (
	"context"

	"github.com/aura-labs/aura"
)

// Cursor walks the changes of a journal in merge order. A cursor only
// remembers the last sequence number it returned, so a subscriber can
// restart from any position. Keys that changed several times since are
// returned once, with their latest version.
type Cursor struct {
	j     *Journal
	after uint64
}

// Watch returns a cursor positioned after the given sequence number. Use
// 0 to replay everything.
func (j *Journal) Watch(after uint64) *Cursor {
	return &Cursor{j: j, after: after}
}

// Position returns the sequence number of the last returned fact.
func (c *Cursor) Position() uint64 {
	return c.after
}

// TryNext returns the next change if there is one.
func (c *Cursor) TryNext() (*IndexedFact, bool) {
	next, _ := c.next()
	return next, next != nil
}

func (c *Cursor) next() (*IndexedFact, chan struct{}) {
	c.j.Lock()
	defer c.j.Unlock()
	var found *entry
	c.j.bySeq.AscendGreaterOrEqual(&entry{seq: c.after + 1}, func(e *entry) bool {
		found = e
		return false
	})
	if found == nil {
		return nil, c.j.notify
	}
	c.after = found.seq
	return &IndexedFact{Seq: found.seq, Fact: found.fact}, nil
}

// Next blocks until the next change or until ctx is done.
func (c *Cursor) Next(ctx context.Context) (*IndexedFact, error) {
	for {
		next, wait := c.next()
		if next != nil {
			return next, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, aura.Errorf(aura.KindTimedOut, "watch: %v", ctx.Err())
		}
	}
}
