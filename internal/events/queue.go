package events

import (
	"sort"
	"strconv"
	"time"
)

type entry struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// queue keeps entries ordered by time, equal times in insertion order.
// Cancelled entries stay in the slice until they reach the head. It is not
// safe for concurrent use; both schedulers guard it with their own mutex.
type queue struct {
	prefix string
	seq    uint64
	items  []*entry
	live   map[string]*entry
}

func newQueue(prefix string) queue {
	return queue{prefix: prefix, live: make(map[string]*entry)}
}

func (q *queue) push(at time.Time, f func()) string {
	q.seq++
	e := &entry{id: q.prefix + strconv.FormatUint(q.seq, 10), when: at, f: f}

	i := sort.Search(len(q.items), func(i int) bool { return q.items[i].when.After(at) })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = e

	q.live[e.id] = e
	return e.id
}

func (q *queue) cancel(id string) {
	if e, ok := q.live[id]; ok {
		e.cancelled = true
		delete(q.live, id)
	}
}

func (q *queue) trim() {
	for len(q.items) > 0 && q.items[0].cancelled {
		q.items[0] = nil
		q.items = q.items[1:]
	}
}

func (q *queue) next() (time.Time, bool) {
	q.trim()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].when, true
}

// popDue removes the head if it is due at now.
func (q *queue) popDue(now time.Time) *entry {
	q.trim()
	if len(q.items) == 0 || q.items[0].when.After(now) {
		return nil
	}
	e := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	delete(q.live, e.id)
	return e
}

func (q *queue) pending() int { return len(q.live) }
