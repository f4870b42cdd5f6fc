package scheduler

import (
	"time"

	"github.com/social-monitor/internal/types"
)

// entry is the in-memory state of one scheduled job
type entry struct {
	id       string
	entityID string
	ownerID  string
	platform types.Platform
	interval time.Duration
	active   bool
	nextDue  time.Time
	index    int // position in dueQueue, -1 when not queued
}

// dueQueue implements heap.Interface ordered by next due time, earliest first.
// Only active jobs are queued.
type dueQueue []*entry

func (q dueQueue) Len() int { return len(q) }

func (q dueQueue) Less(i, j int) bool {
	return q[i].nextDue.Before(q[j].nextDue)
}

func (q dueQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *dueQueue) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *dueQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// peek returns the earliest entry without removing it
func (q dueQueue) peek() *entry {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// nextSlot returns the first slot strictly after now on the grid anchored at due,
// and how many slots at or before now were passed over.
func nextSlot(due time.Time, interval time.Duration, now time.Time) (time.Time, int) {
	if due.After(now) {
		return due, 0
	}
	missed := int(now.Sub(due)/interval) + 1
	return due.Add(time.Duration(missed) * interval), missed
}
