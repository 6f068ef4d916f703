// Package containers holds the small semantic data structures the worker
// runtime and load meter build on: a due-time-ordered priority queue with
// an id lookup, and a sliding-window average.
package containers

import "container/heap"

// DueEntry is one item in a DueQueue, keyed by DueAt for ordering and by
// ID for O(log n) removal.
type DueEntry struct {
	ID    uint64
	DueAt int64 // UnixNano; caller picks the time base
	index int   // heap index, maintained by container/heap
}

type dueHeap []*DueEntry

func (h dueHeap) Len() int { return len(h) }
func (h dueHeap) Less(i, j int) bool {
	if h[i].DueAt != h[j].DueAt {
		return h[i].DueAt < h[j].DueAt
	}
	// Ties break by id, ascending (spec: delayed calls on one worker fire
	// in non-decreasing due-time order; ties break by id ascending).
	return h[i].ID < h[j].ID
}
func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *dueHeap) Push(x any) {
	e := x.(*DueEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// DueQueue is a binary min-heap ordered by DueAt, with an id→entry map
// layered on top so an arbitrary entry can be located and removed in
// O(log n) instead of O(n). This is the structure spec §4.5 and §9
// prescribe in place of a multimap-by-time plus unordered_map-by-id pair.
type DueQueue struct {
	h     dueHeap
	byID  map[uint64]*DueEntry
}

// NewDueQueue returns an empty queue.
func NewDueQueue() *DueQueue {
	return &DueQueue{byID: make(map[uint64]*DueEntry)}
}

// Insert adds an entry keyed by id and due time. The id must not already
// be present.
func (q *DueQueue) Insert(id uint64, dueAt int64) *DueEntry {
	e := &DueEntry{ID: id, DueAt: dueAt}
	heap.Push(&q.h, e)
	q.byID[id] = e
	return e
}

// Peek returns the entry with the smallest DueAt without removing it.
func (q *DueQueue) Peek() (*DueEntry, bool) {
	if len(q.h) == 0 {
		return nil, false
	}
	return q.h[0], true
}

// PopDue removes and returns the entry with the smallest DueAt, if it is
// due at or before now.
func (q *DueQueue) PopDue(now int64) (*DueEntry, bool) {
	if len(q.h) == 0 || q.h[0].DueAt > now {
		return nil, false
	}
	e := heap.Pop(&q.h).(*DueEntry)
	delete(q.byID, e.ID)
	return e, true
}

// Remove removes the entry with the given id, if present, and returns it.
func (q *DueQueue) Remove(id uint64) (*DueEntry, bool) {
	e, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.h, e.index)
	delete(q.byID, id)
	return e, true
}

// Reschedule moves an existing entry to a new due time, preserving its id.
func (q *DueQueue) Reschedule(id uint64, dueAt int64) bool {
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	e.DueAt = dueAt
	heap.Fix(&q.h, e.index)
	return true
}

// Len returns the number of entries currently queued.
func (q *DueQueue) Len() int { return len(q.h) }
