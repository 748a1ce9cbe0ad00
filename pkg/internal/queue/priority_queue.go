package queue

import (
	"container/heap"
	"time"
)

// Item is a scheduled entry. Callers keep the pointer to cancel it.
type Item struct {
	Value    interface{} // Payload handed back when the deadline passes
	Priority int         // Tie breaker for equal deadlines (higher first)
	NextRun  time.Time   // Deadline
	Index    int         // Index in the heap, -1 once removed

	seq uint64
}

// Scheduled reports whether the item is still waiting in a queue
func (it *Item) Scheduled() bool {
	return it != nil && it.Index >= 0
}

// PriorityQueue orders items by deadline, then priority, then insertion.
// It is not safe for concurrent use; the engine owns it from one goroutine.
type PriorityQueue struct {
	items itemHeap
	seq   uint64
}

// NewPriorityQueue creates a new priority queue
func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{
		items: make(itemHeap, 0),
	}
	heap.Init(&pq.items)
	return pq
}

// Push schedules value at nextRun and returns its handle
func (pq *PriorityQueue) Push(value interface{}, priority int, nextRun time.Time) *Item {
	pq.seq++
	item := &Item{
		Value:    value,
		Priority: priority,
		NextRun:  nextRun,
		seq:      pq.seq,
	}
	heap.Push(&pq.items, item)
	return item
}

// Remove cancels a scheduled item. Removing twice is harmless.
func (pq *PriorityQueue) Remove(item *Item) bool {
	if !item.Scheduled() || item.Index >= len(pq.items) || pq.items[item.Index] != item {
		return false
	}
	heap.Remove(&pq.items, item.Index)
	return true
}

// Reschedule moves an item to a new deadline, pushing it again if it already fired
func (pq *PriorityQueue) Reschedule(item *Item, nextRun time.Time) {
	item.NextRun = nextRun
	if item.Scheduled() && item.Index < len(pq.items) && pq.items[item.Index] == item {
		heap.Fix(&pq.items, item.Index)
		return
	}
	pq.seq++
	item.seq = pq.seq
	heap.Push(&pq.items, item)
}

// Peek returns the earliest item without removing it
func (pq *PriorityQueue) Peek() *Item {
	if pq.items.Len() == 0 {
		return nil
	}
	return pq.items[0]
}

// NextReady removes and returns the earliest item whose deadline is not after now
func (pq *PriorityQueue) NextReady(now time.Time) *Item {
	if pq.items.Len() == 0 {
		return nil
	}

	item := pq.items[0]
	if now.Before(item.NextRun) {
		return nil
	}

	return heap.Pop(&pq.items).(*Item)
}

// Len returns the number of items in the queue
func (pq *PriorityQueue) Len() int {
	return pq.items.Len()
}

// Clear removes all items
func (pq *PriorityQueue) Clear() {
	for _, it := range pq.items {
		it.Index = -1
	}
	pq.items = make(itemHeap, 0)
}

// itemHeap implements heap.Interface
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].NextRun.Before(h[j].NextRun) {
		return true
	}
	if h[j].NextRun.Before(h[i].NextRun) {
		return false
	}
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].Index = i
	h[j].Index = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*Item)
	item.Index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	*h = old[0 : n-1]
	return item
}
