// Package queue provides the priority queues used by graph traversal.
//
// Queues are value-based (no pointer indirection, no per-item allocation) and
// order equal distances by slot so traversal and result extraction stay
// deterministic.
package queue

// Item is a graph slot with its distance to the current query.
type Item struct {
	Slot     uint32
	Distance float32
}

// PriorityQueue is a binary heap of Items.
//
// A min queue surfaces the nearest item first, a max queue the farthest.
// Distance ties order by ascending slot in min queues and descending slot in
// max queues, so eviction always drops the larger slot of an equal pair.
type PriorityQueue struct {
	isMaxHeap bool
	items     []Item
}

// NewMin initializes a priority queue that surfaces the nearest item first.
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{
		isMaxHeap: false,
		items:     make([]Item, 0, capacity),
	}
}

// NewMax initializes a priority queue that surfaces the farthest item first.
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{
		isMaxHeap: true,
		items:     make([]Item, 0, capacity),
	}
}

// Len returns the number of queued items.
func (pq *PriorityQueue) Len() int { return len(pq.items) }

// TopItem returns the top element of the heap without removing it.
func (pq *PriorityQueue) TopItem() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	return pq.items[0], true
}

// PushItem inserts an item while maintaining the heap invariant.
func (pq *PriorityQueue) PushItem(item Item) {
	pq.items = append(pq.items, item)
	pq.siftUp(len(pq.items) - 1)
}

// PopItem removes and returns the top element while maintaining the heap invariant.
func (pq *PriorityQueue) PopItem() (Item, bool) {
	n := len(pq.items)
	if n == 0 {
		return Item{}, false
	}
	root := pq.items[0]
	last := pq.items[n-1]
	pq.items[n-1] = Item{}
	pq.items = pq.items[:n-1]
	if n-1 > 0 {
		pq.items[0] = last
		pq.siftDown(0)
	}
	return root, true
}

// MinItem returns the item with the smallest distance currently queued.
// For min queues this is the top element; for max queues it scans the backing
// slice.
func (pq *PriorityQueue) MinItem() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	if !pq.isMaxHeap {
		return pq.items[0], true
	}
	best := pq.items[0]
	for i := 1; i < len(pq.items); i++ {
		if itemLess(pq.items[i], best) {
			best = pq.items[i]
		}
	}
	return best, true
}

// Reset clears the queue for reuse, keeping the backing slice.
func (pq *PriorityQueue) Reset() {
	pq.items = pq.items[:0]
}

// itemLess is the canonical nearest-first ordering: ascending distance,
// ascending slot on ties.
func itemLess(a, b Item) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Slot < b.Slot
}

func (pq *PriorityQueue) less(i, j int) bool {
	if pq.isMaxHeap {
		return itemLess(pq.items[j], pq.items[i])
	}
	return itemLess(pq.items[i], pq.items[j])
}

func (pq *PriorityQueue) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !pq.less(i, p) {
			return
		}
		pq.items[i], pq.items[p] = pq.items[p], pq.items[i]
		i = p
	}
}

func (pq *PriorityQueue) siftDown(i int) {
	n := len(pq.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		r := l + 1
		if r < n && pq.less(r, l) {
			best = r
		}
		if !pq.less(best, i) {
			return
		}
		pq.items[i], pq.items[best] = pq.items[best], pq.items[i]
		i = best
	}
}
