package cache

// lruHeap is a binary min-heap over cache Keys ordered by their entry's
// priority (lower priority == older == evicted first), with an external
// index kept on the entry itself so remove can locate a given key in
// O(log n) without scanning. The heap stores Keys, not owned entries;
// entries live in the Cache's primary map.
type lruHeap struct {
	keys  []Key
	byKey map[Key]*entry
}

func newLRUHeap(byKey map[Key]*entry) *lruHeap {
	return &lruHeap{byKey: byKey}
}

func (h *lruHeap) Len() int { return len(h.keys) }

func (h *lruHeap) priority(i int) uint64 { return h.byKey[h.keys[i]].priority }

func (h *lruHeap) swap(i, j int) {
	h.keys[i], h.keys[j] = h.keys[j], h.keys[i]
	h.byKey[h.keys[i]].heapIndex = i
	h.byKey[h.keys[j]].heapIndex = j
}

// push inserts k, whose entry must already carry the desired priority, and
// restores heap order.
func (h *lruHeap) push(k Key) {
	h.keys = append(h.keys, k)
	i := len(h.keys) - 1
	h.byKey[k].heapIndex = i
	h.siftUp(i)
}

// pop removes and returns the lowest-priority key. Panics if empty.
func (h *lruHeap) pop() Key {
	top := h.keys[0]
	last := len(h.keys) - 1
	h.swap(0, last)
	h.byKey[top].heapIndex = -1
	h.keys = h.keys[:last]
	if len(h.keys) > 0 {
		h.siftDown(0)
	}
	return top
}

// remove deletes k from the heap given its current heapIndex (k must be on
// the heap). Used when an InHeap entry transitions back to InUse via
// get_artifact's Success path.
func (h *lruHeap) remove(k Key) {
	i := h.byKey[k].heapIndex
	last := len(h.keys) - 1
	if i != last {
		h.swap(i, last)
	}
	h.byKey[k].heapIndex = -1
	h.keys = h.keys[:last]
	if i < len(h.keys) {
		h.siftDown(i)
		h.siftUp(i)
	}
}

func (h *lruHeap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if h.priority(parent) <= h.priority(i) {
			break
		}
		h.swap(parent, i)
		i = parent
	}
}

func (h *lruHeap) siftDown(i int) {
	n := len(h.keys)
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < n && h.priority(left) < h.priority(smallest) {
			smallest = left
		}
		if right < n && h.priority(right) < h.priority(smallest) {
			smallest = right
		}
		if smallest == i {
			return
		}
		h.swap(i, smallest)
		i = smallest
	}
}
