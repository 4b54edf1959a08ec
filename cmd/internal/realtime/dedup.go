package realtime

import "container/list"

// DedupWindow is a bounded LRU record of recently seen message identifiers.
//
// It is owned exclusively by one session goroutine, so no lock is taken.
// Eviction is deterministic: the least recently seen identifier goes first.
type DedupWindow struct {
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewDedupWindow constructs a window with the given capacity.
func NewDedupWindow(capacity int) *DedupWindow {
	if capacity <= 0 {
		capacity = dedupWindowSize
	}
	return &DedupWindow{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Seen reports whether id is in the window and records it either way.
// A hit refreshes the entry's recency; a miss inserts it, evicting the
// least recently seen identifier once capacity is exceeded.
func (w *DedupWindow) Seen(id string) bool {
	if id == "" {
		return false
	}

	if el, ok := w.index[id]; ok {
		w.order.MoveToBack(el)
		return true
	}

	w.index[id] = w.order.PushBack(id)

	for w.order.Len() > w.capacity {
		oldest := w.order.Front()
		w.order.Remove(oldest)
		delete(w.index, oldest.Value.(string))
	}

	return false
}

// Contains reports whether id is in the window without recording it.
func (w *DedupWindow) Contains(id string) bool {
	_, ok := w.index[id]
	return ok
}

// Len returns the number of identifiers currently held.
func (w *DedupWindow) Len() int {
	return w.order.Len()
}
