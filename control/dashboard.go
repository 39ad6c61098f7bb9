package control

import (
	"image"
	"sync"
	"time"

	"github.com/trendcar/trendcar/model"
)

// Dashboard priorities. Any value in [PriorityLow, PriorityHigh] is
// accepted; out-of-range values clamp.
const (
	PriorityHigh   = 9
	PriorityNormal = 5
	PriorityLow    = 1
)

// TrackViewInfo locates the track view inside the full frame.
type TrackViewInfo struct {
	YStart  int
	YStop   int
	Heading *float64
}

// A Dashboard is the per-tick snapshot handed to editors, observers, and
// pilots. Editors mutate it before broadcast; after broadcast it is
// read-only by convention. Older ticks are dropped, last value wins.
type Dashboard struct {
	Timestamp       time.Time
	LastProcessTime time.Duration
	Frame           image.Image
	AllFrames       []image.Image
	FrameWidth      int
	FrameHeight     int
	FrameRate       float64
	Flipped         bool
	ReadyToGo       model.TriState
	Started         bool

	// editor-added fields
	TrackView     image.Image
	TrackViewInfo *TrackViewInfo
	FocusedRect   *image.Rectangle
	FocusedCount  int
}

// A DashboardEditor mutates the in-flight dashboard. Returning true
// short-circuits the remaining editors for this tick.
type DashboardEditor func(*Dashboard) bool

// A DashboardObserver consumes a finished dashboard. Returning true
// short-circuits the remaining observers for this tick.
type DashboardObserver func(*Dashboard) bool

// HandlerID identifies a registered editor or observer for removal.
type HandlerID int64

type handlerEntry struct {
	id       HandlerID
	priority int
	seq      int64
	fn       func(*Dashboard) bool
}

// handlerRegistry keeps handlers in priority buckets. A dirty flag defers
// reflattening to the next tick so churn does not block live iteration.
type handlerRegistry struct {
	mu      sync.Mutex
	nextID  HandlerID
	nextSeq int64
	buckets map[int][]handlerEntry
	dirty   bool
	flat    []handlerEntry
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{buckets: map[int][]handlerEntry{}}
}

func clampPriority(priority int) int {
	if priority > PriorityHigh {
		return PriorityHigh
	}
	if priority < PriorityLow {
		return PriorityLow
	}
	return priority
}

func (r *handlerRegistry) register(fn func(*Dashboard) bool, priority int) HandlerID {
	priority = clampPriority(priority)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.nextSeq++
	r.buckets[priority] = append(r.buckets[priority], handlerEntry{
		id:       r.nextID,
		priority: priority,
		seq:      r.nextSeq,
		fn:       fn,
	})
	r.dirty = true
	return r.nextID
}

func (r *handlerRegistry) unregister(id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for priority, entries := range r.buckets {
		for i, entry := range entries {
			if entry.id == id {
				r.buckets[priority] = append(entries[:i], entries[i+1:]...)
				r.dirty = true
				return true
			}
		}
	}
	return false
}

// flattened returns handlers ordered by (priority desc, insertion asc),
// rebuilding only when the registry changed since the last tick.
func (r *handlerRegistry) flattened() []handlerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirty {
		r.flat = r.flat[:0]
		for priority := PriorityHigh; priority >= PriorityLow; priority-- {
			r.flat = append(r.flat, r.buckets[priority]...)
		}
		r.dirty = false
	}
	return r.flat
}

func (r *handlerRegistry) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entries := range r.buckets {
		if len(entries) > 0 {
			return false
		}
	}
	return true
}
