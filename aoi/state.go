package aoi

import (
	"image"
	"sync"
	"time"
)

// FrameSnapshot is the latest processed frame as seen by readers outside the
// processing loop.
type FrameSnapshot struct {
	Sequence  uint64
	Timestamp time.Time
	Bounds    image.Rectangle
	Result    *FrameResult
	Summary   FrameSummary
	// Gaze holds the raw samples that were mapped in this frame.
	Gaze []GazeSample
}

// StateTracker hands the latest frame result from the processing loop to
// the HTTP and websocket side. The loop is the only writer.
type StateTracker struct {
	mu          sync.RWMutex
	latest      *FrameSnapshot
	sequence    uint64
	subscribers map[chan FrameSnapshot]struct{}
	now         func() time.Time
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		subscribers: make(map[chan FrameSnapshot]struct{}),
		now:         time.Now,
	}
}

// Update records a processed frame and notifies subscribers. Sends never
// block: a subscriber with a full buffer misses the frame.
func (st *StateTracker) Update(result *FrameResult, bounds image.Rectangle, gaze []GazeSample) {
	if result == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.sequence++
	snap := FrameSnapshot{
		Sequence:  st.sequence,
		Timestamp: st.now(),
		Bounds:    bounds,
		Result:    result,
		Summary:   result.Summary(),
		Gaze:      append([]GazeSample(nil), gaze...),
	}
	st.latest = &snap

	for ch := range st.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Latest returns the most recent snapshot, if any frame was processed.
func (st *StateTracker) Latest() (FrameSnapshot, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.latest == nil {
		return FrameSnapshot{}, false
	}
	return *st.latest, true
}

// FrameCount returns how many frames were recorded.
func (st *StateTracker) FrameCount() uint64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sequence
}

// Subscribe returns a channel receiving every subsequent snapshot and a
// function that unsubscribes and closes it.
func (st *StateTracker) Subscribe(buffer int) (<-chan FrameSnapshot, func()) {
	ch := make(chan FrameSnapshot, buffer)
	st.mu.Lock()
	st.subscribers[ch] = struct{}{}
	st.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			st.mu.Lock()
			delete(st.subscribers, ch)
			st.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// NumSubscribers returns the number of live subscriptions.
func (st *StateTracker) NumSubscribers() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.subscribers)
}
