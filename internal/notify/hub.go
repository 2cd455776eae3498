package notify

import "sync"

// Viewer identifies one stream of snapshots: a user looking at a scope.
// The same user watching two scopes has two independent streams.
type Viewer struct {
	UserID string
	Scope  string
}

// Hub fans snapshots out to subscribers keyed by viewer. Each subscriber
// channel holds at most one value; a newer snapshot replaces an unread one.
type Hub struct {
	mu     sync.Mutex
	latest map[Viewer]Snapshot
	subs   map[Viewer]map[chan Snapshot]struct{}
}

func NewHub() *Hub {
	return &Hub{
		latest: make(map[Viewer]Snapshot),
		subs:   make(map[Viewer]map[chan Snapshot]struct{}),
	}
}

// Subscribe returns a channel receiving snapshots for viewer and a function
// that unsubscribes and closes it. The last published snapshot, if any, is
// delivered immediately.
func (h *Hub) Subscribe(viewer Viewer) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	h.mu.Lock()
	if h.subs[viewer] == nil {
		h.subs[viewer] = make(map[chan Snapshot]struct{})
	}
	h.subs[viewer][ch] = struct{}{}
	if s, ok := h.latest[viewer]; ok {
		ch <- s
	}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[viewer], ch)
			if len(h.subs[viewer]) == 0 {
				delete(h.subs, viewer)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish records s for viewer and notifies subscribers. It returns false
// when s equals the previously published snapshot and nothing was sent.
func (h *Hub) Publish(viewer Viewer, s Snapshot) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.latest[viewer]; ok && prev == s {
		return false
	}
	h.latest[viewer] = s
	for ch := range h.subs[viewer] {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
	return true
}

// Latest returns the last snapshot published for viewer.
func (h *Hub) Latest(viewer Viewer) (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.latest[viewer]
	return s, ok
}
