package events

import (
	"sync"

	"github.com/dunamismax/latentwalk/internal/domain"
)

const subscriberBuffer = 16

// Hub fans job snapshots out to per-job subscribers. A subscriber that falls
// behind loses intermediate snapshots but always receives the newest one.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[chan domain.Job]struct{}
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[chan domain.Job]struct{})}
}

// Subscribe registers interest in one job. The returned cancel func must be
// called once the caller stops reading; it closes the channel.
func (h *Hub) Subscribe(jobID string) (<-chan domain.Job, func()) {
	ch := make(chan domain.Job, subscriberBuffer)

	h.mu.Lock()
	subs, ok := h.topics[jobID]
	if !ok {
		subs = make(map[chan domain.Job]struct{})
		h.topics[jobID] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.topics[jobID]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(h.topics, jobID)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish never blocks.
func (h *Hub) Publish(job domain.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[job.ID]
	if !ok {
		return
	}
	for ch := range subs {
		snapshot := job.Snapshot()
		select {
		case ch <- snapshot:
			continue
		default:
		}
		// full: drop the oldest queued snapshot to make room
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[jobID])
}
