package events

import (
	"context"
	"sync"
	"time"
)

// RunEvent describes one step of an assistant run on a conversation thread:
// run.started, run.requires_action, run.completed, run.failed, run.timed_out.
type RunEvent struct {
	ThreadID string         `json:"thread_id"`
	RunID    string         `json:"run_id,omitempty"`
	Type     string         `json:"type"`
	Ts       time.Time      `json:"ts"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Broker fans run events out to per-thread subscribers. Slow subscribers are
// skipped rather than blocking the publisher.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan RunEvent]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[chan RunEvent]struct{}{},
	}
}

func (b *Broker) Subscribe(ctx context.Context, threadID string) <-chan RunEvent {
	ch := make(chan RunEvent, 16)

	b.mu.Lock()
	if b.subscribers[threadID] == nil {
		b.subscribers[threadID] = map[chan RunEvent]struct{}{}
	}
	b.subscribers[threadID][ch] = struct{}{}
	b.mu.Unlock()

	// The close must happen under the write lock: Publish sends while
	// holding the read lock, so a send can never hit a closed channel.
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[threadID] != nil {
			delete(b.subscribers[threadID], ch)
			if len(b.subscribers[threadID]) == 0 {
				delete(b.subscribers, threadID)
			}
		}
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

func (b *Broker) Publish(event RunEvent) {
	if event.Ts.IsZero() {
		event.Ts = time.Now()
	}

	// Sends are non-blocking, so holding the lock across them is cheap and
	// keeps a concurrent unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[event.ThreadID] {
		select {
		case ch <- event:
		default:
		}
	}
}
