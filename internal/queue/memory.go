package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryBus is the in-process Bus used by tests and redis-less development.
// Queues keep FIFO order; progress delivery is best-effort with a bounded
// buffer per subscriber, matching the Redis channel semantics.
type MemoryBus struct {
	mu     sync.Mutex
	queues map[string][]string
	subs   map[string][]*memorySub
}

type memorySub struct {
	ch     chan string
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		queues: make(map[string][]string),
		subs:   make(map[string][]*memorySub),
	}
}

func (b *MemoryBus) Enqueue(ctx context.Context, jobID, gpuClass string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	// LPUSH: new ids at the head, Dequeue pops the tail
	b.queues[queueKey(gpuClass)] = append([]string{jobID}, b.queues[queueKey(gpuClass)]...)
	return nil
}

func (b *MemoryBus) Dequeue(ctx context.Context, gpuClass string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		key := queueKey(gpuClass)
		if n := len(b.queues[key]); n > 0 {
			jobID := b.queues[key][n-1]
			b.queues[key] = b.queues[key][:n-1]
			b.mu.Unlock()
			return jobID, nil
		}
		b.mu.Unlock()

		if time.Now().After(deadline) {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (b *MemoryBus) Remove(ctx context.Context, jobID, gpuClass string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := queueKey(gpuClass)
	kept := b.queues[key][:0]
	for _, id := range b.queues[key] {
		if id != jobID {
			kept = append(kept, id)
		}
	}
	b.queues[key] = kept
	return nil
}

func (b *MemoryBus) PublishProgress(ctx context.Context, jobID string, p Progress) error {
	p.Timestamp = time.Now().Unix()
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[jobChannel(jobID)] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- string(payload):
		default:
			// slow subscriber: drop, consumers reconcile via job status
		}
	}
	return nil
}

func (b *MemoryBus) SubscribeProgress(ctx context.Context, jobID string) (<-chan string, func(), error) {
	sub := &memorySub{ch: make(chan string, 64)}

	b.mu.Lock()
	channel := jobChannel(jobID)
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			sub.closed = true
			kept := b.subs[channel][:0]
			for _, s := range b.subs[channel] {
				if s != sub {
					kept = append(kept, s)
				}
			}
			b.subs[channel] = kept
			b.mu.Unlock()
			close(sub.ch)
		})
	}

	go func() {
		<-ctx.Done()
		stop()
	}()

	return sub.ch, stop, nil
}
