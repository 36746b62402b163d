package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on go-redis v9. Work queues are Redis lists
// (LPUSH head, BRPOP tail); progress channels are pub/sub topics.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus connects and pings; the caller decides whether to fall back
// to the in-memory bus on error.
func NewRedisBus(url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisBus{rdb: rdb}, nil
}

func (b *RedisBus) Close() error { return b.rdb.Close() }

func (b *RedisBus) Enqueue(ctx context.Context, jobID, gpuClass string) error {
	return b.rdb.LPush(ctx, queueKey(gpuClass), jobID).Err()
}

func (b *RedisBus) Dequeue(ctx context.Context, gpuClass string, timeout time.Duration) (string, error) {
	res, err := b.rdb.BRPop(ctx, timeout, queueKey(gpuClass)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// BRPop returns [key, value]
	return res[1], nil
}

func (b *RedisBus) Remove(ctx context.Context, jobID, gpuClass string) error {
	return b.rdb.LRem(ctx, queueKey(gpuClass), 0, jobID).Err()
}

func (b *RedisBus) PublishProgress(ctx context.Context, jobID string, p Progress) error {
	p.Timestamp = time.Now().Unix()
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return b.rdb.Publish(ctx, jobChannel(jobID), payload).Err()
}

func (b *RedisBus) SubscribeProgress(ctx context.Context, jobID string) (<-chan string, func(), error) {
	sub := b.rdb.Subscribe(ctx, jobChannel(jobID))

	// Wait for subscription confirmation before handing out the channel.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe to %s: %w", jobChannel(jobID), err)
	}

	out := make(chan string, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}
	return out, stop, nil
}
