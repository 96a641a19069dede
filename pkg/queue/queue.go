// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue provides the FIFO of incident ids consumed by the
// summarization and enrichment workers. Two implementations share one
// interface: an in-process bounded channel and a Redis list for running
// workers in separate processes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SummaryQueueName and EnrichmentQueueName are the Redis list keys.
	SummaryQueueName    = "summary_jobs"
	EnrichmentQueueName = "enrichment_jobs"

	defaultMemorySize = 1000

	// redisPopTimeout bounds a blocking pop so workers can observe
	// cancellation.
	redisPopTimeout = 30 * time.Second
)

// Queue is a best-effort FIFO of incident ids. Enqueue never blocks.
// Dequeue may return an empty id when nothing arrived in time; callers loop.
type Queue interface {
	Enqueue(ctx context.Context, incidentID string) error
	Dequeue(ctx context.Context) (string, error)
}

// Memory is an in-process bounded queue. When full, new ids are dropped.
type Memory struct {
	ch     chan string
	onDrop func()
}

// NewMemory creates a Memory queue. onDrop, if non-nil, is invoked once per
// dropped id. A non-positive size falls back to the default.
func NewMemory(size int, onDrop func()) *Memory {
	if size <= 0 {
		size = defaultMemorySize
	}
	return &Memory{
		ch:     make(chan string, size),
		onDrop: onDrop,
	}
}

// Enqueue adds an id, dropping it if the queue is full.
func (q *Memory) Enqueue(ctx context.Context, incidentID string) error {
	select {
	case q.ch <- incidentID:
	default:
		if q.onDrop != nil {
			q.onDrop()
		}
	}
	return nil
}

// Dequeue blocks until an id arrives or the context is done.
func (q *Memory) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err() //nolint:wrapcheck // Want passthrough
	}
}

// Redis is a list-backed queue shared across processes.
type Redis struct {
	client *redis.Client
	name   string
}

// NewRedis creates a Redis queue from a redis:// or rediss:// URL.
func NewRedis(redisURL, name string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &Redis{
		client: redis.NewClient(opts),
		name:   name,
	}, nil
}

// Enqueue pushes an id onto the list.
func (q *Redis) Enqueue(ctx context.Context, incidentID string) error {
	if err := q.client.LPush(ctx, q.name, incidentID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue %q: %w", q.name, err)
	}
	return nil
}

// Dequeue pops an id, blocking up to the pop timeout. An empty id means
// nothing arrived.
func (q *Redis) Dequeue(ctx context.Context) (string, error) {
	vals, err := q.client.BRPop(ctx, redisPopTimeout, q.name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to dequeue %q: %w", q.name, err)
	}
	if len(vals) != 2 {
		return "", nil
	}
	return vals[1], nil
}

// Close releases the underlying connection pool.
func (q *Redis) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}
