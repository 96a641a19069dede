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

// Package broadcast fans incident cards out to live stream subscribers.
package broadcast

import (
	"sync"

	"github.com/abcxyz/github-sentinel/pkg/incident"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind starts losing cards.
const subscriberBuffer = 100

// Broadcaster delivers each published card to every subscriber. Publish
// never blocks; a full subscriber channel drops the card for that
// subscriber only. Per-subscriber order is FIFO.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan *incident.Card]struct{}
	onDrop func()
}

// New creates a Broadcaster. onDrop, if non-nil, is invoked once per card
// dropped for a slow subscriber.
func New(onDrop func()) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[chan *incident.Card]struct{}),
		onDrop: onDrop,
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. Unsubscribing is idempotent; the channel is never
// closed, so readers must also select on their own done signal.
func (b *Broadcaster) Subscribe() (<-chan *incident.Card, func()) {
	ch := make(chan *incident.Card, subscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, ch)
		})
	}
	return ch, unsubscribe
}

// Publish delivers card to every current subscriber without blocking.
func (b *Broadcaster) Publish(card *incident.Card) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- card:
		default:
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
