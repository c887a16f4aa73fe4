// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package lrucache implements an expiring LRU cache used by the per-process
// caches of the control plane.
package lrucache

import (
	"container/list"
	"context"
	"sync"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
)

var mon = monkit.Package()

// Options controls the expiration and eviction policy of a cache.
type Options struct {
	// Expiration is how long an entry stays valid. A non-positive value
	// means entries never expire.
	Expiration time.Duration

	// Capacity is how many entries to keep in memory.
	Capacity int

	// Name distinguishes the cache in monkit events.
	Name string
}

type entry[T any] struct {
	once   sync.Once
	when   time.Time
	order  *list.Element
	value  T
	loaded bool
}

// ExpiringLRUOf caches values for string keys with time-based expiration and
// an LRU eviction policy.
type ExpiringLRUOf[T any] struct {
	mu    sync.Mutex
	opts  Options
	data  map[string]*entry[T]
	order *list.List
}

// NewOf constructs an ExpiringLRUOf with the given options.
func NewOf[T any](opts Options) *ExpiringLRUOf[T] {
	return &ExpiringLRUOf[T]{
		opts:  opts,
		data:  make(map[string]*entry[T], opts.Capacity),
		order: list.New(),
	}
}

// Get returns the value for the key if it exists and is valid, otherwise it
// calls fn to load it. Concurrent calls for the same key dedupe as well as
// they are able. An error result is not cached; further calls retry.
func (c *ExpiringLRUOf[T]) Get(ctx context.Context, key string, fn func() (T, error)) (value T, err error) {
	if c.opts.Capacity <= 0 {
		c.event(false)
		return fn()
	}

	for {
		c.mu.Lock()

		e, ok := c.data[key]
		switch {
		case !ok:
			for len(c.data) >= c.opts.Capacity {
				back := c.order.Back()
				delete(c.data, back.Value.(string))
				c.order.Remove(back)
			}
			e = &entry[T]{
				when:  time.Now(),
				order: c.order.PushFront(key),
			}
			c.data[key] = e

		case c.expired(e):
			delete(c.data, key)
			c.order.Remove(e.order)
			c.mu.Unlock()
			continue

		default:
			c.order.MoveToFront(e.order)
		}

		c.mu.Unlock()

		called := false
		e.once.Do(func() {
			called = true
			value, err = fn()
			if err == nil {
				e.value = value
				e.loaded = true
			} else {
				// The once has been used; drop the entry so that any
				// other waiters retry the load.
				c.mu.Lock()
				if c.data[key] == e {
					delete(c.data, key)
					c.order.Remove(e.order)
				}
				c.mu.Unlock()
			}
		})

		if called || e.loaded {
			c.event(!called)
			return e.value, err
		}
	}
}

// GetCached returns the value for the key and whether it was present and
// valid. It never loads.
func (c *ExpiringLRUOf[T]) GetCached(ctx context.Context, key string) (value T, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, present := c.data[key]
	if !present || c.expired(e) || !e.loaded {
		var zero T
		return zero, false
	}
	c.order.MoveToFront(e.order)
	return e.value, true
}

// Delete removes the key from the cache if it exists.
func (c *ExpiringLRUOf[T]) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		return
	}
	delete(c.data, key)
	c.order.Remove(e.order)
}

// DeleteAll empties the cache.
func (c *ExpiringLRUOf[T]) DeleteAll(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[string]*entry[T], c.opts.Capacity)
	c.order = list.New()
}

func (c *ExpiringLRUOf[T]) expired(e *entry[T]) bool {
	return c.opts.Expiration > 0 && time.Since(e.when) > c.opts.Expiration
}

func (c *ExpiringLRUOf[T]) event(hit bool) {
	if c.opts.Name == "" {
		return
	}
	tag := monkit.NewSeriesTag("name", c.opts.Name)
	if hit {
		mon.Event("cache_hit", tag)
	} else {
		mon.Event("cache_miss", tag)
	}
}
