package engine

import (
	"log/slog"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// trackerCache keeps recently used trackers open. Trackers hold no unflushed
// state between messages, so eviction simply drops them.
type trackerCache[T any] struct {
	lru *lru.Cache[uuid.UUID, T]
}

func newTrackerCache[T any](size int, stage string) *trackerCache[T] {
	c, err := lru.NewWithEvict[uuid.UUID, T](size, func(tenant uuid.UUID, _ T) {
		slog.Debug("tracker evicted", "stage", stage, "tenant", tenant)
	})
	if err != nil {
		// Only returned for a non-positive size, which settings prevent.
		panic(err)
	}
	return &trackerCache[T]{lru: c}
}

func (c *trackerCache[T]) get(tenant uuid.UUID) (T, bool) {
	return c.lru.Get(tenant)
}

func (c *trackerCache[T]) add(tenant uuid.UUID, t T) {
	c.lru.Add(tenant, t)
}

func (c *trackerCache[T]) remove(tenant uuid.UUID) {
	c.lru.Remove(tenant)
}

func (c *trackerCache[T]) len() int {
	return c.lru.Len()
}
