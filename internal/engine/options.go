package engine

import (
	"github.com/roach88/bookflow/internal/faults"
	"github.com/roach88/bookflow/internal/shard"
)

// DefaultCacheSize is the number of tenant trackers kept open.
const DefaultCacheSize = 64

type settings struct {
	faults    faults.Injector
	cacheSize int
	ring      *RingConfig
}

func defaultSettings() settings {
	return settings{
		faults:    faults.None{},
		cacheSize: DefaultCacheSize,
	}
}

// Option configures a Worker or Synchronizer.
type Option func(*settings)

// WithFaults injects a fault plan into every tracker the engine opens.
func WithFaults(inj faults.Injector) Option {
	return func(s *settings) {
		s.faults = faults.OrNone(inj)
	}
}

// WithCacheSize sets how many tenant trackers stay open. Values below one
// are ignored.
func WithCacheSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// RingConfig places a worker in a chained ring of equally-ranked instances.
type RingConfig struct {
	Ring shard.Ring
	// Self is this instance's position in the ring.
	Self int
	// Queues holds the input queue of every instance, indexed by position.
	Queues []string
	// Emitter forwards EOFs to the successor.
	Emitter Emitter
}

// WithRing switches EOF handling to the chained-ring protocol. Only workers
// honor it.
func WithRing(cfg RingConfig) Option {
	return func(s *settings) {
		s.ring = &cfg
	}
}
