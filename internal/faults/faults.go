// Package faults defines the crash-injection port threaded through the
// persistence layer, the write-ahead log, the trackers and the engines.
//
// Production code receives None, whose methods do nothing. Tests build a Plan
// that aborts the caller at a chosen Point with ErrCrash, or shortens the
// bytes about to be written to simulate a torn write. Callers treat ErrCrash
// like any other I/O failure: the in-memory state is abandoned and the test
// reopens everything from disk, which is exactly what a process restart does.
package faults

import (
	"errors"
	"sync"
)

// ErrCrash is returned by an armed Plan.
var ErrCrash = errors.New("faults: injected crash")

// Point names a place where a crash may be injected.
type Point string

const (
	// WALBegin fires after a BEGIN record has been written.
	WALBegin Point = "wal.begin"
	// WALAppend is the write of any record after BEGIN (tear target).
	WALAppend Point = "wal.append"
	// TrackerLogged fires after all pre-images of a transaction are logged.
	TrackerLogged Point = "tracker.logged"
	// TrackerDataFlushed fires after the data map was flushed.
	TrackerDataFlushed Point = "tracker.data_flushed"
	// TrackerMetaFlushed fires after the metadata map was flushed.
	TrackerMetaFlushed Point = "tracker.meta_flushed"
	// TrackerCommitted fires after COMMIT, before the worked-list append.
	TrackerCommitted Point = "tracker.committed"
	// ListAppend is the write of one append-list record (tear target).
	ListAppend Point = "list.append"
	// EngineTerminated fires after the terminate hook, before the tenant is
	// recorded as done.
	EngineTerminated Point = "engine.terminated"
	// EngineDoneRecorded fires after the tenant is recorded as done, before its
	// files are removed.
	EngineDoneRecorded Point = "engine.done_recorded"
)

// Injector is the fault port.
type Injector interface {
	// Hit returns a non-nil error if the caller must abort at p.
	Hit(p Point) error
	// Tear may shorten b, the bytes about to be written at p. When torn is
	// true the caller writes the returned prefix and then fails with ErrCrash.
	Tear(p Point, b []byte) (prefix []byte, torn bool)
}

// None is the production injector.
type None struct{}

func (None) Hit(Point) error { return nil }

func (None) Tear(_ Point, b []byte) ([]byte, bool) { return b, false }

// OrNone returns inj, or None when inj is nil.
func OrNone(inj Injector) Injector {
	if inj == nil {
		return None{}
	}
	return inj
}

type trigger struct {
	nth  int
	keep int
}

// Plan is a scripted Injector. Each armed trigger fires once, on the n-th
// visit of its point, and is then disarmed.
type Plan struct {
	mu      sync.Mutex
	crashes map[Point]trigger
	tears   map[Point]trigger
	hits    map[Point]int
	fired   []Point
}

// NewPlan returns a Plan with nothing armed.
func NewPlan() *Plan {
	return &Plan{
		crashes: make(map[Point]trigger),
		tears:   make(map[Point]trigger),
		hits:    make(map[Point]int),
	}
}

// CrashAt arms a crash on the nth (1-based) visit of p.
func (p *Plan) CrashAt(pt Point, nth int) *Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.crashes[pt] = trigger{nth: p.hits[pt] + nth}
	return p
}

// TearAt arms a torn write on the nth (1-based) visit of p that keeps only
// keep bytes of the record.
func (p *Plan) TearAt(pt Point, nth, keep int) *Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tears[pt] = trigger{nth: p.hits[pt] + nth, keep: keep}
	return p
}

// Hit implements Injector.
func (p *Plan) Hit(pt Point) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.hits[pt]++
	if t, ok := p.crashes[pt]; ok && t.nth == p.hits[pt] {
		delete(p.crashes, pt)
		p.fired = append(p.fired, pt)
		return ErrCrash
	}
	return nil
}

// Tear implements Injector.
func (p *Plan) Tear(pt Point, b []byte) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.hits[pt]++
	t, ok := p.tears[pt]
	if !ok || t.nth != p.hits[pt] {
		return b, false
	}
	delete(p.tears, pt)
	p.fired = append(p.fired, pt)
	keep := t.keep
	if keep > len(b) {
		keep = len(b)
	}
	if keep < 0 {
		keep = 0
	}
	return b[:keep], true
}

// Fired returns the points whose triggers have fired, in order.
func (p *Plan) Fired() []Point {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Point(nil), p.fired...)
}

// Visits returns how many times pt has been visited.
func (p *Plan) Visits(pt Point) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[pt]
}
