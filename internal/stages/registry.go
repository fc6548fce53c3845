package stages

import (
	"fmt"
	"math"
	"sort"

	"github.com/roach88/bookflow/internal/engine"
)

// Env is what a strategy factory gets from the stage configuration.
type Env struct {
	Instance uint8
	Outputs  map[string]string
	Params   map[string]any
	// Ring is set when the worker runs in a chained ring.
	Ring    bool
	Emitter engine.Emitter
}

type (
	workerFactory func(Env) (engine.WorkerStrategy, error)
	syncFactory   func(Env) (engine.SynchronizerStrategy, error)
)

var (
	workers = map[string]workerFactory{
		"book_filter": newBookFilter,
	}
	synchronizers = map[string]syncFactory{
		"review_tally": newReviewTally,
	}
)

// NewWorker builds the worker strategy registered as name.
func NewWorker(name string, env Env) (engine.WorkerStrategy, error) {
	factory, ok := workers[name]
	if !ok {
		return nil, fmt.Errorf("unknown worker strategy %q (have %v)", name, sortedKeys(workers))
	}
	return factory(env)
}

// NewSynchronizer builds the synchronizer strategy registered as name.
func NewSynchronizer(name string, env Env) (engine.SynchronizerStrategy, error) {
	factory, ok := synchronizers[name]
	if !ok {
		return nil, fmt.Errorf("unknown synchronizer strategy %q (have %v)", name, sortedKeys(synchronizers))
	}
	return factory(env)
}

func newBookFilter(env Env) (engine.WorkerStrategy, error) {
	minYear, err := intParam(env.Params, "min_year", 0)
	if err != nil {
		return nil, err
	}
	maxYear, err := intParam(env.Params, "max_year", math.MaxInt32)
	if err != nil {
		return nil, err
	}
	category, err := stringParam(env.Params, "category")
	if err != nil {
		return nil, err
	}
	// Outputs are shards, ordered by name.
	queues := make([]string, 0, len(env.Outputs))
	for _, name := range sortedKeys(env.Outputs) {
		queues = append(queues, env.Outputs[name])
	}
	if env.Ring && len(queues) > 1 {
		return nil, fmt.Errorf("book filter in a ring supports a single output, got %d", len(queues))
	}
	return NewBookFilter(env.Instance, minYear, maxYear, category, queues, env.Emitter)
}

func newReviewTally(env Env) (engine.SynchronizerStrategy, error) {
	topK, err := intParam(env.Params, "top_k", DefaultTopK)
	if err != nil {
		return nil, err
	}
	chunkSize, err := intParam(env.Params, "chunk_size", DefaultChunkSize)
	if err != nil {
		return nil, err
	}
	return NewReviewTally(env.Instance, topK, chunkSize, env.Outputs["results"], env.Outputs["top"], env.Emitter)
}

// intParam reads an integer parameter. YAML and JSON decoders disagree on
// number types, so any integral number is accepted.
func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n == math.Trunc(n) {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("param %s: want an integer, got %v", key, v)
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %s: want a string, got %v", key, v)
	}
	return s, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
