package cli

import (
	"context"
	"fmt"

	"github.com/roach88/bookflow/internal/config"
	"github.com/roach88/bookflow/internal/engine"
	"github.com/roach88/bookflow/internal/listener"
	"github.com/roach88/bookflow/internal/shard"
	"github.com/roach88/bookflow/internal/stages"
)

// stage is a configured engine ready to be driven by a listener.
type stage interface {
	listener.Dispatcher
	Recover(ctx context.Context) error
}

// buildStage wires the configured strategy into its engine.
func buildStage(cfg *config.Config, em engine.Emitter, extra ...engine.Option) (stage, error) {
	env := stages.Env{
		Instance: uint8(cfg.Instance),
		Outputs:  cfg.Outputs,
		Params:   cfg.Params,
		Ring:     cfg.Ring != nil,
		Emitter:  em,
	}
	opts := append([]engine.Option{engine.WithCacheSize(cfg.CacheSize)}, extra...)

	if cfg.Role == config.RoleSynchronizer {
		strategy, err := stages.NewSynchronizer(cfg.Strategy, env)
		if err != nil {
			return nil, err
		}
		s, err := engine.NewSynchronizer(cfg.Stage, cfg.StateDir(), cfg.PeerIDs(), strategy, opts...)
		if err != nil {
			return nil, fmt.Errorf("create synchronizer: %w", err)
		}
		return s, nil
	}

	strategy, err := stages.NewWorker(cfg.Strategy, env)
	if err != nil {
		return nil, err
	}
	if cfg.Ring != nil {
		opts = append(opts, engine.WithRing(engine.RingConfig{
			Ring:    shard.Ring{Size: len(cfg.Ring.Queues)},
			Self:    cfg.Instance,
			Queues:  cfg.Ring.Queues,
			Emitter: em,
		}))
	}
	w, err := engine.NewWorker(cfg.Stage, cfg.StateDir(), strategy, opts...)
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	return w, nil
}
