package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/roach88/bookflow/internal/faults"
	"github.com/roach88/bookflow/internal/message"
	"github.com/roach88/bookflow/internal/persist"
	"github.com/roach88/bookflow/internal/tracker"
)

// Synchronizer is the engine of a barrier stage that merges the partial
// results of a fixed quorum of upstream peers.
type Synchronizer struct {
	stage    string
	root     string
	peers    []uint8
	strategy SynchronizerStrategy
	settings settings

	done  *persist.IDList
	cache *trackerCache[*tracker.SyncTracker]
}

// NewSynchronizer creates a synchronizer waiting on peers for every tenant.
func NewSynchronizer(stage, root string, peers []uint8, strategy SynchronizerStrategy, opts ...Option) (*Synchronizer, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("synchronizer %s: no peers configured", stage)
	}
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}

	done, err := openDoneList(root, cfg.faults)
	if err != nil {
		return nil, err
	}

	return &Synchronizer{
		stage:    stage,
		root:     root,
		peers:    append([]uint8(nil), peers...),
		strategy: strategy,
		settings: cfg,
		done:     done,
		cache:    newTrackerCache[*tracker.SyncTracker](cfg.cacheSize, stage),
	}, nil
}

// Stage returns the stage name.
func (s *Synchronizer) Stage() string {
	return s.stage
}

// IsDone reports whether tenant has completed.
func (s *Synchronizer) IsDone(tenant uuid.UUID) bool {
	return s.done.Contains(tenant)
}

// Handle processes one delivered message.
func (s *Synchronizer) Handle(ctx context.Context, msg message.Message) (Decision, error) {
	log := slog.With("stage", s.stage, "tenant", msg.Tenant, "message_id", msg.ID, "kind", msg.Kind.String())

	if msg.Kind != message.KindData && msg.Kind != message.KindEOF {
		return Reject, newError(ErrCodeMalformed, msg.Tenant, msg.ID, "unexpected message kind "+msg.Kind.String(), nil)
	}
	peer, ok := msg.Meta.Peer()
	if !ok {
		return Reject, newError(ErrCodeMalformed, msg.Tenant, msg.ID, "message without peer", nil)
	}
	if !s.isPeer(peer) {
		return Reject, newError(ErrCodeMalformed, msg.Tenant, msg.ID, fmt.Sprintf("peer %d is not in the quorum", peer), nil)
	}
	log = log.With("peer", peer)

	if s.done.Contains(msg.Tenant) {
		log.Debug("tenant already done")
		return Ack, nil
	}

	st, err := s.trackerFor(msg.Tenant)
	if err != nil {
		return Requeue, err
	}

	decision, err := s.apply(ctx, st, peer, msg, log)
	if err != nil {
		s.cache.remove(msg.Tenant)
		return decision, err
	}
	return decision, nil
}

func (s *Synchronizer) isPeer(p uint8) bool {
	for _, q := range s.peers {
		if q == p {
			return true
		}
	}
	return false
}

func (s *Synchronizer) apply(ctx context.Context, st *tracker.SyncTracker, peer uint8, msg message.Message, log *slog.Logger) (Decision, error) {
	if from, ok := st.HasWorked(msg.ID); ok {
		if from != peer {
			log.Warn("chunk redelivered under another peer", "recorded_peer", from)
		}
		log.Debug("duplicate message")
	} else {
		switch msg.Kind {
		case message.KindEOF:
			total, ok := msg.Meta.Get(message.KeyTotal)
			if !ok {
				return Reject, newError(ErrCodeMalformed, msg.Tenant, msg.ID, "EOF without total", nil)
			}
			if err := st.Persist(msg.ID, peer, false, tracker.SetTotal(total)); err != nil {
				return persistFailed(msg.Tenant, msg.ID, "persist EOF", err)
			}
			log.Debug("peer EOF recorded", "total", total)

		case message.KindData:
			items, err := msg.Items()
			if err != nil {
				return Reject, newError(ErrCodeMalformed, msg.Tenant, msg.ID, "decode items", err)
			}
			if err := s.strategy.ProcessChunk(ctx, st, peer, msg.ID, items); err != nil {
				return decisionFor(err), classify(msg.Tenant, msg.ID, "process chunk", err)
			}
			if err := st.Persist(msg.ID, peer, true, tracker.CountWorked(int64(len(items)))); err != nil {
				return persistFailed(msg.Tenant, msg.ID, "persist chunk", err)
			}
			log.Debug("chunk merged", "items", len(items))
		}
	}

	if st.AllChunksReceived() {
		if err := s.finish(ctx, st); err != nil {
			return decisionFor(err), err
		}
	}
	return Ack, nil
}

func (s *Synchronizer) finish(ctx context.Context, st *tracker.SyncTracker) error {
	tenant := st.Tenant()

	if err := s.strategy.Terminate(ctx, st); err != nil {
		return classify(tenant, uuid.Nil, "terminate", err)
	}
	if err := s.settings.faults.Hit(faults.EngineTerminated); err != nil {
		return newError(ErrCodeStorage, tenant, uuid.Nil, "terminate", err)
	}
	if err := s.done.Append(tenant); err != nil {
		return newError(ErrCodeStorage, tenant, uuid.Nil, "record done", err)
	}
	if err := s.settings.faults.Hit(faults.EngineDoneRecorded); err != nil {
		return newError(ErrCodeStorage, tenant, uuid.Nil, "record done", err)
	}
	if err := st.Destroy(); err != nil {
		return newError(ErrCodeStorage, tenant, uuid.Nil, "destroy tenant", err)
	}
	s.cache.remove(tenant)

	slog.Info("tenant completed", "stage", s.stage, "tenant", tenant, "total", st.TotalWorked())
	return nil
}

func (s *Synchronizer) trackerFor(tenant uuid.UUID) (*tracker.SyncTracker, error) {
	if st, ok := s.cache.get(tenant); ok {
		return st, nil
	}
	st, err := tracker.OpenSync(tracker.Dir(s.root, tenant), tenant, tracker.SyncConfig{
		Config: tracker.Config{
			Decoder: s.strategy.Decoder(),
			EOFID:   EOFID(s.stage, tenant),
			Faults:  s.settings.faults,
		},
		Peers: s.peers,
	})
	if err != nil {
		if errors.Is(err, persist.ErrCorrupt) {
			slog.Error("tenant state is corrupt", "stage", s.stage, "tenant", tenant, "error", err)
		}
		return nil, newError(ErrCodeStorage, tenant, uuid.Nil, "open tracker", err)
	}
	s.cache.add(tenant, st)
	return st, nil
}

// Recover re-checks the quorum of every tenant found on disk and terminates
// those that completed before the crash.
func (s *Synchronizer) Recover(ctx context.Context) error {
	tenants, err := tracker.Tenants(s.root)
	if err != nil {
		return newError(ErrCodeStorage, uuid.Nil, uuid.Nil, "scan tenants", err)
	}

	var cleaned, finished, pending int
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.done.Contains(tenant) {
			if err := os.RemoveAll(tracker.Dir(s.root, tenant)); err != nil {
				return newError(ErrCodeStorage, tenant, uuid.Nil, "remove finished tenant", err)
			}
			cleaned++
			continue
		}

		st, err := s.trackerFor(tenant)
		if err != nil {
			return err
		}
		if !st.AllChunksReceived() {
			pending++
			continue
		}
		if err := s.finish(ctx, st); err != nil {
			return fmt.Errorf("finish tenant %s: %w", tenant, err)
		}
		finished++
	}

	slog.Info("recovery complete",
		"stage", s.stage,
		"tenants", len(tenants),
		"cleaned", cleaned,
		"finished", finished,
		"pending", pending,
	)
	return nil
}
