package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/roach88/bookflow/internal/faults"
	"github.com/roach88/bookflow/internal/message"
	"github.com/roach88/bookflow/internal/persist"
	"github.com/roach88/bookflow/internal/tracker"
)

// DoneFile is the stage-wide list of finished tenants.
const DoneFile = "done.log"

// Worker is the engine of a worker stage instance.
type Worker struct {
	stage    string
	root     string
	strategy WorkerStrategy
	settings settings

	done  *persist.IDList
	cache *trackerCache[*tracker.Tracker]
}

// NewWorker creates a worker whose tenant state lives under root. The done
// list is loaded immediately; call Recover before handling messages.
func NewWorker(stage, root string, strategy WorkerStrategy, opts ...Option) (*Worker, error) {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	if s.ring != nil {
		if err := s.ring.validate(); err != nil {
			return nil, err
		}
	}

	done, err := openDoneList(root, s.faults)
	if err != nil {
		return nil, err
	}

	return &Worker{
		stage:    stage,
		root:     root,
		strategy: strategy,
		settings: s,
		done:     done,
		cache:    newTrackerCache[*tracker.Tracker](s.cacheSize, stage),
	}, nil
}

func openDoneList(root string, inj faults.Injector) (*persist.IDList, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, newError(ErrCodeStorage, uuid.Nil, uuid.Nil, "create stage dir", err)
	}
	done := persist.NewIDList(filepath.Join(root, DoneFile), inj)
	if _, err := done.Load(); err != nil {
		return nil, newError(ErrCodeStorage, uuid.Nil, uuid.Nil, "load done list", err)
	}
	return done, nil
}

// Stage returns the stage name.
func (w *Worker) Stage() string {
	return w.stage
}

// IsDone reports whether tenant has completed on this instance.
func (w *Worker) IsDone(tenant uuid.UUID) bool {
	return w.done.Contains(tenant)
}

// Handle processes one delivered message.
func (w *Worker) Handle(ctx context.Context, msg message.Message) (Decision, error) {
	log := slog.With("stage", w.stage, "tenant", msg.Tenant, "message_id", msg.ID, "kind", msg.Kind.String())

	if msg.Kind != message.KindData && msg.Kind != message.KindEOF {
		return Reject, newError(ErrCodeMalformed, msg.Tenant, msg.ID, "unexpected message kind "+msg.Kind.String(), nil)
	}
	if w.done.Contains(msg.Tenant) {
		log.Debug("tenant already done")
		return Ack, nil
	}

	t, err := w.trackerFor(msg.Tenant)
	if err != nil {
		return Requeue, err
	}
	w.strategy.Adapt(t)

	decision, err := w.apply(ctx, t, msg, log)
	if err != nil {
		// In-memory state may be ahead of disk; reopening replays the undo log.
		w.cache.remove(msg.Tenant)
		return decision, err
	}
	return decision, nil
}

func (w *Worker) apply(ctx context.Context, t *tracker.Tracker, msg message.Message, log *slog.Logger) (Decision, error) {
	if t.HasWorked(msg.ID) {
		log.Debug("duplicate message")
		if w.finished(t) {
			if err := w.finish(ctx, t); err != nil {
				return decisionFor(err), err
			}
		}
		return Ack, nil
	}

	switch msg.Kind {
	case message.KindEOF:
		if w.settings.ring != nil {
			d, err := w.handleRingEOF(ctx, t, msg, log)
			if err != nil || d != Ack {
				return d, err
			}
			break
		}
		total, ok := msg.Meta.Get(message.KeyTotal)
		if !ok {
			return Reject, newError(ErrCodeMalformed, msg.Tenant, msg.ID, "EOF without total", nil)
		}
		if err := t.Persist(msg.ID, false, tracker.Set(tracker.KeyExpected, total)); err != nil {
			return persistFailed(msg.Tenant, msg.ID, "persist EOF", err)
		}
		log.Debug("EOF recorded", "expected", total, "worked", t.Worked())

	case message.KindData:
		items, err := msg.Items()
		if err != nil {
			return Reject, newError(ErrCodeMalformed, msg.Tenant, msg.ID, "decode items", err)
		}
		for _, item := range items {
			if err := w.strategy.Work(ctx, t, item); err != nil {
				return decisionFor(err), classify(msg.Tenant, msg.ID, "work", err)
			}
		}
		out, err := w.strategy.AfterWork(ctx, t, msg.ID)
		if err != nil {
			return decisionFor(err), classify(msg.Tenant, msg.ID, "after work", err)
		}

		updates := append([]tracker.Update{
			tracker.Add(tracker.KeyWorked, int64(len(items))),
			tracker.Add(tracker.KeySent, out.Sent),
		}, out.Updates...)
		if err := t.Persist(msg.ID, true, updates...); err != nil {
			return persistFailed(msg.Tenant, msg.ID, "persist chunk", err)
		}
		log.Debug("chunk worked", "items", len(items), "sent", out.Sent, "worked", t.Worked())
	}

	if w.finished(t) {
		if err := w.finish(ctx, t); err != nil {
			return decisionFor(err), err
		}
	}
	return Ack, nil
}

func (w *Worker) finished(t *tracker.Tracker) bool {
	return t.IsCompleted()
}

// finish terminates a completed tenant and tears its state down. Each step
// is safe to repeat after a crash.
func (w *Worker) finish(ctx context.Context, t *tracker.Tracker) error {
	tenant := t.Tenant()

	if c, ok := w.completion(t); ok {
		if err := w.strategy.Terminate(ctx, t, c); err != nil {
			return classify(tenant, uuid.Nil, "terminate", err)
		}
	}
	if err := w.settings.faults.Hit(faults.EngineTerminated); err != nil {
		return newError(ErrCodeStorage, tenant, uuid.Nil, "terminate", err)
	}
	if err := w.done.Append(tenant); err != nil {
		return newError(ErrCodeStorage, tenant, uuid.Nil, "record done", err)
	}
	if err := w.settings.faults.Hit(faults.EngineDoneRecorded); err != nil {
		return newError(ErrCodeStorage, tenant, uuid.Nil, "record done", err)
	}
	if err := t.Destroy(); err != nil {
		return newError(ErrCodeStorage, tenant, uuid.Nil, "destroy tenant", err)
	}
	w.cache.remove(tenant)

	slog.Info("tenant completed",
		"stage", w.stage,
		"tenant", tenant,
		"worked", t.Worked(),
		"sent", t.Sent(),
	)
	return nil
}

// completion reports the EOF the strategy must announce, or false when this
// instance forwards its share around the ring instead of terminating.
func (w *Worker) completion(t *tracker.Tracker) (Completion, bool) {
	if w.settings.ring == nil {
		return Completion{Sent: t.Sent()}, true
	}
	sent := t.Get(KeyRingSent)
	if sent < 0 {
		return Completion{}, false
	}
	return Completion{Sent: sent}, true
}

func (w *Worker) trackerFor(tenant uuid.UUID) (*tracker.Tracker, error) {
	if t, ok := w.cache.get(tenant); ok {
		return t, nil
	}
	t, err := tracker.Open(tracker.Dir(w.root, tenant), tenant, tracker.Config{
		Decoder: w.strategy.Decoder(),
		EOFID:   EOFID(w.stage, tenant),
		Faults:  w.settings.faults,
	})
	if err != nil {
		if errors.Is(err, persist.ErrCorrupt) {
			slog.Error("tenant state is corrupt", "stage", w.stage, "tenant", tenant, "error", err)
		}
		return nil, newError(ErrCodeStorage, tenant, uuid.Nil, "open tracker", err)
	}
	if w.settings.ring != nil {
		t.Register(KeyRingSent, -1)
	}
	w.cache.add(tenant, t)
	return t, nil
}

// Recover scans the stage directory after a restart. Tenants already in the
// done list lose their leftover files and tenants that completed before the
// crash are terminated.
func (w *Worker) Recover(ctx context.Context) error {
	tenants, err := tracker.Tenants(w.root)
	if err != nil {
		return newError(ErrCodeStorage, uuid.Nil, uuid.Nil, "scan tenants", err)
	}

	var cleaned, finished, pending int
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.done.Contains(tenant) {
			if err := os.RemoveAll(tracker.Dir(w.root, tenant)); err != nil {
				return newError(ErrCodeStorage, tenant, uuid.Nil, "remove finished tenant", err)
			}
			cleaned++
			continue
		}

		t, err := w.trackerFor(tenant)
		if err != nil {
			return err
		}
		w.strategy.Adapt(t)
		if !w.finished(t) {
			pending++
			continue
		}
		if err := w.finish(ctx, t); err != nil {
			return fmt.Errorf("finish tenant %s: %w", tenant, err)
		}
		finished++
	}

	slog.Info("recovery complete",
		"stage", w.stage,
		"tenants", len(tenants),
		"cleaned", cleaned,
		"finished", finished,
		"pending", pending,
	)
	return nil
}

// decisionFor maps a handling error to the delivery outcome.
func decisionFor(err error) Decision {
	switch {
	case IsMalformed(err):
		return Reject
	default:
		return Requeue
	}
}
