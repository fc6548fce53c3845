package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/roach88/bookflow/internal/message"
	"github.com/roach88/bookflow/internal/persist"
	"github.com/roach88/bookflow/internal/tracker"
)

// Emitter sends a message to a named destination queue.
type Emitter interface {
	Emit(ctx context.Context, dest string, msg message.Message) error
}

// Output is what AfterWork reports for one chunk.
type Output struct {
	// Sent is the number of items emitted downstream for the chunk.
	Sent int64
	// Updates are extra metadata changes persisted with the chunk.
	Updates []tracker.Update
}

// Completion describes the EOF a terminating worker must announce.
type Completion struct {
	// Sent is the item total of the downstream EOF.
	Sent int64
}

// WorkerStrategy is the business side of a worker stage.
//
// Hooks mutate tracker data only through PutData/DeleteData. Any emitted
// message must carry an ID derived from the chunk (see DerivedID) or from
// the tracker's EOFID so that re-emission after a crash is idempotent.
type WorkerStrategy interface {
	// Decoder reads the stage's data records. May return nil.
	Decoder() persist.Decoder
	// Adapt is called before each message is handled for t. It registers
	// stage metadata and resets any per-chunk scratch state.
	Adapt(t *tracker.Tracker)
	// Work processes one item of a DATA chunk.
	Work(ctx context.Context, t *tracker.Tracker, item []byte) error
	// AfterWork runs once per DATA chunk after every item was worked.
	AfterWork(ctx context.Context, t *tracker.Tracker, chunk uuid.UUID) (Output, error)
	// Terminate emits the tenant's final results and downstream EOF.
	Terminate(ctx context.Context, t *tracker.Tracker, c Completion) error
}

// SynchronizerStrategy is the business side of a synchronizer stage.
type SynchronizerStrategy interface {
	// Decoder reads the stage's data records. May return nil.
	Decoder() persist.Decoder
	// ProcessChunk merges one DATA chunk from peer into s.
	ProcessChunk(ctx context.Context, s *tracker.SyncTracker, peer uint8, chunk uuid.UUID, items [][]byte) error
	// Terminate emits the consolidated results once the quorum is complete.
	Terminate(ctx context.Context, s *tracker.SyncTracker) error
}
