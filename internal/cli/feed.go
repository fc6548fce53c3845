package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/bookflow/internal/engine"
	"github.com/roach88/bookflow/internal/message"
	"github.com/roach88/bookflow/internal/transport"
)

// FeedOptions holds flags for the feed command.
type FeedOptions struct {
	*RootOptions
	Broker    string
	Queue     string
	Tenant    string
	Peer      int
	ChunkSize int
}

// FeedResult reports what feed published.
type FeedResult struct {
	Tenant uuid.UUID `json:"tenant"`
	Queue  string    `json:"queue"`
	Chunks int       `json:"chunks"`
	Items  int64     `json:"items"`
}

const maxLine = 1 << 20

// NewFeedCommand creates the feed command.
func NewFeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "feed <file.jsonl>",
		Short: "Publish a JSON-lines file as one tenant's input",
		Long: `Publish every non-empty line of a file as an item, in DATA chunks
followed by an EOF carrying the item count. Use "-" to read stdin.

Message IDs derive from the tenant, queue and peer, so feeding the same file
twice publishes duplicates the stages discard.

Example:
  bookflow feed --broker q.db --queue filter-0 books.jsonl
  bookflow feed --broker q.db --queue tally --tenant 6f1c... --peer 1 reviews.jsonl`,
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeed(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Broker, "broker", "", "path to the SQLite broker (required)")
	cmd.Flags().StringVar(&opts.Queue, "queue", "", "destination queue (required)")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (default: a new random id)")
	cmd.Flags().IntVar(&opts.Peer, "peer", -1, "peer id stamped on every message (-1 for none)")
	cmd.Flags().IntVar(&opts.ChunkSize, "chunk-size", 100, "items per DATA chunk")
	_ = cmd.MarkFlagRequired("broker")
	_ = cmd.MarkFlagRequired("queue")

	return cmd
}

func runFeed(cmd *cobra.Command, opts *FeedOptions, path string) error {
	tenant := uuid.New()
	if opts.Tenant != "" {
		parsed, err := uuid.Parse(opts.Tenant)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid tenant", err)
		}
		tenant = parsed
	}
	if opts.ChunkSize <= 0 {
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid chunk size %d", opts.ChunkSize), nil)
	}
	var meta message.Metadata
	if opts.Peer >= 0 {
		if opts.Peer > message.MaxPeer {
			return WrapExitError(ExitCommandError, fmt.Sprintf("peer %d out of range", opts.Peer), nil)
		}
		meta = message.Metadata{message.KeyPeer: int64(opts.Peer)}
	}

	in := cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open input", err)
		}
		defer f.Close()
		in = f
	}

	broker, err := transport.OpenSQLite(opts.Broker)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open broker", err)
	}
	defer broker.Close()

	f := &feeder{
		emitter: transport.NewEmitter(broker),
		queue:   opts.Queue,
		tenant:  tenant,
		peer:    opts.Peer,
		meta:    meta,
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := f.feed(ctx, in, opts.ChunkSize)
	if err != nil {
		return WrapExitError(ExitFailure, "feed failed", err)
	}

	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Published %d items in %d chunks to %s for tenant %s\n", result.Items, result.Chunks, result.Queue, result.Tenant)
	})
}

type feeder struct {
	emitter engine.Emitter
	queue   string
	tenant  uuid.UUID
	peer    int
	meta    message.Metadata
}

func (f *feeder) id(label string) uuid.UUID {
	return engine.DerivedID(f.tenant, fmt.Sprintf("feed/%s/%d/%s", f.queue, f.peer, label))
}

func (f *feeder) feed(ctx context.Context, r io.Reader, chunkSize int) (FeedResult, error) {
	result := FeedResult{Tenant: f.tenant, Queue: f.queue}

	var chunk [][]byte
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		msg := message.NewData(f.id(fmt.Sprint(result.Chunks)), f.tenant, chunk, f.meta)
		if err := f.emitter.Emit(ctx, f.queue, msg); err != nil {
			return fmt.Errorf("publish chunk %d: %w", result.Chunks, err)
		}
		result.Chunks++
		chunk = nil
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		chunk = append(chunk, bytes.Clone(line))
		result.Items++
		if len(chunk) == chunkSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("read input: %w", err)
	}
	if err := flush(); err != nil {
		return result, err
	}

	eof := message.NewEOF(f.id("eof"), f.tenant, result.Items, f.meta)
	if err := f.emitter.Emit(ctx, f.queue, eof); err != nil {
		return result, fmt.Errorf("publish EOF: %w", err)
	}
	return result, nil
}
