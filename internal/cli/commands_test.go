package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bookflow/internal/message"
	"github.com/roach88/bookflow/internal/tracker"
	"github.com/roach88/bookflow/internal/transport"
)

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// drain receives and acks every message currently on queue.
func drain(t *testing.T, b *transport.SQLiteBroker, queue string) []message.Message {
	t.Helper()
	var out []message.Message
	for {
		n, err := b.Len(context.Background(), queue)
		require.NoError(t, err)
		if n == 0 {
			return out
		}
		d, err := b.Receive(context.Background(), queue)
		require.NoError(t, err)
		msg, err := message.Decode(d.Body())
		require.NoError(t, err)
		require.NoError(t, d.Ack())
		out = append(out, msg)
	}
}

const booksJSONL = `{"title":"Dune","year":1965}
{"title":"The Road","year":2006}

{"title":"Gilead","year":2004}
`

func TestFeed_PublishesChunksAndEOF(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "q.db")
	input := filepath.Join(dir, "books.jsonl")
	writeFile(t, input, booksJSONL)
	tenant := uuid.New()

	out, err := execute(t, context.Background(), "--format", "json", "feed",
		"--broker", db, "--queue", "in", "--tenant", tenant.String(), "--peer", "2", "--chunk-size", "2", input)
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   FeedResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, FeedResult{Tenant: tenant, Queue: "in", Chunks: 2, Items: 3}, resp.Data)

	b, err := transport.OpenSQLite(db)
	require.NoError(t, err)
	defer b.Close()
	msgs := drain(t, b, "in")
	require.Len(t, msgs, 3)
	assert.Equal(t, message.KindData, msgs[0].Kind)
	assert.Equal(t, message.KindData, msgs[1].Kind)
	assert.Equal(t, message.KindEOF, msgs[2].Kind)
	total, _ := msgs[2].Meta.Get(message.KeyTotal)
	assert.Equal(t, int64(3), total)
	for _, m := range msgs {
		assert.Equal(t, tenant, m.Tenant)
		peer, ok := m.Meta.Peer()
		assert.True(t, ok)
		assert.Equal(t, uint8(2), peer)
	}
}

func TestFeed_SameInputSameIDs(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "q.db")
	input := filepath.Join(dir, "books.jsonl")
	writeFile(t, input, booksJSONL)
	tenant := uuid.New().String()

	for range 2 {
		_, err := execute(t, context.Background(), "feed", "--broker", db, "--queue", "in", "--tenant", tenant, input)
		require.NoError(t, err)
	}

	b, err := transport.OpenSQLite(db)
	require.NoError(t, err)
	defer b.Close()
	msgs := drain(t, b, "in")
	require.Len(t, msgs, 4)
	assert.Equal(t, msgs[0].ID, msgs[2].ID)
	assert.Equal(t, msgs[1].ID, msgs[3].ID)
}

func TestFeed_BadFlags(t *testing.T) {
	db := filepath.Join(t.TempDir(), "q.db")
	tests := [][]string{
		{"feed", "--broker", db, "--queue", "in", "--tenant", "nope", "x.jsonl"},
		{"feed", "--broker", db, "--queue", "in", "--chunk-size", "0", "x.jsonl"},
		{"feed", "--broker", db, "--queue", "in", "--peer", "300", "x.jsonl"},
		{"feed", "--broker", db, "--queue", "in", filepath.Join(t.TempDir(), "missing.jsonl")},
	}
	for _, args := range tests {
		_, err := execute(t, context.Background(), args...)
		require.Error(t, err, strings.Join(args, " "))
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	}
}

func TestInspect(t *testing.T) {
	dataDir := t.TempDir()
	root := filepath.Join(dataDir, "filter")
	tenant := uuid.New()
	tr, err := tracker.Open(tracker.Dir(root, tenant), tenant, tracker.Config{})
	require.NoError(t, err)
	require.NoError(t, tr.Persist(uuid.New(), false, tracker.Add(tracker.KeyWorked, 4)))

	out, err := execute(t, context.Background(), "inspect", "--data-dir", dataDir, "--stage", "filter")
	require.NoError(t, err)
	assert.Contains(t, out, tenant.String()+"  chunks=1")
	assert.Contains(t, out, "WORKED = 4")
	assert.Contains(t, out, "EXPECTED = -1")

	out, err = execute(t, context.Background(), "--format", "json", "inspect", "--data-dir", dataDir, "--stage", "filter")
	require.NoError(t, err)
	var resp struct {
		Data []tracker.Summary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, tenant, resp.Data[0].Tenant)
	assert.Equal(t, 1, resp.Data[0].WorkedChunks)

	out, err = execute(t, context.Background(), "inspect", "--data-dir", dataDir, "--stage", "other")
	require.NoError(t, err)
	assert.Equal(t, "other: no open tenants\n", out)
}

func TestRun_BadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stage.yaml")
	writeFile(t, path, "stage: filter\n")

	_, err := execute(t, context.Background(), "run", "--config", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")

	writeFile(t, path, "stage: filter\ninput: in\nstrategy: nope\n")
	_, err = execute(t, context.Background(), "run", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown worker strategy")
}

func TestRun_FilterStageEndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "books.jsonl"), booksJSONL)
	writeFile(t, filepath.Join(dir, "stage.yaml"), `
stage: filter
input: in
outputs:
  books: out
broker:
  path: q.db
data_dir: state
strategy: book_filter
params:
  min_year: 2000
`)
	_, err := execute(t, context.Background(), "feed", "--broker", filepath.Join(dir, "q.db"), "--queue", "in", filepath.Join(dir, "books.jsonl"))
	require.NoError(t, err)

	// Opened before the stage so its in-flight reset cannot race the run.
	b, err := transport.OpenSQLite(filepath.Join(dir, "q.db"))
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, "run", "--config", filepath.Join(dir, "stage.yaml"))
		errs <- err
	}()

	require.Eventually(t, func() bool {
		n, err := b.Len(context.Background(), "out")
		return err == nil && n == 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	msgs := drain(t, b, "out")
	require.Len(t, msgs, 2)
	items, err := msgs[0].Items()
	require.NoError(t, err)
	assert.Len(t, items, 2)
	total, _ := msgs[1].Meta.Get(message.KeyTotal)
	assert.Equal(t, int64(2), total)

	tenants, err := tracker.Tenants(filepath.Join(dir, "state", "filter"))
	require.NoError(t, err)
	assert.Empty(t, tenants)
}
