package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func receive(t *testing.T, b Broker, queue string) Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := b.Receive(ctx, queue)
	require.NoError(t, err)
	return d
}

func TestMemoryBroker_FIFO(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "q", []byte("one")))
	require.NoError(t, b.Publish(ctx, "q", []byte("two")))
	require.NoError(t, b.Publish(ctx, "other", []byte("x")))

	d := receive(t, b, "q")
	assert.Equal(t, "one", string(d.Body()))
	assert.False(t, d.Redelivered())
	require.NoError(t, d.Ack())
	assert.ErrorIs(t, d.Ack(), ErrSettled)

	assert.Equal(t, "two", string(receive(t, b, "q").Body()))
	assert.Equal(t, 1, b.Len("other"))
}

func TestMemoryBroker_RequeueGoesToTail(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "q", []byte("a")))
	require.NoError(t, b.Publish(ctx, "q", []byte("b")))

	require.NoError(t, receive(t, b, "q").Nack(true))

	d := receive(t, b, "q")
	assert.Equal(t, "b", string(d.Body()))
	require.NoError(t, d.Ack())

	d = receive(t, b, "q")
	assert.Equal(t, "a", string(d.Body()))
	assert.True(t, d.Redelivered())
}

func TestMemoryBroker_RejectGoesToDeadLetters(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	require.NoError(t, b.Publish(context.Background(), "q", []byte("poison")))

	require.NoError(t, receive(t, b, "q").Nack(false))
	assert.Equal(t, [][]byte{[]byte("poison")}, b.DeadLetters("q"))
	assert.Zero(t, b.Len("q"))
}

func TestMemoryBroker_Duplicates(t *testing.T) {
	b := NewMemoryBroker(WithDuplicates(2))
	defer b.Close()
	ctx := context.Background()
	for _, s := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Publish(ctx, "q", []byte(s)))
	}

	var got []string
	for _, body := range b.Drain("q") {
		got = append(got, string(body))
	}
	assert.Equal(t, []string{"a", "b", "b", "c", "d", "d"}, got)
}

func TestMemoryBroker_ReceiveBlocksUntilPublish(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewMemoryBroker()
	defer b.Close()

	got := make(chan string, 1)
	go func() {
		d, err := b.Receive(context.Background(), "q")
		if err == nil {
			got <- string(d.Body())
		}
		close(got)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Publish(context.Background(), "q", []byte("late")))

	select {
	case body := <-got:
		assert.Equal(t, "late", body)
	case <-time.After(time.Second):
		t.Fatal("receive did not wake up")
	}
}

func TestMemoryBroker_ReceiveHonorsCancelAndClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Receive(ctx, "q")
	assert.ErrorIs(t, err, context.Canceled)

	errs := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background(), "q")
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, <-errs, ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), "q", nil), ErrClosed)
}
