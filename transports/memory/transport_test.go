package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/productbridge/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, sub messaging.Subscription) messaging.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := sub.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Acknowledge(ctx))
	return d.Message()
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	tr := New()

	sub, err := tr.Subscribe(ctx, "products", "view")
	require.NoError(t, err)
	defer sub.Close()

	msg := messaging.Message{
		Topic:   "products",
		Key:     "P1",
		Value:   []byte(`{"id":"P1"}`),
		Headers: map[string]string{messaging.HeaderCorrelationID: "c1"},
	}
	require.NoError(t, tr.Publisher().Publish(ctx, msg))

	got := next(t, sub)
	assert.Equal(t, msg, got)
	assert.Equal(t, "products", sub.Topic())
	assert.Equal(t, int64(1), tr.Acknowledged("products"))
}

func TestGroupsSplitAndPrivateSubscriptionsCopy(t *testing.T) {
	ctx := context.Background()
	tr := New()

	a, err := tr.Subscribe(ctx, "t", "g")
	require.NoError(t, err)
	b, err := tr.Subscribe(ctx, "t", "g")
	require.NoError(t, err)
	private, err := tr.Subscribe(ctx, "t", "")
	require.NoError(t, err)

	for _, v := range []string{"1", "2"} {
		require.NoError(t, tr.Publisher().Publish(ctx, messaging.Message{Topic: "t", Value: []byte(v)}))
	}

	// the group sees each message once across its members
	got := []string{string(next(t, a).Value), string(next(t, b).Value)}
	assert.ElementsMatch(t, []string{"1", "2"}, got)

	// the private subscription sees both
	assert.Equal(t, "1", string(next(t, private).Value))
	assert.Equal(t, "2", string(next(t, private).Value))
}

func TestMessagesWithoutSubscribersAreDropped(t *testing.T) {
	ctx := context.Background()
	tr := New()
	require.NoError(t, tr.Publisher().Publish(ctx, messaging.Message{Topic: "nobody", Value: []byte("x")}))

	sub, err := tr.Subscribe(ctx, "nobody", "late")
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseSubscription(t *testing.T) {
	tr := New()
	sub, err := tr.Subscribe(context.Background(), "t", "g")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, messaging.ErrSubscriptionClosed)
}

func TestPublishFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("injected failure", func(t *testing.T) {
		tr := New()
		boom := errors.New("broker rejected")
		tr.FailPublishes(boom)
		assert.ErrorIs(t, tr.Publisher().Publish(ctx, messaging.Message{Topic: "t"}), boom)

		tr.FailPublishes(nil)
		assert.NoError(t, tr.Publisher().Publish(ctx, messaging.Message{Topic: "t"}))
	})

	t.Run("full queue", func(t *testing.T) {
		tr := New(WithBufferSize(1))
		_, err := tr.Subscribe(ctx, "t", "g")
		require.NoError(t, err)

		require.NoError(t, tr.Publisher().Publish(ctx, messaging.Message{Topic: "t"}))
		assert.Error(t, tr.Publisher().Publish(ctx, messaging.Message{Topic: "t"}))
	})

	t.Run("closed transport", func(t *testing.T) {
		tr := New()
		require.NoError(t, tr.Close())
		assert.ErrorIs(t, tr.Publisher().Publish(ctx, messaging.Message{Topic: "t"}), messaging.ErrTransportClosed)
		assert.ErrorIs(t, tr.Ping(ctx), messaging.ErrTransportClosed)

		_, err := tr.Subscribe(ctx, "t", "g")
		assert.ErrorIs(t, err, messaging.ErrTransportClosed)
	})
}
