package pscompat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSubscriber(t *testing.T, local *LocalClient, cfg *Config) *Subscriber {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
		cfg.AllowSubscriptionDeletion = true
	}
	cfg.AllowSubscriptionCreation = true

	sub, err := NewSubscriber(context.Background(), "proj", "orders", "checkout", local, cfg)
	require.NoError(t, err)
	sub.StartAsync()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sub.StopAsync(ctx)
	})
	return sub
}

func TestSubscriberHappyPath(t *testing.T) {
	local := NewLocalClient()
	sub := newTestSubscriber(t, local, nil)

	local.Publish(sub.Subscription(), []byte("order-1"), map[string]string{offsetAttribute: "1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs, err := sub.Pull(ctx, 500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "order-1", string(msgs[0].Value))

	require.NoError(t, sub.Commit(ctx, true))
	assert.Equal(t, 0, sub.Outstanding())
}

func TestSubscriberCommitBeforePartialOffset(t *testing.T) {
	local := NewLocalClient()
	sub := newTestSubscriber(t, local, nil)

	local.Publish(sub.Subscription(), []byte("v1"), map[string]string{offsetAttribute: "1"})
	local.Publish(sub.Subscription(), []byte("v2"), map[string]string{offsetAttribute: "5"})
	local.Publish(sub.Subscription(), []byte("v3"), map[string]string{offsetAttribute: "9"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var msgs []*Message
	require.Eventually(t, func() bool {
		batch, err := sub.Pull(ctx, 200*time.Millisecond)
		require.NoError(t, err)
		msgs = append(msgs, batch...)
		return len(msgs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sub.CommitBefore(ctx, true, 5))
	assert.Equal(t, 1, sub.Outstanding(), "only the offset-9 message should remain outstanding")
}

func TestSubscriberPauseResume(t *testing.T) {
	local := NewLocalClient()
	sub := newTestSubscriber(t, local, nil)

	sub.Pause()
	local.Publish(sub.Subscription(), []byte("v1"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	msgs, err := sub.Pull(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	sub.Resume()
	assert.Eventually(t, func() bool {
		return local.Backlog(sub.Subscription()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSubscriberDeleteSubscriptionRequiresConfigFlag(t *testing.T) {
	local := NewLocalClient()
	cfg := DefaultConfig()
	cfg.AllowSubscriptionDeletion = false
	sub := newTestSubscriber(t, local, cfg)

	err := sub.DeleteSubscription(context.Background())
	require.Error(t, err)
}

func TestSubscriberStopAsyncIsIdempotent(t *testing.T) {
	local := NewLocalClient()
	sub := newTestSubscriber(t, local, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sub.StopAsync(ctx)
	sub.StopAsync(ctx) // must not panic or block a second time
}

func TestSubscriberCommitRequiresRunningState(t *testing.T) {
	local := NewLocalClient()
	cfg := DefaultConfig()
	cfg.AllowSubscriptionCreation = true
	cfg.AllowSubscriptionDeletion = true
	sub, err := NewSubscriber(context.Background(), "proj", "orders", "checkout-not-running", local, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Before StartAsync: must fail fast rather than block forever on a
	// pump nothing is draining yet.
	require.Error(t, sub.Commit(ctx, true))
	require.Error(t, sub.CommitBefore(ctx, true, 0))

	sub.StartAsync()
	sub.StopAsync(ctx)

	// After StopAsync: must likewise refuse rather than race Close.
	require.Error(t, sub.Commit(ctx, true))
	require.Error(t, sub.CommitBefore(ctx, true, 0))
}
