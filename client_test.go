package pscompat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pubsubpb "google.golang.org/genproto/googleapis/pubsub/v1"
)

func TestResolveSubscriptionFindsExisting(t *testing.T) {
	local := NewLocalClient()
	name := subscriptionName("proj", "orders", "checkout")
	_, err := local.CreateSubscription(context.Background(), &pubsubpb.Subscription{Name: name})
	require.NoError(t, err)

	cfg := DefaultConfig()
	got, err := resolveSubscription(context.Background(), local, cfg, "proj", "orders", "checkout")
	require.NoError(t, err)
	assert.Equal(t, name, got)
}

func TestResolveSubscriptionCreatesWhenAllowed(t *testing.T) {
	local := NewLocalClient()
	cfg := DefaultConfig()
	cfg.AllowSubscriptionCreation = true

	got, err := resolveSubscription(context.Background(), local, cfg, "proj", "orders", "checkout")
	require.NoError(t, err)
	assert.Equal(t, subscriptionName("proj", "orders", "checkout"), got)
}

func TestResolveSubscriptionFailsWhenCreationNotAllowed(t *testing.T) {
	local := NewLocalClient()
	cfg := DefaultConfig()
	cfg.AllowSubscriptionCreation = false

	_, err := resolveSubscription(context.Background(), local, cfg, "proj", "orders", "checkout")
	require.Error(t, err)
}
