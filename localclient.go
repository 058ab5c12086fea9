package pscompat

import (
	"context"
	"sync"

	"github.com/google/uuid"
	pubsubpb "google.golang.org/genproto/googleapis/pubsub/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// localLease tracks one message currently out on lease to a puller,
// so ModifyAckDeadline/Acknowledge have something to act on.
type localLease struct {
	msg     *pubsubpb.PubsubMessage
	attempt int32
}

// LocalClient is an in-process SubscriberServiceClient: a fake server
// good enough for tests and runnable examples, the same role
// getsops-sops/keyservice.LocalClient plays for KeyServiceClient by
// wrapping a real server implementation directly instead of going
// over a socket. It is not a production client — nack just requeues
// the message at the back of the backlog and there is no topic
// fan-out, only direct per-subscription publish.
type LocalClient struct {
	mu            sync.Mutex
	subscriptions map[string]*pubsubpb.Subscription
	backlog       map[string][]*pubsubpb.PubsubMessage
	leased        map[string]map[string]*localLease
}

// NewLocalClient returns an empty LocalClient with no subscriptions.
func NewLocalClient() *LocalClient {
	return &LocalClient{
		subscriptions: make(map[string]*pubsubpb.Subscription),
		backlog:       make(map[string][]*pubsubpb.PubsubMessage),
		leased:        make(map[string]map[string]*localLease),
	}
}

// Publish appends a message directly to subscription's backlog.
// attributes follows the §6 wire convention: set "key" (base64) and
// "offset" (base-10) to exercise the synthetic key/offset derivation.
func (c *LocalClient) Publish(subscription string, data []byte, attributes map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backlog[subscription] = append(c.backlog[subscription], &pubsubpb.PubsubMessage{
		Data:        data,
		Attributes:  attributes,
		PublishTime: timestamppb.Now(),
		MessageId:   uuid.NewString(),
	})
}

// Backlog reports how many messages are queued but not yet leased for
// subscription, useful for test assertions.
func (c *LocalClient) Backlog(subscription string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.backlog[subscription])
}

func (c *LocalClient) Pull(ctx context.Context, req *pubsubpb.PullRequest, opts ...grpc.CallOption) (*pubsubpb.PullResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subscriptions[req.GetSubscription()]; !ok {
		return nil, status.Error(codes.NotFound, "subscription not found")
	}

	backlog := c.backlog[req.GetSubscription()]
	n := int(req.GetMaxMessages())
	if n <= 0 || n > len(backlog) {
		n = len(backlog)
	}
	batch := backlog[:n]
	c.backlog[req.GetSubscription()] = backlog[n:]

	leases := c.leased[req.GetSubscription()]
	if leases == nil {
		leases = make(map[string]*localLease)
		c.leased[req.GetSubscription()] = leases
	}

	resp := &pubsubpb.PullResponse{}
	for _, m := range batch {
		ackID := uuid.NewString()
		lease := &localLease{msg: m, attempt: 1}
		leases[ackID] = lease
		resp.ReceivedMessages = append(resp.ReceivedMessages, &pubsubpb.ReceivedMessage{
			AckId:           ackID,
			Message:         m,
			DeliveryAttempt: lease.attempt,
		})
	}
	return resp, nil
}

func (c *LocalClient) Acknowledge(ctx context.Context, req *pubsubpb.AcknowledgeRequest, opts ...grpc.CallOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	leases := c.leased[req.GetSubscription()]
	for _, id := range req.GetAckIds() {
		delete(leases, id)
	}
	return nil
}

// ModifyAckDeadline treats AckDeadlineSeconds == 0 as a nack (requeue
// at the back of the backlog) — the same zero-deadline-means-nack
// convention DispatchPump.call relies on. With AckDeadlineSeconds > 0
// it leaves the lease as it is, since LocalClient never expires
// leases. A requeued message is not tracked across redelivery: the
// next Pull reports it with DeliveryAttempt 1 again.
func (c *LocalClient) ModifyAckDeadline(ctx context.Context, req *pubsubpb.ModifyAckDeadlineRequest, opts ...grpc.CallOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	leases := c.leased[req.GetSubscription()]
	for _, id := range req.GetAckIds() {
		lease, ok := leases[id]
		if !ok {
			continue
		}
		if req.GetAckDeadlineSeconds() <= 0 {
			delete(leases, id)
			lease.attempt++
			c.backlog[req.GetSubscription()] = append(c.backlog[req.GetSubscription()], lease.msg)
			continue
		}
	}
	return nil
}

func (c *LocalClient) Seek(ctx context.Context, req *pubsubpb.SeekRequest, opts ...grpc.CallOption) (*pubsubpb.SeekResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[req.GetSubscription()]; !ok {
		return nil, status.Error(codes.NotFound, "subscription not found")
	}
	return &pubsubpb.SeekResponse{}, nil
}

func (c *LocalClient) GetSubscription(ctx context.Context, req *pubsubpb.GetSubscriptionRequest, opts ...grpc.CallOption) (*pubsubpb.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subscriptions[req.GetSubscription()]
	if !ok {
		return nil, status.Error(codes.NotFound, "subscription not found")
	}
	return sub, nil
}

func (c *LocalClient) CreateSubscription(ctx context.Context, req *pubsubpb.Subscription, opts ...grpc.CallOption) (*pubsubpb.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[req.GetName()] = req
	return req, nil
}

func (c *LocalClient) DeleteSubscription(ctx context.Context, req *pubsubpb.DeleteSubscriptionRequest, opts ...grpc.CallOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[req.GetSubscription()]; !ok {
		return status.Error(codes.NotFound, "subscription not found")
	}
	delete(c.subscriptions, req.GetSubscription())
	delete(c.backlog, req.GetSubscription())
	delete(c.leased, req.GetSubscription())
	return nil
}

var _ SubscriberServiceClient = (*LocalClient)(nil)
