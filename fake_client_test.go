package pscompat

import (
	"context"
	"sync"
	"sync/atomic"

	pubsubpb "google.golang.org/genproto/googleapis/pubsub/v1"
	"google.golang.org/grpc"
)

// fakeClient is a scriptable SubscriberServiceClient for exercising
// DispatchPump/LeaseRenewer/PullLoop in isolation, complementing
// LocalClient (which behaves like a whole small broker) the way
// sarama's tests lean on small purpose-built mocks alongside its
// fuller mockBroker.
type fakeClient struct {
	mu sync.Mutex

	pullFunc   func(*pubsubpb.PullRequest) (*pubsubpb.PullResponse, error)
	ackFunc    func(*pubsubpb.AcknowledgeRequest) error
	modifyFunc func(*pubsubpb.ModifyAckDeadlineRequest) error

	ackCalls    int32
	modifyCalls int32
	ackedIDs    []string
}

func (f *fakeClient) Pull(ctx context.Context, req *pubsubpb.PullRequest, opts ...grpc.CallOption) (*pubsubpb.PullResponse, error) {
	if f.pullFunc != nil {
		return f.pullFunc(req)
	}
	return &pubsubpb.PullResponse{}, nil
}

func (f *fakeClient) Acknowledge(ctx context.Context, req *pubsubpb.AcknowledgeRequest, opts ...grpc.CallOption) error {
	atomic.AddInt32(&f.ackCalls, 1)
	f.mu.Lock()
	f.ackedIDs = append(f.ackedIDs, req.AckIds...)
	f.mu.Unlock()
	if f.ackFunc != nil {
		return f.ackFunc(req)
	}
	return nil
}

func (f *fakeClient) ModifyAckDeadline(ctx context.Context, req *pubsubpb.ModifyAckDeadlineRequest, opts ...grpc.CallOption) error {
	atomic.AddInt32(&f.modifyCalls, 1)
	if f.modifyFunc != nil {
		return f.modifyFunc(req)
	}
	return nil
}

func (f *fakeClient) Seek(ctx context.Context, req *pubsubpb.SeekRequest, opts ...grpc.CallOption) (*pubsubpb.SeekResponse, error) {
	return &pubsubpb.SeekResponse{}, nil
}

func (f *fakeClient) GetSubscription(ctx context.Context, req *pubsubpb.GetSubscriptionRequest, opts ...grpc.CallOption) (*pubsubpb.Subscription, error) {
	return &pubsubpb.Subscription{Name: req.Subscription}, nil
}

func (f *fakeClient) CreateSubscription(ctx context.Context, req *pubsubpb.Subscription, opts ...grpc.CallOption) (*pubsubpb.Subscription, error) {
	return req, nil
}

func (f *fakeClient) DeleteSubscription(ctx context.Context, req *pubsubpb.DeleteSubscriptionRequest, opts ...grpc.CallOption) error {
	return nil
}

func (f *fakeClient) AckedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ackedIDs))
	copy(out, f.ackedIDs)
	return out
}

var _ SubscriberServiceClient = (*fakeClient)(nil)
