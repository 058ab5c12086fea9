package pscompat

import (
	"context"
	"fmt"

	pubsubpb "google.golang.org/genproto/googleapis/pubsub/v1"
	"google.golang.org/grpc"
)

// SubscriberServiceClient is the narrow interface the core consumes
// over the wire protocol (§6). It is modeled directly on the generated
// gRPC client for google.golang.org/genproto/googleapis/pubsub/v1 so a
// real client can be passed in as-is; tests and examples pass an
// in-memory fake instead (see NewLocalClient), the same relationship
// getsops-sops/keyservice draws between its gRPC client and
// LocalClient.
type SubscriberServiceClient interface {
	Pull(ctx context.Context, req *pubsubpb.PullRequest, opts ...grpc.CallOption) (*pubsubpb.PullResponse, error)
	Acknowledge(ctx context.Context, req *pubsubpb.AcknowledgeRequest, opts ...grpc.CallOption) error
	ModifyAckDeadline(ctx context.Context, req *pubsubpb.ModifyAckDeadlineRequest, opts ...grpc.CallOption) error
	Seek(ctx context.Context, req *pubsubpb.SeekRequest, opts ...grpc.CallOption) (*pubsubpb.SeekResponse, error)
	GetSubscription(ctx context.Context, req *pubsubpb.GetSubscriptionRequest, opts ...grpc.CallOption) (*pubsubpb.Subscription, error)
	CreateSubscription(ctx context.Context, req *pubsubpb.Subscription, opts ...grpc.CallOption) (*pubsubpb.Subscription, error)
	DeleteSubscription(ctx context.Context, req *pubsubpb.DeleteSubscriptionRequest, opts ...grpc.CallOption) error
}

// subscriptionName builds the resource name convention from §6:
// projects/<project>/subscriptions/<topic>_<group_id>.
func subscriptionName(project, topic, groupID string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s_%s", project, topic, groupID)
}

// topicName builds the companion topic resource name used when
// auto-creating a subscription.
func topicName(project, topic string) string {
	return fmt.Sprintf("projects/%s/topics/%s", project, topic)
}

// resolveSubscription implements the NOT_FOUND handling from §6: look
// the subscription up, and if it is missing and creation is allowed,
// create it bound to the topic with the configured initial ack
// deadline; otherwise surface the lookup failure.
func resolveSubscription(ctx context.Context, client SubscriberServiceClient, cfg *Config, project, topic, groupID string) (string, error) {
	name := subscriptionName(project, topic, groupID)

	_, err := client.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: name})
	if err == nil {
		return name, nil
	}
	if classify(err) != KindNotFound {
		return "", wrapErr(classify(err), "GetSubscription", err)
	}
	if !cfg.AllowSubscriptionCreation {
		return "", wrapErr(KindNotFound, "GetSubscription", ErrSubscriptionNotFound)
	}

	_, err = client.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:               name,
		Topic:              topicName(project, topic),
		AckDeadlineSeconds: int32(cfg.CreatedSubscriptionTTL.Seconds()),
	})
	if err != nil {
		return "", wrapErr(classify(err), "CreateSubscription", err)
	}
	return name, nil
}
