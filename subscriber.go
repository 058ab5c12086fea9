package pscompat

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	pubsubpb "google.golang.org/genproto/googleapis/pubsub/v1"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// subscriberState is the façade's lifecycle, mirroring the
// NEW/STARTING/RUNNING/STOPPING/TERMINATED/FAILED state machine from
// §4.7, stored the way sarama's partitionConsumer keeps its `paused`
// flag: a plain int32 driven through sync/atomic rather than the newer
// atomic.Int32 type.
type subscriberState int32

const (
	stateNew subscriberState = iota
	stateStarting
	stateRunning
	stateStopping
	stateTerminated
	stateFailed
)

// Subscriber is C7: the façade an embedder drives directly. It
// resolves the subscription, wires every other component together,
// and exposes Pull/Commit/Seek/Pause/Resume/Outstanding.
type Subscriber struct {
	cfg          *Config
	client       SubscriberServiceClient
	project      string
	topic        string
	subscription string

	estimator *DeadlineEstimator
	ledger    *PendingLedger
	dispatch  *DispatchPump
	lease     *LeaseRenewer
	pull      *PullLoop
	auto      *AutoCommitter

	registry metrics.Registry
	logger   StdLogger
	state    int32
}

// NewSubscriber resolves (or, if allowed, creates) the subscription
// for project/topic/groupID and wires every background component, but
// does not start any of them — call StartAsync for that.
func NewSubscriber(ctx context.Context, project, topic, groupID string, client SubscriberServiceClient, cfg *Config) (*Subscriber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	name, err := resolveSubscription(ctx, client, cfg, project, topic, groupID)
	if err != nil {
		return nil, err
	}

	registry := metrics.NewRegistry()
	estimator := NewDeadlineEstimator(cfg.MetricsPrefix+"-ack-latency", registry)
	ledger := NewPendingLedger(cfg, registry)
	dispatch := NewDispatchPump(cfg, client, name, ledger, registry)
	lease := NewLeaseRenewer(estimator, ledger, dispatch)
	pull := NewPullLoop(cfg, client, topic, name, ledger, estimator)

	s := &Subscriber{
		cfg:          cfg,
		client:       client,
		project:      project,
		topic:        topic,
		subscription: name,
		estimator:    estimator,
		ledger:       ledger,
		dispatch:     dispatch,
		lease:        lease,
		pull:         pull,
		registry:     registry,
		logger:       NewLogger("subscriber"),
		state:        int32(stateNew),
	}
	if cfg.AutoCommit {
		s.auto = NewAutoCommitter(cfg, ledger, dispatch)
	}
	return s, nil
}

// Subscription returns the fully-qualified subscription resource name
// this façade resolved or created.
func (s *Subscriber) Subscription() string { return s.subscription }

// Metrics exposes the go-metrics registry every component reports
// through, for an embedder that wants to wire it into its own
// reporting (graphite, expvar, whatever consumer.go's own users do
// with a metrics.Registry).
func (s *Subscriber) Metrics() metrics.Registry { return s.registry }

// StartAsync transitions NEW -> RUNNING and launches every background
// component. Calling it more than once is a no-op.
func (s *Subscriber) StartAsync() {
	if !atomic.CompareAndSwapInt32(&s.state, int32(stateNew), int32(stateStarting)) {
		return
	}
	s.dispatch.Start()
	s.lease.Start()
	s.pull.Start()
	if s.auto != nil {
		s.auto.Start()
	}
	atomic.StoreInt32(&s.state, int32(stateRunning))
}

// StopAsync transitions toward TERMINATED: stops accepting new pulls,
// cancels the lease renewer and auto-committer, and waits up to
// DefaultDrainDeadline for DispatchPump to flush whatever was already
// queued for ack/nack before giving up on the rest.
func (s *Subscriber) StopAsync(ctx context.Context) {
	old := atomic.LoadInt32(&s.state)
	if old != int32(stateRunning) && old != int32(stateFailed) {
		return
	}
	if !atomic.CompareAndSwapInt32(&s.state, old, int32(stateStopping)) {
		return
	}

	s.pull.Pause()
	s.pull.Stop()
	s.lease.Stop()
	if s.auto != nil {
		s.auto.Stop()
	}

	pending := s.ledger.DrainTerminals()
	if len(pending) > 0 {
		s.logger.Printf("subscriber: draining %d messages still pending a disposition", len(pending))
	}

	drainCtx, cancel := context.WithTimeout(ctx, DefaultDrainDeadline)
	defer cancel()
	s.dispatch.Close(drainCtx)

	atomic.StoreInt32(&s.state, int32(stateTerminated))
}

// Pull blocks up to timeout for at least one message to become
// available, returning up to max_pull_records of them. An empty,
// nil-error batch means the timeout elapsed with nothing to deliver.
func (s *Subscriber) Pull(ctx context.Context, timeout time.Duration) ([]*Message, error) {
	if atomic.LoadInt32(&s.state) != int32(stateRunning) {
		return nil, fmt.Errorf("pscompat: subscriber %s is not running", s.subscription)
	}
	msgs, err := s.pull.Pull(ctx, timeout, s.cfg.MaxPullRecords)
	if err != nil {
		atomic.CompareAndSwapInt32(&s.state, int32(stateRunning), int32(stateFailed))
		return nil, err
	}
	return msgs, nil
}

// Commit marks every currently outstanding message ACK_PENDING and
// queues the corresponding ack RPCs. When sync is true it blocks until
// every one of them has landed or failed terminally (§4.7); otherwise
// it returns once they're queued.
func (s *Subscriber) Commit(ctx context.Context, sync bool) error {
	if atomic.LoadInt32(&s.state) != int32(stateRunning) {
		return fmt.Errorf("pscompat: subscriber %s is not running", s.subscription)
	}
	return s.commitIntents(ctx, sync, s.ledger.RequestAckAll())
}

// CommitBefore marks every outstanding message whose synthetic offset
// is <= offset ACK_PENDING, the partial-batch commit from §4.2.
func (s *Subscriber) CommitBefore(ctx context.Context, sync bool, offset int64) error {
	if atomic.LoadInt32(&s.state) != int32(stateRunning) {
		return fmt.Errorf("pscompat: subscriber %s is not running", s.subscription)
	}
	return s.commitIntents(ctx, sync, s.ledger.RequestAckBefore(offset))
}

func (s *Subscriber) commitIntents(ctx context.Context, sync bool, intents []intent) error {
	if s.auto != nil {
		s.auto.NotifyManualCommit()
	}

	now := time.Now()
	for _, it := range intents {
		if admitted, ok := s.ledger.AdmitTime(it.ackID); ok {
			s.estimator.Observe(now.Sub(admitted))
		}
	}

	if !sync {
		for _, it := range intents {
			s.dispatch.Submit(it)
		}
		return nil
	}

	ids := make([]string, len(intents))
	for i, it := range intents {
		ids[i] = it.ackID
	}
	waiter := s.dispatch.SubmitSync(ids, intentAck)
	select {
	case <-waiter.done:
		return waiter.wait()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Seek delegates directly to the wire Seek RPC; PendingLedger holds no
// opinion about offsets the caller hasn't pulled yet, so there is
// nothing to reconcile locally (§4.7).
func (s *Subscriber) Seek(ctx context.Context, when time.Time) error {
	_, err := s.client.Seek(ctx, &pubsubpb.SeekRequest{
		Subscription: s.subscription,
		Target:       &pubsubpb.SeekRequest_Time{Time: timestamppb.New(when)},
	})
	if err != nil {
		return wrapErr(classify(err), "Seek", err)
	}
	return nil
}

// Pause suppresses new pull RPCs; messages already admitted remain
// visible through Pull (§9's resolution of the pause open question).
func (s *Subscriber) Pause() { s.pull.Pause() }

// Resume re-enables pulling after Pause.
func (s *Subscriber) Resume() { s.pull.Resume() }

// Outstanding reports how many messages are currently tracked by the
// ledger, regardless of state — the façade's analogue of
// consumer.go's HighWaterMarks() introspection hook.
func (s *Subscriber) Outstanding() int { return s.ledger.Len() }

// DeleteSubscription best-effort deletes the subscription this
// façade owns. Per §9's resolved open question it is fire-and-forget:
// callers that care about the outcome inspect the returned error
// themselves, but Subscriber itself never blocks shutdown on it.
func (s *Subscriber) DeleteSubscription(ctx context.Context) error {
	if !s.cfg.AllowSubscriptionDeletion {
		return fmt.Errorf("pscompat: subscription deletion not enabled in Config")
	}
	err := s.client.DeleteSubscription(ctx, &pubsubpb.DeleteSubscriptionRequest{Subscription: s.subscription})
	if err != nil {
		return wrapErr(classify(err), "DeleteSubscription", err)
	}
	return nil
}
