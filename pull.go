package pscompat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	pubsubpb "google.golang.org/genproto/googleapis/pubsub/v1"
)

var errLoopStopped = errors.New("pscompat: pull loop stopped")

// PullLoop is C5: it keeps the caller's available buffer topped up by
// issuing pull RPCs whenever the buffer runs dry, and blocks
// Subscriber.Pull callers on a condition variable until a batch is
// ready or their timeout elapses — the same "wait on a condition
// variable guarding shared state, protected by one mutex" shape the
// vendored cloud.google.com/go/pubsub streamingPuller uses
// (sync.Cond over inFlight/closed/err).
type PullLoop struct {
	cfg          *Config
	client       SubscriberServiceClient
	topic        string
	subscription string
	ledger       *PendingLedger
	estimator    *DeadlineEstimator
	logger       StdLogger

	mu      sync.Mutex
	cond    *sync.Cond
	buffer  []*Message
	closed  bool
	paused  int32
	fatal   atomic.Value
	stop    chan struct{}
	halted  sync.Once
	wg      sync.WaitGroup
}

// NewPullLoop wires a loop that pulls from client for subscription and
// admits into ledger, proposing initial leases from estimator.
func NewPullLoop(cfg *Config, client SubscriberServiceClient, topic, subscription string, ledger *PendingLedger, estimator *DeadlineEstimator) *PullLoop {
	p := &PullLoop{
		cfg:          cfg,
		client:       client,
		topic:        topic,
		subscription: subscription,
		ledger:       ledger,
		estimator:    estimator,
		logger:       NewLogger("pull"),
		stop:         make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the pull loop's goroutine.
func (p *PullLoop) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop halts the loop, letting any in-flight pull RPC finish (§5:
// "lets PullLoop finish its in-flight RPC, then closes the admission
// path").
func (p *PullLoop) Stop() {
	p.halted.Do(func() { close(p.stop) })
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// Pause suppresses new pull RPCs without discarding what's already in
// the available buffer (§9's resolution of the pause/admitted-message
// open question).
func (p *PullLoop) Pause() { atomic.StoreInt32(&p.paused, 1) }

// Resume re-enables pulling.
func (p *PullLoop) Resume() { atomic.StoreInt32(&p.paused, 0) }

// IsPaused reports the current pause state.
func (p *PullLoop) IsPaused() bool { return atomic.LoadInt32(&p.paused) == 1 }

// FatalError returns the last fatal error recorded by the background
// loop, if any. Subscriber surfaces this on the caller's next
// operation per §7's propagation policy.
func (p *PullLoop) FatalError() error {
	if v := p.fatal.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Pull blocks up to timeout for the available buffer to hold at least
// one message, then returns up to max of them. Returns an empty,
// non-error batch on timeout, per §4.5.
func (p *PullLoop) Pull(ctx context.Context, timeout time.Duration, max int) ([]*Message, error) {
	if err := p.FatalError(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.buffer) == 0 && !p.closed {
		if err := p.FatalError(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if !p.waitWithTimeout(ctx, remaining) {
			return nil, ctx.Err()
		}
	}

	n := max
	if n <= 0 || n > len(p.buffer) {
		n = len(p.buffer)
	}
	batch := p.buffer[:n]
	p.buffer = p.buffer[n:]
	return batch, nil
}

// waitWithTimeout waits on the condition variable until woken, until
// timeout elapses, or until ctx is cancelled, returning false only in
// the cancellation case. It must be called with p.mu held and
// re-acquires it before returning, matching sync.Cond.Wait's contract.
// The caller (Pull) re-checks its own deadline and the buffer state
// after every return, so a spurious or timeout wakeup is harmless.
func (p *PullLoop) waitWithTimeout(ctx context.Context, timeout time.Duration) bool {
	woken := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	cancelled := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(cancelled)
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-woken:
		}
	}()

	p.cond.Wait()
	close(woken)

	select {
	case <-cancelled:
		return false
	default:
		return true
	}
}

func (p *PullLoop) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = p.cfg.RetryBackoff
		bo.MaxInterval = maxRetryBackoff
		bo.MaxElapsedTime = 0

		err := backoff.Retry(func() error {
			select {
			case <-p.stop:
				return backoff.Permanent(errLoopStopped)
			default:
			}
			return p.cycle()
		}, bo)

		if err != nil && !errors.Is(err, errLoopStopped) {
			p.logger.Printf("pull: giving up on subscription %s: %s", p.subscription, err)
			return
		}
		if errors.Is(err, errLoopStopped) {
			return
		}
	}
}

// cycle runs one iteration of the receive loop: wait out a pause or a
// full buffer, otherwise issue one pull RPC and admit its results.
// A nil return tells backoff.Retry this cycle is done (successful or
// a no-op); a plain error triggers a retry with backoff; a
// backoff.Permanent error stops retrying.
func (p *PullLoop) cycle() error {
	if p.IsPaused() {
		time.Sleep(partitionBatchTimeout)
		return nil
	}

	p.mu.Lock()
	full := len(p.buffer) > 0
	p.mu.Unlock()
	if full {
		time.Sleep(partitionBatchTimeout)
		return nil
	}

	// CAPACITY_EXCEEDED back-pressure (§7): while the ledger holds more
	// than max_pull_records envelopes, one more full pull could overflow
	// its max_pull_records*2 cap, so admission pauses until the caller
	// has committed enough of what it already holds.
	if p.ledger.Len() > p.cfg.MaxPullRecords {
		time.Sleep(partitionBatchTimeout)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AckRequestTimeout)
	defer cancel()

	resp, err := p.client.Pull(ctx, &pubsubpb.PullRequest{
		Subscription: p.subscription,
		MaxMessages:  int32(p.cfg.MaxPullRecords),
	})
	if err != nil {
		kind := classify(err)
		if kind == KindRetriable {
			return err
		}
		p.fatal.Store(wrapErr(kind, "Pull", err))
		p.wakeCallers()
		return backoff.Permanent(err)
	}
	if len(resp.GetReceivedMessages()) == 0 {
		return nil
	}

	msgs := make([]*Message, 0, len(resp.GetReceivedMessages()))
	for _, rm := range resp.GetReceivedMessages() {
		m, err := fromReceived(p.topic, rm)
		if err != nil {
			// §6/§8: an unparsable offset is fatal on the pull path
			// and the offending message must never be surfaced.
			p.fatal.Store(err)
			p.wakeCallers()
			return backoff.Permanent(err)
		}
		msgs = append(msgs, m)
	}

	initialLease := p.estimator.Propose()
	if err := p.ledger.Admit(msgs, time.Now(), initialLease); err != nil {
		// The ledger rejected the batch: it is dropped unadmitted and
		// the server redelivers it once its lease expires.
		p.logger.Printf("pull: ledger at capacity, pausing admission briefly")
		time.Sleep(partitionBatchTimeout)
		return nil
	}

	for _, m := range msgs {
		for _, interceptor := range p.cfg.Interceptors {
			interceptor(m)
		}
	}

	p.mu.Lock()
	p.buffer = append(p.buffer, msgs...)
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

func (p *PullLoop) wakeCallers() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}
