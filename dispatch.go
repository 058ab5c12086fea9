package pscompat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/googleapis/gax-go/v2"
	metrics "github.com/rcrowley/go-metrics"
	pubsubpb "google.golang.org/genproto/googleapis/pubsub/v1"
)

var errDispatchClosed = errors.New("pscompat: dispatch pump closed")

// DispatchPump is C3: it coalesces individual ack/nack/modify-ack
// intents into size-capped batched RPCs, retries transient failures
// with jittered exponential backoff, and allows up to four batches to
// be in flight concurrently — the fan-out/fan-in shape of the
// teacher's brokerConsumer, but keyed by RPC kind instead of by
// broker.
type DispatchPump struct {
	cfg          *Config
	client       SubscriberServiceClient
	subscription string
	ledger       *PendingLedger

	inbound chan intent
	sem     chan struct{}
	wg      sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc

	logger        StdLogger
	batchSizeHist metrics.Histogram
	retryCounter  metrics.Counter
}

// NewDispatchPump wires a pump for subscription, batching intents
// destined for client, and reporting a batch-size histogram plus a
// retry counter on registry — directly analogous to consumer.go's
// "consumer-batch-size" histogram.
func NewDispatchPump(cfg *Config, client SubscriberServiceClient, subscription string, ledger *PendingLedger, registry metrics.Registry) *DispatchPump {
	ctx, cancel := context.WithCancel(context.Background())
	p := &DispatchPump{
		cfg:          cfg,
		client:       client,
		subscription: subscription,
		ledger:       ledger,
		inbound:      make(chan intent, cfg.MaxPerRequestChanges),
		sem:          make(chan struct{}, maxInFlightBatches),
		ctx:          ctx,
		cancel:       cancel,
		logger:       NewLogger("dispatch"),
	}
	if registry != nil {
		p.batchSizeHist = metrics.NewHistogram(metrics.NewUniformSample(1028))
		p.retryCounter = metrics.NewCounter()
		_ = registry.Register(cfg.MetricsPrefix+"-batch-size", p.batchSizeHist)
		_ = registry.Register(cfg.MetricsPrefix+"-retries", p.retryCounter)
	}
	return p
}

// Start launches the pump's batching loop. Must be called once before
// Submit.
func (p *DispatchPump) Start() {
	p.wg.Add(1)
	go p.run()
}

// Submit enqueues an intent for batching. It never blocks on RPC I/O;
// it only ever blocks briefly if the inbound queue itself is full.
// Once Close has run, Submit no longer touches the (by then closed)
// inbound channel — it completes the intent's waiter, if any, with a
// cancellation error instead, so a caller racing with shutdown never
// sends on a closed channel.
func (p *DispatchPump) Submit(it intent) {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.closed {
		if it.waiter != nil {
			it.waiter.complete(wrapErr(KindCancelled, "dispatch", errDispatchClosed))
		}
		return
	}

	select {
	case p.inbound <- it:
	case <-p.ctx.Done():
		if it.waiter != nil {
			it.waiter.complete(wrapErr(KindCancelled, "dispatch", p.ctx.Err()))
		}
	}
}

// SubmitSync enqueues ack intents for the given ids and returns a
// waiter the caller can block on until every one of them has a
// disposition — the synchronous commit path from §4.3/§4.7.
func (p *DispatchPump) SubmitSync(ids []string, kind intentKind) *commitWaiter {
	if len(ids) == 0 {
		w := newCommitWaiter(0)
		close(w.done)
		return w
	}
	w := newCommitWaiter(len(ids))
	for _, id := range ids {
		p.Submit(intent{kind: kind, ackID: id, waiter: w})
	}
	return w
}

// Close stops accepting new intents, flushes whatever is queued or
// in-flight, and waits (up to the drain deadline enforced by the
// caller via ctx) for all in-flight RPCs to finish. Safe to call more
// than once.
func (p *DispatchPump) Close(ctx context.Context) {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.inbound)
	p.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
	}
}

func (p *DispatchPump) run() {
	defer p.wg.Done()
	var ackBatch, nackBatch, modifyBatch []intent
	timer := time.NewTimer(coalesceWindow)
	defer timer.Stop()

	flushIfFull := func() {
		if len(ackBatch) >= p.cfg.MaxPerRequestChanges {
			p.dispatch(intentAck, ackBatch)
			ackBatch = nil
		}
		if len(nackBatch) >= p.cfg.MaxPerRequestChanges {
			p.dispatch(intentNack, nackBatch)
			nackBatch = nil
		}
		if len(modifyBatch) >= p.cfg.MaxPerRequestChanges {
			p.dispatch(intentModify, modifyBatch)
			modifyBatch = nil
		}
	}

	for {
		select {
		case it, ok := <-p.inbound:
			if !ok {
				if len(ackBatch) > 0 {
					p.dispatch(intentAck, ackBatch)
				}
				if len(nackBatch) > 0 {
					p.dispatch(intentNack, nackBatch)
				}
				if len(modifyBatch) > 0 {
					p.dispatch(intentModify, modifyBatch)
				}
				return
			}
			switch it.kind {
			case intentAck:
				ackBatch = append(ackBatch, it)
			case intentNack:
				nackBatch = append(nackBatch, it)
			case intentModify:
				modifyBatch = append(modifyBatch, it)
			}
			flushIfFull()

		case <-timer.C:
			if len(ackBatch) > 0 {
				p.dispatch(intentAck, ackBatch)
				ackBatch = nil
			}
			if len(nackBatch) > 0 {
				p.dispatch(intentNack, nackBatch)
				nackBatch = nil
			}
			if len(modifyBatch) > 0 {
				p.dispatch(intentModify, modifyBatch)
				modifyBatch = nil
			}
			timer.Reset(coalesceWindow)

		case <-p.ctx.Done():
			return
		}
	}
}

// dispatch chunks batch into MaxPerRequestChanges-sized pieces
// (invariant: no ack/modify-ack RPC carries more than that many ids)
// and hands each chunk to its own goroutine, bounded by the in-flight
// semaphore.
func (p *DispatchPump) dispatch(kind intentKind, batch []intent) {
	if p.batchSizeHist != nil {
		p.batchSizeHist.Update(int64(len(batch)))
	}
	for len(batch) > 0 {
		n := len(batch)
		if n > p.cfg.MaxPerRequestChanges {
			n = p.cfg.MaxPerRequestChanges
		}
		chunk := batch[:n]
		batch = batch[n:]

		p.wg.Add(1)
		p.sem <- struct{}{}
		go func(chunk []intent) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.send(kind, chunk)
		}(chunk)
	}
}

func (p *DispatchPump) send(kind intentKind, chunk []intent) {
	ids := make([]string, len(chunk))
	for i, it := range chunk {
		ids[i] = it.ackID
	}

	err := p.sendWithRetry(kind, ids, chunk)
	p.settle(kind, chunk, err)
}

// sendWithRetry issues the RPC, retrying RETRIABLE failures with
// jittered exponential backoff starting at cfg.RetryBackoff and
// doubling to a 60s cap — the backoff shape gax-go's client libraries
// use against this exact API, adapted from the commented-out
// streamingPuller.call loop in the vendored pubsub client.
func (p *DispatchPump) sendWithRetry(kind intentKind, ids []string, chunk []intent) error {
	bo := gax.Backoff{Initial: p.cfg.RetryBackoff, Max: maxRetryBackoff, Multiplier: 2}

	for {
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.AckRequestTimeout)
		err := p.call(ctx, kind, ids, chunk)
		cancel()
		if err == nil {
			return nil
		}
		switch classify(err) {
		case KindRetriable:
			if p.retryCounter != nil {
				p.retryCounter.Inc(1)
			}
			select {
			case <-time.After(bo.Pause()):
				continue
			case <-p.ctx.Done():
				return wrapErr(KindCancelled, "dispatch", p.ctx.Err())
			}
		default:
			p.logger.Printf("dispatch: dropping batch of %d after fatal error: %s", len(ids), err)
			return err
		}
	}
}

func (p *DispatchPump) call(ctx context.Context, kind intentKind, ids []string, chunk []intent) error {
	switch kind {
	case intentAck:
		return p.client.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
			Subscription: p.subscription,
			AckIds:       ids,
		})
	case intentNack:
		return p.client.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
			Subscription:       p.subscription,
			AckIds:             ids,
			AckDeadlineSeconds: 0,
		})
	case intentModify:
		// All intents in a MODIFY chunk share the same proposed
		// deadline (LeaseRenewer builds them that way), so the first
		// one's newDeadline applies to the whole request.
		seconds := int32(0)
		if len(chunk) > 0 {
			seconds = int32(chunk[0].newDeadline.Seconds())
		}
		return p.client.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
			Subscription:       p.subscription,
			AckIds:             ids,
			AckDeadlineSeconds: seconds,
		})
	default:
		return nil
	}
}

func (p *DispatchPump) settle(kind intentKind, chunk []intent, err error) {
	for _, it := range chunk {
		switch {
		case err == nil && kind == intentAck:
			p.ledger.Finalize(it.ackID)
		case kind == intentNack:
			p.ledger.Abandon(it.ackID)
		case err != nil && kind == intentAck:
			// FATAL: drop the batch and log; the server's own
			// deadline will eventually redeliver (§4.3).
			p.ledger.Abandon(it.ackID)
		case err != nil && kind == intentModify:
			// LeaseRenewer applies the new deadline to the ledger
			// optimistically, before this RPC lands (lease.go's
			// tick). On a fatal failure the server never actually
			// extended the lease, so keeping the envelope under that
			// deadline would hide it from SnapshotExtensions until it
			// starves past a deadline that was never real. Abandon it
			// and let the server's own expiry redeliver it.
			p.ledger.Abandon(it.ackID)
		}
		if it.waiter != nil {
			it.waiter.complete(err)
		}
	}
}
