package pscompat

import (
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

type envelopeState int32

const (
	stateOutstanding envelopeState = iota
	stateAckPending
	stateNackPending
	stateAcked
	stateExpired
)

// envelope is the message envelope from §3, owned exclusively by
// PendingLedger while outstanding.
type envelope struct {
	ackID           string
	message         *Message
	admitTime       time.Time
	currentDeadline time.Time
	extensionsUsed  time.Duration
	state           envelopeState
}

// intentKind is one of the three RPC shapes DispatchPump batches.
type intentKind int

const (
	intentAck intentKind = iota
	intentNack
	intentModify
)

// intent is one outstanding ack/nack/modify-ack-deadline request,
// optionally tied to a commitWaiter so a synchronous commit can block
// until it lands. This is the "explicit completion token" design note
// calls for in place of the source's future+callback composition.
type intent struct {
	kind        intentKind
	ackID       string
	newDeadline time.Duration
	waiter      *commitWaiter
}

// commitWaiter is the barrier a synchronous commit blocks on: it
// starts holding `remaining` outstanding acks and is signalled closed
// once every one of them has a disposition (success or unrecoverable
// failure).
type commitWaiter struct {
	mu        sync.Mutex
	remaining int
	err       error
	done      chan struct{}
}

func newCommitWaiter(n int) *commitWaiter {
	return &commitWaiter{remaining: n, done: make(chan struct{})}
}

func (w *commitWaiter) complete(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil && err != nil {
		w.err = err
	}
	w.remaining--
	if w.remaining <= 0 {
		select {
		case <-w.done:
		default:
			close(w.done)
		}
	}
}

func (w *commitWaiter) wait() error {
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// PendingLedger is C2: it holds every outstanding message and owns
// every state transition an envelope can go through. It is the single
// synchronization point described in §5 — no RPC is ever issued while
// its mutex is held.
type PendingLedger struct {
	mu        sync.Mutex
	cfg       *Config
	envelopes map[string]*envelope
	order     []string // admit order, for request_ack_before's linear scan

	outstandingGauge metrics.Gauge
	expiredCounter   metrics.Counter
	logger           StdLogger
}

// NewPendingLedger builds an empty ledger bound to cfg, reporting an
// outstanding-count gauge and expired-message counter on registry —
// the same registry-driven introspection consumer.go gives its
// partitionConsumer via metricRegistry.
func NewPendingLedger(cfg *Config, registry metrics.Registry) *PendingLedger {
	l := &PendingLedger{
		cfg:       cfg,
		envelopes: make(map[string]*envelope),
		logger:    NewLogger("ledger"),
	}
	if registry != nil {
		l.outstandingGauge = metrics.NewGauge()
		l.expiredCounter = metrics.NewCounter()
		_ = registry.Register(cfg.MetricsPrefix+"-outstanding", l.outstandingGauge)
		_ = registry.Register(cfg.MetricsPrefix+"-expired", l.expiredCounter)
	}
	return l
}

// Admit stores a freshly pulled batch as OUTSTANDING, stamping
// admit_time and an initial current_deadline of now+initialLease.
// Capacity: admitting more than max_pull_records*2
// outstanding envelopes fails with ErrCapacityExceeded instead of
// growing unbounded.
func (l *PendingLedger) Admit(batch []*Message, now time.Time, initialLease time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.cfg.MaxPullRecords * 2
	if len(l.envelopes)+len(batch) > limit {
		return ErrCapacityExceeded
	}

	for _, m := range batch {
		if _, exists := l.envelopes[m.AckID]; exists {
			// Invariant 1: an ack_id appears at most once between
			// admit and terminal transition; a duplicate delivery of
			// an ack_id we still hold is a server redelivery we can
			// just ignore.
			continue
		}
		e := &envelope{
			ackID:           m.AckID,
			message:         m,
			admitTime:       now,
			currentDeadline: now.Add(initialLease),
			state:           stateOutstanding,
		}
		l.envelopes[m.AckID] = e
		l.order = append(l.order, m.AckID)
	}
	l.reportGauge()
	return nil
}

// RequestAck transitions the given ack ids from OUTSTANDING to
// ACK_PENDING. Unknown ids are logged and skipped — per §4.2 this is
// recovery, not failure (the ack may already have completed, or the
// id may belong to a different subscriber generation).
func (l *PendingLedger) RequestAck(ackIDs []string) []intent {
	return l.transition(ackIDs, intentAck, stateAckPending)
}

// RequestNack transitions the given ack ids from OUTSTANDING to
// NACK_PENDING.
func (l *PendingLedger) RequestNack(ackIDs []string) []intent {
	return l.transition(ackIDs, intentNack, stateNackPending)
}

func (l *PendingLedger) transition(ackIDs []string, kind intentKind, next envelopeState) []intent {
	l.mu.Lock()
	defer l.mu.Unlock()

	intents := make([]intent, 0, len(ackIDs))
	for _, id := range ackIDs {
		e, ok := l.envelopes[id]
		if !ok || e.state != stateOutstanding {
			l.logger.Printf("ledger: unknown or non-outstanding ack id %q skipped", id)
			continue
		}
		e.state = next
		intents = append(intents, intent{kind: kind, ackID: id})
	}
	return intents
}

// RequestAckAll marks every currently OUTSTANDING envelope
// ACK_PENDING, used by Subscriber.Commit and AutoCommitter (§4.6/§4.7:
// "marks all currently-admitted messages for ack").
func (l *PendingLedger) RequestAckAll() []intent {
	l.mu.Lock()
	ids := make([]string, 0, len(l.envelopes))
	for id, e := range l.envelopes {
		if e.state == stateOutstanding {
			ids = append(ids, id)
		}
	}
	l.mu.Unlock()
	return l.RequestAck(ids)
}

// RequestAckBefore transitions every OUTSTANDING envelope whose
// synthetic_offset <= offset to ACK_PENDING and returns the matching
// intents. Offsets are producer-assigned and not monotone, so this is
// a linear scan over admission order, exactly as §4.2 specifies.
func (l *PendingLedger) RequestAckBefore(offset int64) []intent {
	l.mu.Lock()
	var ids []string
	for _, id := range l.order {
		e, ok := l.envelopes[id]
		if !ok || e.state != stateOutstanding {
			continue
		}
		if e.message.SyntheticOffset <= offset {
			ids = append(ids, id)
		}
	}
	l.mu.Unlock()
	return l.RequestAck(ids)
}

// SnapshotExtensions returns the ack ids that need their lease
// extended (current_deadline within LeaseMargin of now and still under
// the extension cap) and removes — transitioning to EXPIRED — any
// envelope that has exhausted max_ack_extension_period (invariant 2).
func (l *PendingLedger) SnapshotExtensions(now time.Time) (needExtension []string, expired []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, e := range l.envelopes {
		if e.state != stateOutstanding {
			continue
		}
		if e.extensionsUsed >= l.cfg.MaxAckExtensionPeriod {
			e.state = stateExpired
			expired = append(expired, id)
			delete(l.envelopes, id)
			if l.expiredCounter != nil {
				l.expiredCounter.Inc(1)
			}
			continue
		}
		if e.currentDeadline.Sub(now) < LeaseMargin {
			needExtension = append(needExtension, id)
		}
	}
	l.reportGauge()
	return needExtension, expired
}

// ApplyExtension records that ackID's lease was extended by d,
// updating current_deadline and extensions_used. Called by
// LeaseRenewer right after it has successfully queued the MODIFY
// intent for ackID.
func (l *PendingLedger) ApplyExtension(ackID string, now time.Time, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.envelopes[ackID]
	if !ok || e.state != stateOutstanding {
		return
	}
	e.currentDeadline = now.Add(d)
	e.extensionsUsed += d
}

// ExtensionIntent builds the MODIFY intent LeaseRenewer dispatches for
// ackID with the proposed lease duration d.
func ExtensionIntent(ackID string, d time.Duration) intent {
	return intent{kind: intentModify, ackID: ackID, newDeadline: d}
}

// DrainTerminals returns the ack ids of every envelope currently in
// ACK_PENDING or NACK_PENDING without removing them; DispatchPump's
// own settle() is what finalizes or abandons them once their RPC
// lands. Subscriber.StopAsync uses this to log how many envelopes are
// still pending a disposition before it closes the pump.
func (l *PendingLedger) DrainTerminals() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string
	for id, e := range l.envelopes {
		if e.state == stateAckPending || e.state == stateNackPending {
			ids = append(ids, id)
		}
	}
	return ids
}

// Finalize marks ackID ACKED and removes it from the ledger once
// DispatchPump has observed a successful acknowledge RPC for it.
func (l *PendingLedger) Finalize(ackID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.envelopes[ackID]; ok {
		e.state = stateAcked
		delete(l.envelopes, ackID)
	}
	l.reportGauge()
}

// Abandon removes ackID without acking it (used for NACKs and for
// envelopes a fatal RPC failure gave up on — the server will
// redeliver on its own schedule).
func (l *PendingLedger) Abandon(ackID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.envelopes, ackID)
	l.reportGauge()
}

// Len reports the number of envelopes currently tracked, regardless of
// state.
func (l *PendingLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.envelopes)
}

// AdmitTime returns the admit_time recorded for ackID, used by the
// commit path to feed DeadlineEstimator.Observe with caller processing
// latency. The bool is false if the envelope is no longer tracked.
func (l *PendingLedger) AdmitTime(ackID string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.envelopes[ackID]
	if !ok {
		return time.Time{}, false
	}
	return e.admitTime, true
}

func (l *PendingLedger) reportGauge() {
	if l.outstandingGauge != nil {
		l.outstandingGauge.Update(int64(len(l.envelopes)))
	}
}
