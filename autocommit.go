package pscompat

import (
	"sync"
	"time"
)

// AutoCommitter is C6: when enabled, it periodically marks every
// outstanding message ACK_PENDING and hands the resulting intents to
// DispatchPump, the way sarama's subscriptionManager periodically
// re-evaluates partition ownership — except here the period is wall
// clock, not broker feedback. A manual commit restarts the period
// rather than stacking on top of it (§4.6).
type AutoCommitter struct {
	cfg      *Config
	ledger   *PendingLedger
	dispatch *DispatchPump
	logger   StdLogger

	reset    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAutoCommitter wires a committer over ledger and dispatch, ticking
// at cfg.AutoCommitInterval once Start is called.
func NewAutoCommitter(cfg *Config, ledger *PendingLedger, dispatch *DispatchPump) *AutoCommitter {
	return &AutoCommitter{
		cfg:      cfg,
		ledger:   ledger,
		dispatch: dispatch,
		logger:   NewLogger("autocommit"),
		reset:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the periodic-commit goroutine.
func (a *AutoCommitter) Start() {
	a.wg.Add(1)
	go a.run()
}

// Stop cancels the committer. It does not issue a final commit; the
// façade's drain path owns flushing whatever is left outstanding.
func (a *AutoCommitter) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
}

// NotifyManualCommit restarts the period timer. Called by Subscriber
// whenever a manual Commit/CommitBefore lands, so auto-commit never
// fires immediately on the heels of one.
func (a *AutoCommitter) NotifyManualCommit() {
	select {
	case a.reset <- struct{}{}:
	default:
	}
}

func (a *AutoCommitter) run() {
	defer a.wg.Done()

	timer := time.NewTimer(a.cfg.AutoCommitInterval)
	defer timer.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-a.reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(a.cfg.AutoCommitInterval)
		case <-timer.C:
			a.commit()
			timer.Reset(a.cfg.AutoCommitInterval)
		}
	}
}

func (a *AutoCommitter) commit() {
	intents := a.ledger.RequestAckAll()
	if len(intents) == 0 {
		return
	}
	a.logger.Printf("autocommit: committing %d outstanding messages", len(intents))
	for _, it := range intents {
		a.dispatch.Submit(it)
	}
}
