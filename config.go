package pscompat

import (
	"fmt"
	"time"
)

// Lease bounds shared by the estimator and the renewer (§4.1).
const (
	MinLease = 10 * time.Second
	MaxLease = 600 * time.Second

	// LeaseMargin is how far ahead of expiry PendingLedger.SnapshotExtensions
	// starts flagging envelopes for renewal, and LeaseRenewer ticks at
	// half of it.
	LeaseMargin = 60 * time.Second

	// DefaultDrainDeadline bounds how long Subscriber.StopAsync waits
	// for outstanding acks to flush before abandoning them.
	DefaultDrainDeadline = 30 * time.Second

	maxInFlightBatches     = 4
	coalesceWindow         = 100 * time.Millisecond
	maxRetryBackoff        = 60 * time.Second
	partitionBatchTimeout  = 100 * time.Millisecond
	estimatorMinSampleSize = 10
)

// MessageInterceptor lets an embedder observe (and optionally rewrite)
// a message right after PullLoop admits it, before it becomes visible
// through Subscriber.Pull. Mirrors the teacher's
// Config.Consumer.Interceptors / child.interceptors.
type MessageInterceptor func(*Message)

// Config is the configuration record from §3. Every field has an
// effect documented there; DefaultConfig returns the values this
// module uses when the embedder leaves them unset.
type Config struct {
	AutoCommit             bool
	AutoCommitInterval     time.Duration
	MaxPullRecords         int
	MaxAckExtensionPeriod  time.Duration
	MaxPerRequestChanges   int
	RetryBackoff           time.Duration
	AckRequestTimeout      time.Duration
	CreatedSubscriptionTTL time.Duration

	AllowSubscriptionCreation bool
	AllowSubscriptionDeletion bool

	Interceptors []MessageInterceptor

	MetricsPrefix string
}

// DefaultConfig returns a Config with the defaults this module assumes
// when a field is left at its zero value by the embedder.
func DefaultConfig() *Config {
	return &Config{
		AutoCommit:                false,
		AutoCommitInterval:        5 * time.Second,
		MaxPullRecords:            500,
		MaxAckExtensionPeriod:     300 * time.Second,
		MaxPerRequestChanges:      2500,
		RetryBackoff:              250 * time.Millisecond,
		AckRequestTimeout:         10 * time.Second,
		CreatedSubscriptionTTL:    10 * time.Second,
		AllowSubscriptionCreation: false,
		AllowSubscriptionDeletion: false,
		MetricsPrefix:             "pscompat",
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	out := *c
	if out.AutoCommitInterval <= 0 {
		out.AutoCommitInterval = d.AutoCommitInterval
	}
	if out.MaxPullRecords <= 0 {
		out.MaxPullRecords = d.MaxPullRecords
	}
	if out.MaxAckExtensionPeriod <= 0 {
		out.MaxAckExtensionPeriod = d.MaxAckExtensionPeriod
	}
	if out.MaxPerRequestChanges <= 0 {
		out.MaxPerRequestChanges = d.MaxPerRequestChanges
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = d.RetryBackoff
	}
	if out.AckRequestTimeout <= 0 {
		out.AckRequestTimeout = d.AckRequestTimeout
	}
	if out.CreatedSubscriptionTTL <= 0 {
		out.CreatedSubscriptionTTL = d.CreatedSubscriptionTTL
	}
	if out.MetricsPrefix == "" {
		out.MetricsPrefix = d.MetricsPrefix
	}
	return &out
}

func (c *Config) validate() error {
	if c.MaxAckExtensionPeriod < MinLease {
		return fmt.Errorf("pscompat: MaxAckExtensionPeriod %s is below MinLease %s", c.MaxAckExtensionPeriod, MinLease)
	}
	if c.MaxPullRecords <= 0 {
		return fmt.Errorf("pscompat: MaxPullRecords must be positive, got %d", c.MaxPullRecords)
	}
	if c.MaxPerRequestChanges <= 0 {
		return fmt.Errorf("pscompat: MaxPerRequestChanges must be positive, got %d", c.MaxPerRequestChanges)
	}
	return nil
}
