package pipeline

import "time"

// Default engine tuning.
const (
	DefaultLeaseTTL            = time.Minute
	DefaultLeaseAcquireTimeout = 2 * time.Second
	DefaultMaxUpdateRetries    = 5
	DefaultRetryInterval       = 5 * time.Millisecond
)

// EngineOptions tune a processing engine. Zero fields take defaults.
type EngineOptions struct {
	// BatchSize bounds job reads and processed-marker writes.
	BatchSize int
	// LeaseTTL is the lifetime of the per-pipeline lease; it is renewed
	// after every stage.
	LeaseTTL time.Duration
	// LeaseAcquireTimeout bounds the lease acquisition call.
	LeaseAcquireTimeout time.Duration
	// MaxUpdateRetries is how often a single job write is retried after a
	// version conflict.
	MaxUpdateRetries int
	// RetryInterval is the pause between retries of a job write.
	RetryInterval time.Duration
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = DefaultLeaseTTL
	}
	if o.LeaseAcquireTimeout <= 0 {
		o.LeaseAcquireTimeout = DefaultLeaseAcquireTimeout
	}
	if o.MaxUpdateRetries <= 0 {
		o.MaxUpdateRetries = DefaultMaxUpdateRetries
	}
	if o.RetryInterval < 0 {
		o.RetryInterval = 0
	}
	return o
}
