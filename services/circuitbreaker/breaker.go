package circuitbreaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/services"
)

// State is the circuit state of one provider
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config holds breaker thresholds shared by every provider
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a trial call
	ResetTimeout time.Duration
	// CallTimeout bounds each guarded call
	CallTimeout time.Duration
}

// DefaultConfig returns the breaker defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		CallTimeout:      120 * time.Second,
	}
}

// Stats counts outcomes for one provider. TotalRequests counts admitted
// calls; calls turned away by an open circuit count as RejectedRequests.
type Stats struct {
	TotalRequests      int64 `json:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests"`
	FailedRequests     int64 `json:"failed_requests"`
	RejectedRequests   int64 `json:"rejected_requests"`
	CircuitOpenCount   int64 `json:"circuit_open_count"`
}

// Snapshot is a point-in-time copy of one breaker
type Snapshot struct {
	ProviderID       string    `json:"provider_id"`
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	FailureThreshold int       `json:"failure_threshold"`
	LastFailureTime  time.Time `json:"last_failure_time,omitempty"`
	NextAttemptTime  time.Time `json:"next_attempt_time,omitempty"`
	Stats            Stats     `json:"stats"`
}

// breaker is the per-provider state machine. All fields are guarded by mu.
type breaker struct {
	mu               sync.Mutex
	providerID       string
	state            State
	failureCount     int
	lastFailureTime  time.Time
	nextAttemptTime  time.Time
	halfOpenInFlight bool
	stats            Stats
}

// Registry owns one breaker per provider id, created lazily
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

// Option customizes a Registry
type Option func(*Registry)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a breaker registry
func NewRegistry(config Config, logger *zap.Logger, opts ...Option) *Registry {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaults.CallTimeout
	}

	r := &Registry{
		breakers: make(map[string]*breaker),
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) get(providerID string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[providerID]
	if !ok {
		b = &breaker{providerID: providerID, state: StateClosed}
		r.breakers[providerID] = b
	}
	return b
}

// Execute runs fn under the breaker of providerID.
// An open circuit rejects the call without invoking fn.
func Execute[T any](ctx context.Context, r *Registry, providerID string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	b := r.get(providerID)

	if err := r.acquire(b); err != nil {
		return zero, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(callCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				r.release(b)
				return zero, out.err
			}
			if callCtx.Err() == context.DeadlineExceeded {
				out.err = services.NewCallTimeoutError(providerID, r.config.CallTimeout)
			}
			r.recordFailure(b)
			return zero, out.err
		}
		r.recordSuccess(b)
		return out.value, nil

	case <-callCtx.Done():
		if ctx.Err() != nil {
			// caller went away; not the provider's fault
			r.release(b)
			return zero, services.NewCancelledError(ctx.Err())
		}
		r.recordFailure(b)
		return zero, services.NewCallTimeoutError(providerID, r.config.CallTimeout)
	}
}

// Do is Execute for calls without a result value
func (r *Registry) Do(ctx context.Context, providerID string, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, r, providerID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// acquire admits or rejects a call, applying the lazy OPEN to HALF_OPEN transition
func (r *Registry) acquire(b *breaker) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.now()
	switch b.state {
	case StateOpen:
		if now.Before(b.nextAttemptTime) {
			b.stats.RejectedRequests++
			return services.NewCircuitOpenError(b.providerID, b.nextAttemptTime)
		}
		b.state = StateHalfOpen
		b.halfOpenInFlight = true
		r.logger.Info("circuit half-open, admitting trial call",
			zap.String("provider_id", b.providerID))
	case StateHalfOpen:
		if b.halfOpenInFlight {
			b.stats.RejectedRequests++
			return services.NewCircuitOpenError(b.providerID, b.nextAttemptTime)
		}
		b.halfOpenInFlight = true
	}

	b.stats.TotalRequests++
	return nil
}

// release returns an admitted call that ended without a verdict
func (r *Registry) release(b *breaker) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.TotalRequests--
	if b.state == StateHalfOpen {
		b.halfOpenInFlight = false
	}
}

func (r *Registry) recordSuccess(b *breaker) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.SuccessfulRequests++
	if b.state == StateHalfOpen {
		r.logger.Info("circuit closed after successful trial call",
			zap.String("provider_id", b.providerID))
	}
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenInFlight = false
}

func (r *Registry) recordFailure(b *breaker) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.now()
	b.stats.FailedRequests++
	b.failureCount++
	b.lastFailureTime = now

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInFlight = false
		r.open(b, now)
	case StateClosed:
		if b.failureCount >= r.config.FailureThreshold {
			r.open(b, now)
		}
	}
}

// open must be called with b.mu held
func (r *Registry) open(b *breaker, now time.Time) {
	b.state = StateOpen
	b.nextAttemptTime = now.Add(r.config.ResetTimeout)
	b.stats.CircuitOpenCount++
	r.logger.Warn("circuit opened",
		zap.String("provider_id", b.providerID),
		zap.Int("failure_count", b.failureCount),
		zap.Time("next_attempt_time", b.nextAttemptTime))
}

// State returns the current state of a provider's circuit
func (r *Registry) State(providerID string) State {
	b := r.get(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsHealthy reports whether the circuit is CLOSED
func (r *Registry) IsHealthy(providerID string) bool {
	return r.State(providerID) == StateClosed
}

// Available reports whether a call would currently be admitted:
// CLOSED, or OPEN with its retry time reached and no trial in flight.
func (r *Registry) Available(providerID string) bool {
	b := r.get(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return !r.now().Before(b.nextAttemptTime)
	default:
		return !b.halfOpenInFlight
	}
}

// ForceOpen opens a provider's circuit immediately
func (r *Registry) ForceOpen(providerID string) {
	b := r.get(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.halfOpenInFlight = false
	r.open(b, r.now())
}

// ForceReset closes a provider's circuit and clears its failure count
func (r *Registry) ForceReset(providerID string) {
	b := r.get(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenInFlight = false
	b.nextAttemptTime = time.Time{}
	r.logger.Info("circuit reset", zap.String("provider_id", providerID))
}

// Snapshot returns a copy of a provider's breaker state
func (r *Registry) Snapshot(providerID string) Snapshot {
	return r.snapshot(r.get(providerID))
}

// Snapshots returns copies of every known breaker, sorted by provider id
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, r.snapshot(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

func (r *Registry) snapshot(b *breaker) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		ProviderID:       b.providerID,
		State:            b.state,
		FailureCount:     b.failureCount,
		FailureThreshold: r.config.FailureThreshold,
		LastFailureTime:  b.lastFailureTime,
		NextAttemptTime:  b.nextAttemptTime,
		Stats:            b.stats,
	}
}
