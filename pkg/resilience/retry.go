// Package resilience provides a bounded retry executor with per-attempt delays
// and random jitter.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// MaxJitter is the exclusive upper bound of the random jitter added to each delay.
const MaxJitter = 100 * time.Millisecond

// ErrResultRejected is returned when every attempt produced a result the
// result predicate asked to retry.
var ErrResultRejected = errors.New("retry attempts exhausted: result rejected")

// DefaultDelays is used when RetryOptions.Delays is nil.
var DefaultDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
}

// RetryOptions configures a RetryProvider. The number of attempts is
// 1 + len(Delays); Delays[i] is waited before attempt i+2.
type RetryOptions struct {
	Delays []time.Duration `mapstructure:"delays" yaml:"delays"`
}

// RetryProvider runs operations with a fixed attempt budget.
type RetryProvider struct {
	delays []time.Duration
	jitter func() time.Duration
	logger *zap.Logger
}

// NewRetryProvider creates a provider from opts. A nil logger is replaced
// with a no-op logger.
func NewRetryProvider(opts RetryOptions, logger *zap.Logger) *RetryProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	delays := opts.Delays
	if delays == nil {
		delays = DefaultDelays
	}
	return &RetryProvider{
		delays: append([]time.Duration(nil), delays...),
		jitter: func() time.Duration { return time.Duration(rand.Int63n(int64(MaxJitter))) },
		logger: logger.Named("retry"),
	}
}

// Attempts returns the maximum number of times an operation is executed.
func (p *RetryProvider) Attempts() int {
	return len(p.delays) + 1
}

// RetryOn executes op until it succeeds, a predicate declines to retry, the
// attempts are exhausted, or ctx is done.
//
// retryErr decides whether an error is transient; retryResult decides whether
// a successful result should still be retried. A nil predicate never retries.
// When the attempts run out on a rejected result, the last result is returned
// together with ErrResultRejected. When they run out on an error, the last
// error is returned.
func RetryOn[T any](
	ctx context.Context,
	p *RetryProvider,
	retryErr func(error) bool,
	retryResult func(T) bool,
	op func(context.Context) (T, error),
) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		res, err := op(ctx)
		if err != nil {
			if retryErr == nil || !retryErr(err) {
				return res, backoff.Permanent(err)
			}
			return res, err
		}
		if retryResult != nil && retryResult(res) {
			return res, ErrResultRejected
		}
		return res, nil
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Debug("Retrying operation",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.Attempts()),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	b := backoff.WithContext(&delaySchedule{delays: p.delays, jitter: p.jitter}, ctx)
	return backoff.RetryNotifyWithData(operation, b, notify)
}

// delaySchedule yields each configured delay plus jitter once, then Stop.
type delaySchedule struct {
	delays []time.Duration
	jitter func() time.Duration
	next   int
}

func (s *delaySchedule) NextBackOff() time.Duration {
	if s.next >= len(s.delays) {
		return backoff.Stop
	}
	d := s.delays[s.next]
	s.next++
	if s.jitter != nil {
		d += s.jitter()
	}
	return d
}

func (s *delaySchedule) Reset() {
	s.next = 0
}
