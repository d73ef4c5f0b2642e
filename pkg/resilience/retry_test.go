package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var errTransient = errors.New("transient")

func newTestProvider(t *testing.T, attempts int) *RetryProvider {
	t.Helper()
	p := NewRetryProvider(RetryOptions{Delays: make([]time.Duration, attempts-1)}, zaptest.NewLogger(t))
	p.jitter = func() time.Duration { return 0 }
	return p
}

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestRetryOn(t *testing.T) {
	tests := []struct {
		name      string
		results   []int
		errs      []error
		wantCalls int
		wantValue int
		wantErr   error
	}{
		{
			name:      "success on first attempt",
			results:   []int{200},
			errs:      []error{nil},
			wantCalls: 1,
			wantValue: 200,
		},
		{
			name:      "transient error then success",
			results:   []int{0, 200},
			errs:      []error{errTransient, nil},
			wantCalls: 2,
			wantValue: 200,
		},
		{
			name:      "rejected result then success",
			results:   []int{503, 503, 200},
			errs:      []error{nil, nil, nil},
			wantCalls: 3,
			wantValue: 200,
		},
		{
			name:      "exhausted on errors",
			results:   []int{0, 0, 0, 0},
			errs:      []error{errTransient, errTransient, errTransient, errTransient},
			wantCalls: 4,
			wantErr:   errTransient,
		},
		{
			name:      "exhausted on rejected results",
			results:   []int{503, 503, 503, 408},
			errs:      []error{nil, nil, nil, nil},
			wantCalls: 4,
			wantValue: 408,
			wantErr:   ErrResultRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, 4)

			calls := 0
			got, err := RetryOn(context.Background(), p, isTransient,
				func(status int) bool { return status >= 500 || status == 408 },
				func(context.Context) (int, error) {
					i := calls
					calls++
					return tt.results[i], tt.errs[i]
				},
			)

			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantValue, got)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetryOn_NonRetryableErrorStops(t *testing.T) {
	p := newTestProvider(t, 4)
	fatal := errors.New("bad request")

	calls := 0
	_, err := RetryOn(context.Background(), p, isTransient, nil,
		func(context.Context) (string, error) {
			calls++
			return "", fatal
		},
	)

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, fatal)
	var permanent *backoff.PermanentError
	assert.False(t, errors.As(err, &permanent), "permanent wrapper must not leak to callers")
}

func TestRetryOn_NilPredicatesNeverRetry(t *testing.T) {
	p := newTestProvider(t, 4)

	calls := 0
	_, err := RetryOn[int](context.Background(), p, nil, nil,
		func(context.Context) (int, error) {
			calls++
			return 0, errTransient
		},
	)

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errTransient)
}

func TestRetryOn_ContextCancelledDuringWait(t *testing.T) {
	p := NewRetryProvider(RetryOptions{Delays: []time.Duration{time.Hour}}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := RetryOn[int](ctx, p, isTransient, nil,
			func(context.Context) (int, error) {
				calls++
				return 0, errTransient
			},
		)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("RetryOn did not return after cancellation")
	}
}

func TestRetryOn_LogsEachRetry(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	p := NewRetryProvider(RetryOptions{Delays: []time.Duration{0, 0}}, zap.New(core))
	p.jitter = func() time.Duration { return 0 }

	_, _ = RetryOn[int](context.Background(), p, isTransient, nil,
		func(context.Context) (int, error) { return 0, errTransient },
	)

	retries := logs.FilterMessage("Retrying operation").All()
	require.Len(t, retries, 2)
	assert.Equal(t, "retry", retries[0].LoggerName)
	assert.EqualValues(t, 1, retries[0].ContextMap()["attempt"])
	assert.EqualValues(t, 3, retries[0].ContextMap()["max_attempts"])
}

func TestDelaySchedule(t *testing.T) {
	p := NewRetryProvider(RetryOptions{Delays: []time.Duration{time.Second, 2 * time.Second}}, nil)
	s := &delaySchedule{delays: p.delays, jitter: p.jitter}

	for round := 0; round < 2; round++ {
		first := s.NextBackOff()
		assert.GreaterOrEqual(t, first, time.Second)
		assert.Less(t, first, time.Second+MaxJitter)

		second := s.NextBackOff()
		assert.GreaterOrEqual(t, second, 2*time.Second)
		assert.Less(t, second, 2*time.Second+MaxJitter)

		assert.Equal(t, backoff.Stop, s.NextBackOff())
		s.Reset()
	}
}

func TestNewRetryProvider_Defaults(t *testing.T) {
	p := NewRetryProvider(RetryOptions{}, nil)
	assert.Equal(t, len(DefaultDelays)+1, p.Attempts())

	p = NewRetryProvider(RetryOptions{Delays: []time.Duration{}}, nil)
	assert.Equal(t, 1, p.Attempts())
}
