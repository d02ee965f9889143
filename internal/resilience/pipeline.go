package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned while a pipeline sheds load.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// StateObserver is told about breaker state changes, e.g. to export metrics.
type StateObserver func(policy string, from, to gobreaker.State)

// Pipeline runs calls under a Policy: per-attempt timeout inside a circuit
// breaker, retried with backoff while the error is transient.
type Pipeline struct {
	policy  Policy
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

type PipelineOption func(*pipelineOptions)

type pipelineOptions struct {
	logger   *slog.Logger
	observer StateObserver
}

func WithLogger(logger *slog.Logger) PipelineOption {
	return func(o *pipelineOptions) { o.logger = logger }
}

func WithStateObserver(observer StateObserver) PipelineOption {
	return func(o *pipelineOptions) { o.observer = observer }
}

func NewPipeline(policy Policy, opts ...PipelineOption) *Pipeline {
	o := pipelineOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "resilience", "policy", policy.Name)

	settings := gobreaker.Settings{
		Name:        policy.Name,
		MaxRequests: 1,
		Interval:    policy.SamplingWindow,
		Timeout:     policy.BreakDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < policy.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= policy.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
			if o.observer != nil {
				o.observer(name, from, to)
			}
		},
	}

	return &Pipeline{
		policy:  policy,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
		logger:  logger,
	}
}

func (p *Pipeline) Policy() Policy { return p.policy }

func (p *Pipeline) newBackOff() backoff.BackOff {
	if p.policy.Backoff == BackoffConstant {
		return backoff.NewConstantBackOff(p.policy.InitialInterval)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.policy.InitialInterval
	b.MaxInterval = p.policy.MaxInterval
	return b
}

// Execute runs op under the pipeline of p.
func Execute[T any](ctx context.Context, p *Pipeline, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := func() (T, error) {
		var zero T
		res, err := p.breaker.Execute(func() (any, error) {
			callCtx := ctx
			if p.policy.Timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, p.policy.Timeout)
				defer cancel()
			}
			return op(callCtx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, backoff.Permanent(fmt.Errorf("%s: %w", p.policy.Name, ErrCircuitOpen))
		}
		if err != nil {
			if !IsTransient(err) {
				return zero, backoff.Permanent(err)
			}
			return zero, err
		}
		out, _ := res.(T)
		return out, nil
	}

	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(p.policy.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("retrying after transient error", "error", err, "backoff", next)
		}),
	)
}

// Run is Execute for operations without a result.
func (p *Pipeline) Run(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Pipelines groups the pipelines of every operation class.
type Pipelines struct {
	EventStore     *Pipeline
	FraudDetection *Pipeline
	Settlement     *Pipeline
	Gateway        *Pipeline
}
