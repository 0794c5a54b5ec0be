package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/autopilot/pkg/engine"
	"github.com/openfroyo/autopilot/pkg/telemetry"
)

// Operations reported in metrics and spans.
const (
	OpGeneratePlan    = "generate_plan"
	OpRevisePlan      = "revise_plan"
	OpVerifyResult    = "verify_result"
	OpSummarize       = "summarize_progress"
	OpGenerateCommand = "generate_command"
)

const (
	DefaultPoolSize    = 4
	DefaultCallTimeout = 60 * time.Second
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Size is the maximum number of concurrent LLM calls.
	Size int

	// Timeout is the hard limit of one call, including the wait for a slot.
	Timeout time.Duration
}

// Pool bounds and times LLM calls. A caller waits for the call's result or
// the deadline, whichever comes first; a call that outlives its deadline
// keeps its slot until the client returns.
type Pool struct {
	client  Client
	sem     *semaphore.Weighted
	timeout time.Duration

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *telemetry.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger.NewComponentLogger("llm")
		}
	}
}

// WithMetrics records call counts, latency and in-flight calls.
func WithMetrics(metrics *telemetry.Metrics) PoolOption {
	return func(p *Pool) {
		p.metrics = metrics
	}
}

// WithTracer wraps every call in a span.
func WithTracer(tracer *telemetry.Tracer) PoolOption {
	return func(p *Pool) {
		p.tracer = tracer
	}
}

type callResult struct {
	text string
	err  error
}

// NewPool creates a pool over client.
func NewPool(client Client, cfg PoolConfig, opts ...PoolOption) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultPoolSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}

	p := &Pool{
		client:  client,
		sem:     semaphore.NewWeighted(int64(cfg.Size)),
		timeout: cfg.Timeout,
		logger:  telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provider returns the name of the underlying client.
func (p *Pool) Provider() string {
	return p.client.Name()
}

// Timeout returns the per-call limit.
func (p *Pool) Timeout() time.Duration {
	return p.timeout
}

// Generate runs one bounded, timed call. Timeouts are transient errors with
// code TIMEOUT; client failures are transient errors with code LLM_FAILED.
func (p *Pool) Generate(ctx context.Context, operation, system, prompt string) (string, error) {
	ctx, span := p.tracer.StartLLMSpan(ctx, p.client.Name(), operation)
	defer span.End()

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.sem.Acquire(callCtx, 1); err != nil {
		err = p.classify(ctx, callCtx, operation, err)
		p.finish(operation, start, err)
		telemetry.RecordError(span, err)
		return "", err
	}

	done := make(chan callResult, 1)
	p.metrics.AddLLMInFlight(1)
	go func() {
		defer p.sem.Release(1)
		defer p.metrics.AddLLMInFlight(-1)
		text, err := p.client.Generate(callCtx, system, prompt)
		done <- callResult{text: text, err: err}
	}()

	var res callResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}

	if res.err != nil {
		err := p.classify(ctx, callCtx, operation, res.err)
		p.finish(operation, start, err)
		telemetry.RecordError(span, err)
		return "", err
	}

	p.finish(operation, start, nil)
	telemetry.RecordSuccess(span)
	return res.text, nil
}

// classify turns a raw call failure into an engine error.
func (p *Pool) classify(ctx, callCtx context.Context, operation string, err error) error {
	if ctx.Err() != nil {
		return engine.NewTransientError("LLM call cancelled", ctx.Err()).
			WithCode(engine.ErrCodeLLMFailed).WithOperation(operation)
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		msg := fmt.Sprintf("LLM call timed out after %s seconds.", formatSeconds(p.timeout))
		return engine.NewTransientError(msg, context.DeadlineExceeded).
			WithCode(engine.ErrCodeTimeout).WithOperation(operation)
	}
	return engine.NewTransientError("LLM call failed", err).
		WithCode(engine.ErrCodeLLMFailed).WithOperation(operation)
}

func (p *Pool) finish(operation string, start time.Time, err error) {
	duration := time.Since(start)
	outcome := "success"
	switch {
	case engine.HasCode(err, engine.ErrCodeTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	p.metrics.RecordLLMRequest(operation, outcome, duration)

	if err != nil {
		p.metrics.RecordError(string(engine.ErrorClassTransient), engine.ErrorCode(err))
		p.logger.WithError(err).WithFields(map[string]interface{}{
			"operation": operation,
			"provider":  p.client.Name(),
			"duration":  duration.String(),
		}).Warn("LLM call failed")
		return
	}
	p.logger.WithFields(map[string]interface{}{
		"operation": operation,
		"provider":  p.client.Name(),
		"duration":  duration.String(),
	}).Debug("LLM call completed")
}

func formatSeconds(d time.Duration) string {
	if d%time.Second == 0 {
		return strconv.FormatInt(int64(d/time.Second), 10)
	}
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
