// Package processor implements the Processor Daemon (C7): the poll, claim,
// execute, settle loop that turns TaskRequests into completed ExecutionStacks.
package processor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stackrunner/internal/catalog"
	stackerrors "stackrunner/internal/errors"
	"stackrunner/internal/logging"
	"stackrunner/internal/metrics"
	"stackrunner/internal/requestqueue"
	"stackrunner/internal/stack"
	"stackrunner/internal/subprocess"
	"stackrunner/internal/tracing"
)

// Config tunes one worker's poll/backoff/shutdown behavior.
type Config struct {
	WorkerID        string
	PollInterval    time.Duration
	MaxPollBackoff  time.Duration
	ShutdownGrace   time.Duration // bound on "run the current request to completion" during shutdown
	SettlementRetry stackerrors.RetryConfig
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxPollBackoff <= 0 {
		c.MaxPollBackoff = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 2 * time.Minute
	}
	if c.SettlementRetry.MaxAttempts == 0 {
		c.SettlementRetry = stackerrors.RetryConfig{
			MaxAttempts:  1_000_000, // effectively unbounded; the caller's ctx is what ends it
			BaseDelay:    time.Second,
			MaxDelay:     30 * time.Second,
			JitterFactor: 0.25,
		}
	}
	return c
}

// KillSwitch mirrors stack.KillSwitch so the processor doesn't force a
// direct dependency on the controlflag package.
type KillSwitch interface {
	Engaged(ctx context.Context) (bool, error)
}

// RequestStore is the slice of requestqueue.Adapter the processor needs.
// Accepting it as an interface, rather than the concrete Adapter, lets
// tests exercise the loop against a fake without a live Neo4j instance.
type RequestStore interface {
	ClaimNext(ctx context.Context, workerID string) (*requestqueue.TaskRequest, error)
	MarkExecuting(ctx context.Context, requestID string) error
	MarkDone(ctx context.Context, requestID, resultRef string) error
	MarkFailed(ctx context.Context, requestID, errMessage string) error
}

// CascadeNotifier is the slice of cascade.Engine the processor needs after a
// request settles done.
type CascadeNotifier interface {
	UnblockOnCompletion(ctx context.Context, requestID string) (int, error)
}

// Worker runs one poll/claim/execute/settle loop against a shared
// RequestStore and stack.Store.
type Worker struct {
	cfg        Config
	requests   RequestStore
	stackStore stack.Store
	catalog    *catalog.Catalog
	runner     subprocess.Runner
	killSwitch KillSwitch
	cascadeEng CascadeNotifier
	metrics    *metrics.Metrics
	logger     logging.Logger
	tracer     trace.Tracer
}

func NewWorker(cfg Config, requests RequestStore, stackStore stack.Store, cat *catalog.Catalog, runner subprocess.Runner, killSwitch KillSwitch, cascadeEng CascadeNotifier, m *metrics.Metrics) *Worker {
	return &Worker{
		cfg:        cfg.withDefaults(),
		requests:   requests,
		stackStore: stackStore,
		catalog:    cat,
		runner:     runner,
		killSwitch: killSwitch,
		cascadeEng: cascadeEng,
		metrics:    m,
		logger:     logging.New("processor"),
		tracer:     tracing.Tracer("stackrunner/processor"),
	}
}

// Run drives the loop until ctx is cancelled. It returns nil on a clean
// shutdown, including one that forced a "worker timeout" settlement.
func (w *Worker) Run(ctx context.Context) error {
	backoff := w.cfg.PollInterval
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if engaged, err := w.killSwitch.Engaged(ctx); err != nil {
			w.logger.Error("kill switch check failed: %v", err)
		} else if engaged {
			if !w.sleep(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}

		req, err := w.requests.ClaimNext(ctx, w.cfg.WorkerID)
		if err != nil {
			w.logger.Error("claim_next failed: %v", err)
			if !w.sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, w.cfg.MaxPollBackoff)
			continue
		}
		if req == nil {
			w.metrics.RecordEmptyPoll()
			if !w.sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, w.cfg.MaxPollBackoff)
			continue
		}

		w.metrics.RecordClaim("claimed")
		backoff = w.cfg.PollInterval
		w.execute(ctx, req)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// execute runs req's stack to completion and settles the request. Shutdown
// does not cancel an in-flight execution; instead a bounded grace context
// caps how long a stuck claim can run before it is force-failed.
func (w *Worker) execute(ctx context.Context, req *requestqueue.TaskRequest) {
	ctx, span := w.tracer.Start(ctx, "processor.execute", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("task_id", req.TaskID),
	))
	defer span.End()

	if err := w.requests.MarkExecuting(ctx, req.RequestID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark_executing failed")
		w.logger.Error("mark_executing(%s) failed: %v", req.RequestID, err)
		return
	}

	runCtx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownGrace)
	defer cancel()

	start := time.Now()
	engine := stack.NewEngine(w.stackStore, w.catalog, w.runner, w.killSwitch)
	stackID, err := engine.Create(runCtx, req.RequestID, req.TaskID, req.Parameters)
	if err != nil {
		w.settle(ctx, req.RequestID, "", err)
		return
	}

	runErr := engine.RunToCompletion(runCtx, stackID)

	// A shutdown that arrived during the run does not stop the outcome from
	// being written back: settlement then gets its own ShutdownGrace budget.
	if ctx.Err() != nil {
		settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ShutdownGrace)
		defer cancelSettle()
		ctx = settleCtx
	}

	got, getErr := w.stackStore.GetStack(ctx, stackID)
	if getErr != nil {
		w.settle(ctx, req.RequestID, stackID, getErr)
		return
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded && !got.Status.Terminal():
		w.metrics.RecordStackCompletion("worker_timeout", time.Since(start))
		span.SetStatus(codes.Error, "worker timeout")
		w.settle(ctx, req.RequestID, stackID, fmt.Errorf("worker timeout"))
	case runErr != nil:
		w.metrics.RecordStackCompletion("failed", time.Since(start))
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "stack run failed")
		w.settle(ctx, req.RequestID, stackID, runErr)
	case got.Status == stack.StackFailed || got.Status == stack.StackCancelled:
		w.metrics.RecordStackCompletion(string(got.Status), time.Since(start))
		span.SetStatus(codes.Error, string(got.Status))
		w.settle(ctx, req.RequestID, stackID, fmt.Errorf("stack %s: %s", got.Status, got.ErrorMessage))
	default:
		w.metrics.RecordStackCompletion(string(got.Status), time.Since(start))
		span.SetStatus(codes.Ok, "")
		w.settleDone(ctx, req.RequestID, stackID)
	}
}

// settle marks requestID failed, retrying the settlement call itself (not
// the stack) with exponential backoff until it succeeds or ctx ends. A
// failed request never unblocks dependents, so no cascade call follows.
func (w *Worker) settle(ctx context.Context, requestID, stackID string, cause error) {
	errMessage := cause.Error()
	retryErr := stackerrors.RetryWithLog(ctx, w.cfg.SettlementRetry, func(ctx context.Context) error {
		return w.requests.MarkFailed(ctx, requestID, errMessage)
	}, w.logger)
	if retryErr != nil {
		w.metrics.RecordSettlementFailure()
		w.logger.Error("settle failed(%s) exhausted retries: %v", requestID, retryErr)
		return
	}
	w.logger.Info("request %s settled failed (stack=%s): %v", requestID, stackID, cause)
}

func (w *Worker) settleDone(ctx context.Context, requestID, stackID string) {
	retryErr := stackerrors.RetryWithLog(ctx, w.cfg.SettlementRetry, func(ctx context.Context) error {
		return w.requests.MarkDone(ctx, requestID, stackID)
	}, w.logger)
	if retryErr != nil {
		w.metrics.RecordSettlementFailure()
		w.logger.Error("settle done(%s) exhausted retries: %v", requestID, retryErr)
		return
	}

	n, err := w.cascadeEng.UnblockOnCompletion(ctx, requestID)
	if err != nil {
		w.logger.Error("unblock-on-completion(%s) failed: %v", requestID, err)
	} else if n > 0 {
		w.logger.Info("unblocked %d dependent request(s) after %s completed", n, requestID)
	}
	w.logger.Info("request %s settled done (stack=%s)", requestID, stackID)
}
