package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"anchorreg/internal/logging"
	"anchorreg/internal/models"
	"anchorreg/pkg/anchor"
	"anchorreg/pkg/metrics"
	"anchorreg/pkg/quality"
	"anchorreg/pkg/tracing"
)

// Policy decides what a failed task does to the rest of the run.
type Policy int

const (
	// FailFast stops launching tasks after the first failure and returns it.
	FailFast Policy = iota
	// BestEffort runs every task and reports failures in the RunReport.
	BestEffort
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case BestEffort:
		return "best-effort"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "fail-fast" or "best-effort".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fail-fast", "failfast", "":
		return FailFast, nil
	case "best-effort", "besteffort":
		return BestEffort, nil
	default:
		return FailFast, fmt.Errorf("unknown failure policy %q (want fail-fast or best-effort)", s)
	}
}

// Store is the part of the volume store the runner needs.
type Store interface {
	VolumePath(i int) string
	RegisteredTarget(i int) string
	AdoptRegistered(i int, path string) error
	Get(i int) (*models.Volume, error)
	GetRegistered(i int) (*models.Volume, error)
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	Task       anchor.Task
	Elapsed    time.Duration
	OutputPath string
	Skipped    bool // never started because the run was aborted
	Err        error
	Quality    *quality.Metrics
}

// RunReport summarizes a run. Tasks is in plan order.
type RunReport struct {
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
	Elapsed   time.Duration
	Tasks     []TaskResult
}

// Failures returns the failures in plan order.
func (r *RunReport) Failures() []*ExternalToolFailure {
	var out []*ExternalToolFailure
	for _, tr := range r.Tasks {
		var failure *ExternalToolFailure
		if errors.As(tr.Err, &failure) {
			out = append(out, failure)
		}
	}
	return out
}

// Unregistered returns the volumes that have no registered output, failed
// or skipped, in plan order.
func (r *RunReport) Unregistered() []int {
	var out []int
	for _, tr := range r.Tasks {
		if tr.Err != nil || tr.Skipped {
			out = append(out, tr.Task.Volume)
		}
	}
	return out
}

// MeanQuality averages the quality metrics of all evaluated tasks and
// returns how many there were.
func (r *RunReport) MeanQuality() (quality.Metrics, int) {
	var ms []quality.Metrics
	for _, tr := range r.Tasks {
		if tr.Quality != nil {
			ms = append(ms, *tr.Quality)
		}
	}
	return quality.Mean(ms), len(ms)
}

// Runner executes registration plans.
type Runner struct {
	client  Client
	policy  Policy
	workers int
	timeout time.Duration
	limiter *rate.Limiter
	tracer  trace.Tracer
	metrics metrics.Collector
	quality bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithPolicy sets the failure policy. The default is FailFast.
func WithPolicy(p Policy) Option {
	return func(r *Runner) { r.policy = p }
}

// WithWorkers sets how many registrations run at once. The default is 1.
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithTimeout bounds each registration call. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithLaunchRate limits how many registrations start per second. Zero or
// less means unlimited.
func WithLaunchRate(perSecond float64) Option {
	return func(r *Runner) {
		if perSecond > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		} else {
			r.limiter = nil
		}
	}
}

// WithTracer records a span per run and per task.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithMetrics reports task outcomes to c.
func WithMetrics(c metrics.Collector) Option {
	return func(r *Runner) {
		if c != nil {
			r.metrics = c
		}
	}
}

// WithQuality compares every registered volume with its anchor.
func WithQuality(enabled bool) Option {
	return func(r *Runner) { r.quality = enabled }
}

// NewRunner returns a runner that registers volumes with client.
func NewRunner(client Client, opts ...Option) *Runner {
	r := &Runner{
		client:  client,
		policy:  FailFast,
		workers: 1,
		tracer:  noop.NewTracerProvider().Tracer("noop"),
		metrics: metrics.NoopCollector{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes plan. Reference and input volumes must already be in store;
// registered outputs are recorded in it as tasks succeed.
//
// Under FailFast the first failure stops any task that has not started yet
// and is returned as an *ExternalToolFailure. Calls already running are
// allowed to finish. Under BestEffort Run returns nil after attempting every
// task; the report lists what failed. In both cases cancelling ctx stops
// launching new tasks and Run returns ctx's error.
func (r *Runner) Run(ctx context.Context, plan anchor.Plan, store Store) (*RunReport, error) {
	log := logging.FromContext(ctx)
	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "registration.run",
		trace.WithAttributes(attribute.Int("plan.tasks", len(plan)),
			attribute.String("policy", r.policy.String()),
			attribute.Int("workers", r.workers)))
	defer span.End()

	report := &RunReport{Tasks: make([]TaskResult, len(plan))}
	started := make([]bool, len(plan))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i, task := range plan {
		report.Tasks[i].Task = task
	}
	for i, task := range plan {
		if gctx.Err() != nil {
			break
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(gctx); err != nil {
				break
			}
		}

		g.Go(func() error {
			// errgroup cancels gctx before it frees the slot this task was
			// waiting for, so an earlier failure is always visible here
			if gctx.Err() != nil {
				return nil
			}
			started[i] = true

			res := r.runTask(gctx, task, store)
			report.Tasks[i] = res

			n := done.Add(1)
			if res.Err != nil {
				log.Error("Registration failed",
					"frame", task.Volume+1, "anchorFrame", task.Anchor+1,
					"progress", fmt.Sprintf("%d/%d", n, len(plan)),
					"elapsed", res.Elapsed.Round(time.Millisecond), "error", res.Err)
				if r.policy == FailFast {
					return res.Err
				}
				return nil
			}
			log.Info("Registered volume",
				"frame", task.Volume+1, "anchorFrame", task.Anchor+1,
				"progress", fmt.Sprintf("%d/%d", n, len(plan)),
				"elapsed", res.Elapsed.Round(time.Millisecond))
			return nil
		})
	}

	waitErr := g.Wait()

	for i := range report.Tasks {
		switch {
		case !started[i]:
			report.Tasks[i].Skipped = true
			report.Skipped++
		case report.Tasks[i].Err != nil:
			report.Attempted++
			report.Failed++
		default:
			report.Attempted++
			report.Succeeded++
		}
	}
	report.Elapsed = time.Since(start)

	if report.Skipped > 0 {
		r.metrics.RecordSkipped(report.Skipped)
	}
	span.SetAttributes(
		attribute.Int("tasks.succeeded", report.Succeeded),
		attribute.Int("tasks.failed", report.Failed),
		attribute.Int("tasks.skipped", report.Skipped))

	if waitErr != nil {
		span.RecordError(waitErr)
		span.SetStatus(codes.Error, waitErr.Error())
		return report, waitErr
	}
	if err := ctx.Err(); err != nil && report.Skipped > 0 {
		span.SetStatus(codes.Error, "interrupted")
		return report, fmt.Errorf("registration interrupted after %d of %d tasks: %w",
			report.Attempted, len(plan), err)
	}
	return report, nil
}

func (r *Runner) runTask(ctx context.Context, task anchor.Task, store Store) TaskResult {
	ctx, span := r.tracer.Start(ctx, "registration.task",
		trace.WithAttributes(
			attribute.Int(tracing.AttrAnchor, task.Anchor),
			attribute.Int(tracing.AttrVolume, task.Volume)))
	defer span.End()

	req := Request{
		Anchor:    task.Anchor,
		Volume:    task.Volume,
		Reference: store.VolumePath(task.Anchor),
		Input:     store.VolumePath(task.Volume),
		Output:    store.RegisteredTarget(task.Volume),
	}

	// Aborting the run must not kill a registration that is already running
	callCtx := context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, r.timeout)
		defer cancel()
	}

	r.metrics.RecordInFlight(1)
	start := time.Now()
	res, err := r.client.Register(callCtx, req)
	if err == nil {
		if adoptErr := store.AdoptRegistered(task.Volume, res.OutputPath); adoptErr != nil {
			err = &ExternalToolFailure{Reason: ReasonNoOutput, ExitCode: 0, Err: adoptErr}
		}
	}
	elapsed := time.Since(start)
	r.metrics.RecordInFlight(-1)
	r.metrics.RecordRegistration(elapsed, err)

	result := TaskResult{Task: task, Elapsed: elapsed}
	if err != nil {
		failure := asFailure(callCtx, err, req, elapsed)
		if len(failure.Command) == 0 {
			failure.Command = r.command(req)
		}
		span.SetAttributes(attribute.String(tracing.AttrFailReason, string(failure.Reason)))
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		result.Err = failure
		return result
	}
	result.OutputPath = res.OutputPath

	if r.quality {
		m, err := r.evaluate(task, store)
		if err != nil {
			logging.FromContext(ctx).Warn("Quality evaluation failed",
				"frame", task.Volume+1, "error", err)
		} else {
			result.Quality = &m
			span.SetAttributes(
				attribute.Float64("quality.correlation", m.Correlation),
				attribute.Float64("quality.rmse", m.RMSE))
		}
	}
	return result
}

func (r *Runner) evaluate(task anchor.Task, store Store) (quality.Metrics, error) {
	ref, err := store.Get(task.Anchor)
	if err != nil {
		return quality.Metrics{}, err
	}
	vol, err := store.GetRegistered(task.Volume)
	if err != nil {
		return quality.Metrics{}, err
	}
	return quality.Compare(ref, vol)
}

// asFailure turns any client error into an *ExternalToolFailure that names
// the task.
// command is the client's argv for req, or the request paths in FNIRT flag
// form when the client cannot report one.
func (r *Runner) command(req Request) []string {
	if c, ok := r.client.(Commander); ok {
		return c.Command(req)
	}
	return []string{"--ref=" + req.Reference, "--in=" + req.Input, "--iout=" + req.Output}
}

func asFailure(callCtx context.Context, err error, req Request, elapsed time.Duration) *ExternalToolFailure {
	var failure *ExternalToolFailure
	if !errors.As(err, &failure) {
		reason := ReasonOther
		switch {
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			reason = ReasonTimeout
		case errors.Is(err, context.Canceled):
			reason = ReasonCanceled
		}
		failure = &ExternalToolFailure{Reason: reason, ExitCode: -1, Err: err}
	}
	failure.Anchor = req.Anchor
	failure.Volume = req.Volume
	if failure.Elapsed == 0 {
		failure.Elapsed = elapsed
	}
	return failure
}
