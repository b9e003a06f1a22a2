// Package pipeline runs a complete anchor registration: it loads the 4D
// series, stages one file per volume, registers every non-anchor volume
// against its anchor and writes the reassembled series.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"anchorreg/internal/logging"
	"anchorreg/internal/models"
	"anchorreg/pkg/anchor"
	"anchorreg/pkg/assembly"
	"anchorreg/pkg/config"
	"anchorreg/pkg/container"
	"anchorreg/pkg/metrics"
	"anchorreg/pkg/objstore"
	"anchorreg/pkg/preview"
	"anchorreg/pkg/registration"
	"anchorreg/pkg/tracing"
	"anchorreg/pkg/volstore"
)

// Params describes one run.
type Params struct {
	// InputFile is the container holding the 4D series
	InputFile string

	// OutputPath is a file, an existing directory, an s3:// URL, or empty
	// for the input's directory
	OutputPath string

	// Anchors are 0-based frame indices, strictly increasing
	Anchors []int

	// DryRun prints the registration commands instead of running them and
	// writes no output
	DryRun bool

	// Config supplies everything else. Nil means config.DefaultConfig().
	Config *config.Config
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	TraceID    string
	Input      string
	Output     string
	NumVolumes int
	Anchors    []int
	Plan       anchor.Plan
	Report     *registration.RunReport
	// Substituted lists frames written unregistered because registration
	// failed and fallback was enabled
	Substituted []int
	Previews    []string
	WorkDir     string
	Elapsed     time.Duration
	DryRun      bool
}

// Pipeline executes a registration run.
type Pipeline struct {
	params    *Params
	cfg       *config.Config
	client    registration.Client
	stdout    io.Writer
	tracer    trace.Tracer
	objects   ObjectStore
	tempDir   string
	collector metrics.Collector
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClient replaces the FNIRT client built from the configuration.
func WithClient(c registration.Client) Option {
	return func(p *Pipeline) { p.client = c }
}

// WithStdout sets where user-facing output goes. The default is os.Stdout.
func WithStdout(w io.Writer) Option {
	return func(p *Pipeline) { p.stdout = w }
}

// WithTracer sets the tracer for run and task spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithObjectStore replaces the object store built from the storage
// configuration.
func WithObjectStore(o ObjectStore) Option {
	return func(p *Pipeline) { p.objects = o }
}

// WithTempDir sets the parent of the run directory. The default is the
// system temporary directory.
func WithTempDir(dir string) Option {
	return func(p *Pipeline) { p.tempDir = dir }
}

// WithMetrics reports task outcomes to c. When output.metricsFile is set and
// c is nil, a Prometheus collector is created.
func WithMetrics(c metrics.Collector) Option {
	return func(p *Pipeline) { p.collector = c }
}

// NewPipeline creates a pipeline for params.
func NewPipeline(params *Params, opts ...Option) *Pipeline {
	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	p := &Pipeline{
		params: params,
		cfg:    cfg,
		stdout: os.Stdout,
		tracer: noop.NewTracerProvider().Tracer("noop"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		fnirt := &registration.FNIRT{
			Path:            cfg.Registration.FnirtPath,
			OutputExtension: cfg.Registration.OutputExtension,
			ExtraArgs:       cfg.Registration.ExtraArgs,
			Env:             cfg.Registration.Env,
		}
		p.client = fnirt
		if params.DryRun {
			p.client = &registration.DryRun{FNIRT: fnirt, Out: p.stdout}
		}
	}
	if p.collector == nil {
		if cfg.Output.MetricsFile != "" {
			p.collector = metrics.NewPrometheusCollector()
		} else {
			p.collector = metrics.NoopCollector{}
		}
	}
	return p
}

// Process runs the pipeline. Validation errors (*anchor.InvalidAnchorError,
// *container.DatasetNotFoundError, *OutputPathError) are returned before
// any temporary storage is created.
func (p *Pipeline) Process(ctx context.Context) (summary *Summary, err error) {
	start := time.Now()
	runID := uuid.NewString()
	cfg := p.cfg

	ctx, span := p.tracer.Start(ctx, "anchorreg.run", trace.WithAttributes(
		attribute.String(tracing.AttrRunID, runID),
		attribute.String(tracing.AttrInput, p.params.InputFile)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := logging.FromContext(ctx).With("run", runID)
	if traceID := tracing.TraceID(ctx); traceID != "" {
		log = log.With("trace", traceID)
	}
	ctx = logging.WithLogger(ctx, log)

	summary = &Summary{
		RunID:   runID,
		TraceID: tracing.TraceID(ctx),
		Input:   p.params.InputFile,
		DryRun:  p.params.DryRun,
	}
	defer func() {
		summary.Elapsed = time.Since(start)
		p.writeMetrics(ctx)
	}()

	// Step 1: Validate the output destination
	var dest destination
	if !p.params.DryRun {
		log.Info("Step 1: Validating output destination...")
		dest, err = resolveOutput(ctx, p.params.OutputPath, p.params.InputFile, p.objectStore)
		if err != nil {
			return summary, err
		}
		summary.Output = dest.String()
	}

	// Step 2: Load the input series
	log.Info("Step 2: Loading input series...", "path", p.params.InputFile, "dataset", cfg.Input.DatasetName)
	codec, err := container.ForPath(p.params.InputFile)
	if err != nil {
		return summary, err
	}
	series, err := codec.Load(p.params.InputFile, cfg.Input.DatasetName)
	if err != nil {
		return summary, err
	}
	summary.NumVolumes = series.Frames
	log.Info("Loaded series", "shape", fmt.Sprintf("%dx%dx%dx%d", series.Width, series.Height, series.Depth, series.Frames))

	// Step 3: Validate anchors and schedule registrations
	log.Info("Step 3: Scheduling registrations...")
	set, err := anchor.NewSet(p.params.Anchors, series.Frames)
	if err != nil {
		return summary, err
	}
	plan, err := anchor.Schedule(series.Frames, set.Indices())
	if err != nil {
		return summary, err
	}
	if err := plan.Verify(set); err != nil {
		return summary, fmt.Errorf("internal scheduling error: %w", err)
	}
	summary.Anchors = set.Indices()
	summary.Plan = plan
	span.SetAttributes(
		attribute.Int(tracing.AttrNumVolumes, series.Frames),
		attribute.Int(tracing.AttrNumAnchors, set.Len()))
	log.Info("Plan ready", "volumes", series.Frames, "anchorFrames", anchor.Frames(set.Indices()), "tasks", len(plan))

	if cfg.Processing.Normalize {
		Normalize(series, cfg.Processing.IntensityMax)
	}

	// Step 4: Stage volumes in a run directory
	log.Info("Step 4: Staging volumes...")
	store, err := volstore.Create(p.tempDir, "anchorreg-"+runID[:8]+"-")
	if err != nil {
		return summary, err
	}
	defer func() {
		if rerr := store.Release(); rerr != nil {
			log.Warn("Failed to remove temporary directory", "dir", store.Dir(), "error", rerr)
		}
	}()
	summary.WorkDir = store.Dir()
	fmt.Fprintf(p.stdout, "Created temporary directory: %s\n", store.Dir())
	log.Info("Created temporary directory", "dir", store.Dir())

	if err := store.Decompose(series); err != nil {
		return summary, fmt.Errorf("stage volumes: %w", err)
	}

	if p.params.DryRun {
		return summary, p.dryRun(ctx, plan, store)
	}

	// Step 5: Register
	log.Info("Step 5: Registering volumes...", "tasks", len(plan), "workers", cfg.Processing.NumWorkers)
	policy, err := registration.ParsePolicy(cfg.Registration.Policy)
	if err != nil {
		return summary, err
	}
	runner := registration.NewRunner(p.client,
		registration.WithPolicy(policy),
		registration.WithWorkers(cfg.Processing.NumWorkers),
		registration.WithTimeout(cfg.Registration.Timeout),
		registration.WithLaunchRate(cfg.Processing.LaunchRate),
		registration.WithTracer(p.tracer),
		registration.WithMetrics(p.collector),
		registration.WithQuality(cfg.Processing.QualityMetrics),
	)
	report, err := runner.Run(ctx, plan, store)
	summary.Report = report
	if err != nil {
		return summary, err
	}
	if report.Failed > 0 {
		log.Warn("Some volumes were not registered", "frames", anchor.Frames(report.Unregistered()))
	}

	// Step 6: Reassemble
	log.Info("Step 6: Reassembling series...")
	out, err := assembly.Assemble(series.Frames, set, store, assembly.Options{
		FallbackToOriginal: cfg.Registration.FallbackToOriginal,
	})
	if err != nil {
		return summary, err
	}
	if cfg.Registration.FallbackToOriginal {
		summary.Substituted = assembly.Missing(series.Frames, set, store)
	}
	if len(summary.Substituted) > 0 {
		log.Warn("Kept unregistered volumes", "frames", anchor.Frames(summary.Substituted))
	}

	// Step 7: Save
	log.Info("Step 7: Saving output...", "output", dest.String(), "dataset", cfg.Output.DatasetName)
	if err := p.save(ctx, dest, store.Dir(), out); err != nil {
		return summary, err
	}

	if cfg.Output.PreviewDir != "" {
		summary.Previews = p.savePreviews(ctx, out)
	}

	log.Info("Registration complete", "output", dest.String(), "elapsed", time.Since(start).Round(time.Millisecond))
	return summary, nil
}

// dryRun hands every task to the client in plan order without running the
// registration runner; nothing is registered or written.
func (p *Pipeline) dryRun(ctx context.Context, plan anchor.Plan, store *volstore.Store) error {
	for _, task := range plan {
		_, err := p.client.Register(ctx, registration.Request{
			Anchor:    task.Anchor,
			Volume:    task.Volume,
			Reference: store.VolumePath(task.Anchor),
			Input:     store.VolumePath(task.Volume),
			Output:    store.RegisteredTarget(task.Volume),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) save(ctx context.Context, dest destination, workDir string, out *models.VolumeArray) error {
	path := dest.Path
	if dest.Remote != nil {
		path = filepath.Join(workDir, dest.Path)
	}
	codec, err := container.ForPath(path)
	if err != nil {
		return err
	}
	if err := codec.Save(path, p.cfg.Output.DatasetName, out); err != nil {
		return err
	}
	if dest.Remote == nil {
		return nil
	}
	store, err := p.objectStore()
	if err != nil {
		return err
	}
	return store.Upload(ctx, *dest.Remote, path)
}

// savePreviews writes one JPEG per output frame. Failures are logged, the
// registered series is already saved at this point.
func (p *Pipeline) savePreviews(ctx context.Context, out *models.VolumeArray) []string {
	log := logging.FromContext(ctx)
	dir := p.cfg.Output.PreviewDir
	axis, err := preview.ParseAxis(p.cfg.Output.PreviewAxis)
	if err != nil {
		log.Warn("Skipping previews", "error", err)
		return nil
	}
	paths, err := preview.SaveFrames(out, axis, dir)
	if err != nil {
		log.Warn("Failed to save previews", "dir", dir, "error", err)
	}
	return paths
}

func (p *Pipeline) objectStore() (ObjectStore, error) {
	if p.objects != nil {
		return p.objects, nil
	}
	s := p.cfg.Storage
	store, err := objstore.New(objstore.Config{
		Endpoint:  s.Endpoint,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
		UseSSL:    s.UseSSL,
		Region:    s.Region,
	})
	if err != nil {
		return nil, err
	}
	p.objects = store
	return store, nil
}

func (p *Pipeline) writeMetrics(ctx context.Context) {
	path := p.cfg.Output.MetricsFile
	if path == "" {
		return
	}
	prom, ok := p.collector.(*metrics.PrometheusCollector)
	if !ok {
		return
	}
	if err := prom.WriteTextfile(path); err != nil {
		logging.FromContext(ctx).Warn("Failed to write metrics", "path", path, "error", err)
	}
}

// IsValidationError reports whether err was detected before any volume was
// processed: bad anchors, a missing dataset, an unusable input or output.
func IsValidationError(err error) bool {
	var (
		anchorErr  *anchor.InvalidAnchorError
		datasetErr *container.DatasetNotFoundError
		outputErr  *OutputPathError
	)
	return errors.As(err, &anchorErr) ||
		errors.As(err, &datasetErr) ||
		errors.As(err, &outputErr) ||
		errors.Is(err, container.ErrUnsupportedFormat)
}
