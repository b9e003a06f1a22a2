package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"anchorreg/internal/logging"
	"anchorreg/pkg/anchor"
	"anchorreg/pkg/config"
	"anchorreg/pkg/pipeline"
	"anchorreg/pkg/tracing"
)

// usageError marks bad invocations: unknown flags, missing arguments or an
// invalid configuration.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// exitCode is 0 on success, 2 for errors found before any volume was
// processed and 1 for everything else.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var usage *usageError
	if errors.As(err, &usage) || pipeline.IsValidationError(err) {
		return 2
	}
	return 1
}

// rootOptions holds the flags that are not part of the configuration file.
type rootOptions struct {
	cfgFile string
	output  string
	anchors string
	dryRun  bool
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "anchorreg [flags] INPUT",
		Short: "Register a 4D image series against anchor volumes with FSL FNIRT",
		Long: `anchorreg loads a 4D series from a .mat (HDF5) or NIfTI file, registers
every volume that is not an anchor against the nearest following anchor with
FNIRT, and writes the registered series under the dataset name "registered".

Anchors are 1-based frame numbers. Volumes after the last anchor are
registered against it.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return &usageError{err}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegistration(cmd, v, opts, args[0])
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})

	defaults := config.DefaultConfig()

	cmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "",
		"config file (default: ./anchorreg.yaml or ~/.config/anchorreg/anchorreg.yaml)")

	flags := cmd.Flags()
	flags.StringVarP(&opts.output, "output", "o", "",
		"output file, directory or s3://bucket/key (default: <input>_reg next to the input)")
	flags.StringVarP(&opts.anchors, "anchors", "a", "1",
		"comma-separated list of 1-based anchor frames")
	flags.BoolVar(&opts.dryRun, "dry-run", false,
		"print the FNIRT commands without running them")
	flags.StringP("fnirt-path", "f", defaults.Registration.FnirtPath, "path to FSL's FNIRT executable")
	flags.StringP("name", "n", defaults.Input.DatasetName, "dataset name inside the input file")
	flags.IntP("workers", "w", defaults.Processing.NumWorkers, "number of concurrent registrations")
	flags.String("policy", defaults.Registration.Policy, "failure policy: fail-fast or best-effort")
	flags.Duration("timeout", defaults.Registration.Timeout, "per-registration timeout (0 disables)")
	flags.Bool("fallback", defaults.Registration.FallbackToOriginal,
		"keep unregistered volumes when best-effort registration fails")
	flags.Float64("launch-rate", defaults.Processing.LaunchRate, "maximum FNIRT starts per second (0 is unlimited)")
	flags.Bool("normalize", defaults.Processing.Normalize, "rescale magnitudes to [0, intensity-max] before registering")
	flags.Bool("quality", defaults.Processing.QualityMetrics, "compare every registered volume with its anchor")
	flags.String("preview-dir", "", "write a mid-axial JPEG of every output frame to this directory")
	flags.String("preview-axis", defaults.Output.PreviewAxis, "slicing axis of previews: x, y or z")
	flags.String("metrics-file", "", "write Prometheus metrics to this file")
	flags.String("log-level", defaults.Output.LogLevel, "log level: debug, info, warn, error")
	flags.String("log-format", defaults.Output.LogFormat, "log format: text or json")

	bindFlags(v, cmd, map[string]string{
		"fnirt-path":   "registration.fnirtPath",
		"name":         "input.datasetName",
		"workers":      "processing.numWorkers",
		"policy":       "registration.policy",
		"timeout":      "registration.timeout",
		"fallback":     "registration.fallbackToOriginal",
		"launch-rate":  "processing.launchRate",
		"normalize":    "processing.normalize",
		"quality":      "processing.qualityMetrics",
		"preview-dir":  "output.previewDir",
		"preview-axis": "output.previewAxis",
		"metrics-file": "output.metricsFile",
		"log-level":    "output.logLevel",
		"log-format":   "output.logFormat",
	})

	cmd.AddCommand(newPlanCmd(), newConfigCmd(v, opts))
	return cmd
}

// bindFlags binds command flags to configuration keys.
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for name, key := range keys {
		_ = v.BindPFlag(key, cmd.Flags().Lookup(name))
	}
}

// loadConfig resolves the effective configuration: flags over ANCHORREG_*
// environment variables over the config file over defaults.
func loadConfig(v *viper.Viper, cfgFile string) (*config.Config, error) {
	config.SetDefaults(v)
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		config.UseFile(v, cfgFile)
	} else {
		v.SetConfigName("anchorreg")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "anchorreg"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, &usageError{fmt.Errorf("read config: %w", err)}
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, &usageError{err}
	}
	return cfg, nil
}

func runRegistration(cmd *cobra.Command, v *viper.Viper, opts *rootOptions, input string) error {
	anchors, err := anchor.ParseFrames(opts.anchors)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(v, opts.cfgFile)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Output.LogLevel)
	if err != nil {
		return &usageError{err}
	}
	logger := logging.New(cmd.ErrOrStderr(), cfg.Output.LogFormat, level)
	ctx := logging.WithLogger(cmd.Context(), logger)

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  cfg.Tracing.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	if provider.Enabled() {
		logger.Debug("Tracing enabled", "exporter", cfg.Tracing.Exporter)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	p := pipeline.NewPipeline(&pipeline.Params{
		InputFile:  input,
		OutputPath: opts.output,
		Anchors:    anchors,
		DryRun:     opts.dryRun,
		Config:     cfg,
	}, pipeline.WithStdout(cmd.OutOrStdout()), pipeline.WithTracer(provider.Tracer()))

	summary, err := p.Process(ctx)
	if summary != nil && !summary.DryRun && summary.Report != nil {
		printSummary(cmd.OutOrStdout(), summary, err == nil)
	}
	return err
}

func printSummary(w io.Writer, s *pipeline.Summary, ok bool) {
	r := s.Report
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Registered %d of %d volumes in %s (%d failed, %d skipped)\n",
		r.Succeeded, len(s.Plan), s.Elapsed.Round(time.Millisecond), r.Failed, r.Skipped)
	for _, f := range r.Failures() {
		fmt.Fprintf(w, "  frame %d (anchor frame %d): %s\n", f.Volume+1, f.Anchor+1, f.Reason)
	}
	if ok && len(s.Substituted) > 0 {
		fmt.Fprintf(w, "Kept unregistered frames: %v\n", anchor.Frames(s.Substituted))
	}
	if m, n := r.MeanQuality(); n > 0 {
		fmt.Fprintf(w, "Mean quality over %d volumes: %s\n", n, m)
	}
	if ok {
		fmt.Fprintf(w, "Output saved to: %s\n", s.Output)
	}
	if len(s.Previews) > 0 {
		fmt.Fprintf(w, "Previews saved to: %s\n", filepath.Dir(s.Previews[0]))
	}
}
