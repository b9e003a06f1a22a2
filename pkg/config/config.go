// Package config provides configuration loading and management for anchorreg.
// Files are YAML and are resolved through viper, so a file checked with
// LoadFile decodes exactly like the one a run reads.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Failure policies for the registration runner
const (
	PolicyFailFast   = "fail-fast"
	PolicyBestEffort = "best-effort"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Registration controls how the external registration tool is invoked
	Registration struct {
		// FnirtPath is the path to FSL's FNIRT executable
		FnirtPath string `yaml:"fnirtPath" mapstructure:"fnirtPath"`

		// OutputExtension is the extension FNIRT gives its output file.
		// FSL appends .nii.gz when FSLOUTPUTTYPE=NIFTI_GZ (its default).
		OutputExtension string `yaml:"outputExtension" mapstructure:"outputExtension"`

		// ExtraArgs are appended to every FNIRT invocation (e.g. --config=T1_2_MNI152_2mm)
		ExtraArgs []string `yaml:"extraArgs,omitempty" mapstructure:"extraArgs"`

		// Env holds additional KEY=VALUE environment entries for FNIRT
		Env []string `yaml:"env" mapstructure:"env"`

		// Timeout bounds a single registration, 0 disables the limit
		Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

		// Policy is either "fail-fast" or "best-effort"
		Policy string `yaml:"policy" mapstructure:"policy"`

		// FallbackToOriginal keeps the unregistered volume when registration
		// failed under the best-effort policy instead of failing assembly
		FallbackToOriginal bool `yaml:"fallbackToOriginal" mapstructure:"fallbackToOriginal"`
	} `yaml:"registration" mapstructure:"registration"`

	// Processing parameters
	Processing struct {
		// NumWorkers is how many registrations may run at once
		NumWorkers int `yaml:"numWorkers" mapstructure:"numWorkers"`

		// LaunchRate limits FNIRT starts per second, 0 means unlimited
		LaunchRate float64 `yaml:"launchRate" mapstructure:"launchRate"`

		// Normalize takes the magnitude of the data and rescales it to [0, IntensityMax]
		Normalize bool `yaml:"normalize" mapstructure:"normalize"`

		// IntensityMax is the upper bound of normalized intensities (FSL likes 0-100)
		IntensityMax float64 `yaml:"intensityMax" mapstructure:"intensityMax"`

		// QualityMetrics compares every registered volume with its anchor
		QualityMetrics bool `yaml:"qualityMetrics" mapstructure:"qualityMetrics"`
	} `yaml:"processing" mapstructure:"processing"`

	// Input parameters
	Input struct {
		// DatasetName is the name of the 4D dataset inside the input container
		DatasetName string `yaml:"datasetName" mapstructure:"datasetName"`
	} `yaml:"input" mapstructure:"input"`

	// Output parameters
	Output struct {
		// DatasetName is the fixed name the registered series is stored under
		DatasetName string `yaml:"datasetName" mapstructure:"datasetName"`

		// LogLevel is one of debug, info, warn, error
		LogLevel string `yaml:"logLevel" mapstructure:"logLevel"`

		// LogFormat is text or json
		LogFormat string `yaml:"logFormat" mapstructure:"logFormat"`

		// PreviewDir receives a mid-axial JPEG of every output frame when set
		PreviewDir string `yaml:"previewDir" mapstructure:"previewDir"`

		// PreviewAxis is the slicing axis of previews: x, y or z
		PreviewAxis string `yaml:"previewAxis" mapstructure:"previewAxis"`

		// MetricsFile receives Prometheus text metrics when set
		MetricsFile string `yaml:"metricsFile" mapstructure:"metricsFile"`
	} `yaml:"output" mapstructure:"output"`

	// Tracing parameters
	Tracing struct {
		Enabled      bool    `yaml:"enabled" mapstructure:"enabled"`
		Exporter     string  `yaml:"exporter" mapstructure:"exporter"`
		OTLPEndpoint string  `yaml:"otlpEndpoint" mapstructure:"otlpEndpoint"`
		SampleRate   float64 `yaml:"sampleRate" mapstructure:"sampleRate"`
		ServiceName  string  `yaml:"serviceName" mapstructure:"serviceName"`
	} `yaml:"tracing" mapstructure:"tracing"`

	// Storage holds S3-compatible object store settings for s3:// outputs
	Storage struct {
		Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
		AccessKey string `yaml:"accessKey" mapstructure:"accessKey"`
		SecretKey string `yaml:"secretKey" mapstructure:"secretKey"`
		UseSSL    bool   `yaml:"useSSL" mapstructure:"useSSL"`
		Region    string `yaml:"region" mapstructure:"region"`
	} `yaml:"storage" mapstructure:"storage"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default registration parameters
	cfg.Registration.FnirtPath = "/usr/local/fsl/bin/fnirt"
	cfg.Registration.OutputExtension = ".nii.gz"
	cfg.Registration.Env = []string{"FSLOUTPUTTYPE=NIFTI_GZ"}
	cfg.Registration.Policy = PolicyFailFast

	// Set default processing parameters
	cfg.Processing.NumWorkers = 1 // sequential
	cfg.Processing.Normalize = true
	cfg.Processing.IntensityMax = 100

	// Set default input/output parameters
	cfg.Input.DatasetName = "regimages"
	cfg.Output.DatasetName = "registered"
	cfg.Output.LogLevel = "info"
	cfg.Output.LogFormat = "text"
	cfg.Output.PreviewAxis = "z"

	// Set default tracing parameters
	cfg.Tracing.Exporter = "none"
	cfg.Tracing.OTLPEndpoint = "localhost:4317"
	cfg.Tracing.SampleRate = 1.0
	cfg.Tracing.ServiceName = "anchorreg"

	cfg.Storage.UseSSL = true

	return cfg
}

// Validate checks values that cannot be enforced by the YAML schema
func (c *Config) Validate() error {
	switch c.Registration.Policy {
	case PolicyFailFast, PolicyBestEffort:
	default:
		return fmt.Errorf("registration.policy must be %q or %q, got %q",
			PolicyFailFast, PolicyBestEffort, c.Registration.Policy)
	}
	if c.Registration.FnirtPath == "" {
		return fmt.Errorf("registration.fnirtPath is required")
	}
	if c.Registration.OutputExtension != "" && !strings.HasPrefix(c.Registration.OutputExtension, ".") {
		return fmt.Errorf("registration.outputExtension must start with '.', got %q", c.Registration.OutputExtension)
	}
	if c.Registration.Timeout < 0 {
		return fmt.Errorf("registration.timeout must not be negative")
	}
	for _, kv := range c.Registration.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("registration.env entry %q is not KEY=VALUE", kv)
		}
	}
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("processing.numWorkers must be at least 1, got %d", c.Processing.NumWorkers)
	}
	if c.Processing.LaunchRate < 0 {
		return fmt.Errorf("processing.launchRate must not be negative")
	}
	if c.Processing.Normalize && c.Processing.IntensityMax <= 0 {
		return fmt.Errorf("processing.intensityMax must be positive when normalizing")
	}
	if c.Input.DatasetName == "" {
		return fmt.Errorf("input.datasetName is required")
	}
	if c.Output.DatasetName == "" {
		return fmt.Errorf("output.datasetName is required")
	}
	switch strings.ToLower(c.Output.PreviewAxis) {
	case "x", "y", "z":
	default:
		return fmt.Errorf("output.previewAxis must be x, y or z, got %q", c.Output.PreviewAxis)
	}
	switch c.Output.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("output.logFormat must be text or json, got %q", c.Output.LogFormat)
	}
	return nil
}
