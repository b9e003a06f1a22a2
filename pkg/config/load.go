package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. registration.fnirtPath is
// read from ANCHORREG_REGISTRATION_FNIRTPATH.
const EnvPrefix = "ANCHORREG"

// SetDefaults registers every key of DefaultConfig with v. Keys unknown to
// viper cannot be overridden from the environment.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("registration.fnirtPath", d.Registration.FnirtPath)
	v.SetDefault("registration.outputExtension", d.Registration.OutputExtension)
	v.SetDefault("registration.extraArgs", d.Registration.ExtraArgs)
	v.SetDefault("registration.env", d.Registration.Env)
	v.SetDefault("registration.timeout", d.Registration.Timeout)
	v.SetDefault("registration.policy", d.Registration.Policy)
	v.SetDefault("registration.fallbackToOriginal", d.Registration.FallbackToOriginal)
	v.SetDefault("processing.numWorkers", d.Processing.NumWorkers)
	v.SetDefault("processing.launchRate", d.Processing.LaunchRate)
	v.SetDefault("processing.normalize", d.Processing.Normalize)
	v.SetDefault("processing.intensityMax", d.Processing.IntensityMax)
	v.SetDefault("processing.qualityMetrics", d.Processing.QualityMetrics)
	v.SetDefault("input.datasetName", d.Input.DatasetName)
	v.SetDefault("output.datasetName", d.Output.DatasetName)
	v.SetDefault("output.logLevel", d.Output.LogLevel)
	v.SetDefault("output.logFormat", d.Output.LogFormat)
	v.SetDefault("output.previewDir", d.Output.PreviewDir)
	v.SetDefault("output.previewAxis", d.Output.PreviewAxis)
	v.SetDefault("output.metricsFile", d.Output.MetricsFile)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlpEndpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sampleRate", d.Tracing.SampleRate)
	v.SetDefault("tracing.serviceName", d.Tracing.ServiceName)
	v.SetDefault("storage.endpoint", d.Storage.Endpoint)
	v.SetDefault("storage.accessKey", d.Storage.AccessKey)
	v.SetDefault("storage.secretKey", d.Storage.SecretKey)
	v.SetDefault("storage.useSSL", d.Storage.UseSSL)
	v.SetDefault("storage.region", d.Storage.Region)
}

// UseFile points v at path. Files without an extension are read as YAML.
func UseFile(v *viper.Viper, path string) {
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
}

// Load decodes what v has resolved and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile reads path over the defaults and validates it. Environment
// variables are not consulted.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	UseFile(v, path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Load(v)
}

// WriteFile writes cfg to path as YAML, creating missing parent directories.
func WriteFile(cfg *Config, path string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// WriteDefault writes DefaultConfig to path.
func WriteDefault(path string) error {
	return WriteFile(DefaultConfig(), path)
}
