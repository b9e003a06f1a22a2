package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, "/usr/local/fsl/bin/fnirt", cfg.Registration.FnirtPath)
	require.Equal(t, ".nii.gz", cfg.Registration.OutputExtension)
	require.Equal(t, PolicyFailFast, cfg.Registration.Policy, "abort on first failure by default")
	require.Equal(t, 1, cfg.Processing.NumWorkers)
	require.True(t, cfg.Processing.Normalize)
	require.Equal(t, 100.0, cfg.Processing.IntensityMax)
	require.Equal(t, "regimages", cfg.Input.DatasetName)
	require.Equal(t, "registered", cfg.Output.DatasetName)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchorreg.yaml")
	yamlDoc := `
registration:
  policy: best-effort
  timeout: 90s
  extraArgs: ["--config=T1_2_MNI152_2mm"]
processing:
  numWorkers: 4
input:
  datasetName: scans
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, PolicyBestEffort, cfg.Registration.Policy)
	require.Equal(t, 90*time.Second, cfg.Registration.Timeout)
	require.Equal(t, []string{"--config=T1_2_MNI152_2mm"}, cfg.Registration.ExtraArgs)
	require.Equal(t, 4, cfg.Processing.NumWorkers)
	require.Equal(t, "scans", cfg.Input.DatasetName)

	// Untouched keys keep their defaults
	require.Equal(t, "/usr/local/fsl/bin/fnirt", cfg.Registration.FnirtPath)
	require.Equal(t, "registered", cfg.Output.DatasetName)
	require.Equal(t, []string{"FSLOUTPUTTYPE=NIFTI_GZ"}, cfg.Registration.Env)
}

func TestLoadFile_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processing: [unclosed"), 0644))

	_, err := LoadFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parsing config")
}

func TestLoadFile_Validates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchorreg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processing:\n  numWorkers: 0\n"), 0644))

	_, err := LoadFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "numWorkers")
}

func TestLoadFile_NoExtensionIsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchorreg")
	require.NoError(t, os.WriteFile(path, []byte("input:\n  datasetName: scans\n"), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "scans", cfg.Input.DatasetName)
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	want := DefaultConfig()
	require.Equal(t, want.Registration.Env, cfg.Registration.Env)
	require.Equal(t, want.Registration.Policy, cfg.Registration.Policy)
	require.Equal(t, want.Processing, cfg.Processing)
	require.Equal(t, want.Input, cfg.Input)
	require.Equal(t, want.Output, cfg.Output)
	require.Equal(t, want.Tracing, cfg.Tracing)
	require.Equal(t, want.Storage, cfg.Storage)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		msg    string
	}{
		{"policy", func(c *Config) { c.Registration.Policy = "sometimes" }, "registration.policy"},
		{"fnirt path", func(c *Config) { c.Registration.FnirtPath = "" }, "fnirtPath"},
		{"extension", func(c *Config) { c.Registration.OutputExtension = "nii.gz" }, "outputExtension"},
		{"timeout", func(c *Config) { c.Registration.Timeout = -time.Second }, "timeout"},
		{"env", func(c *Config) { c.Registration.Env = []string{"FSLDIR"} }, "KEY=VALUE"},
		{"workers", func(c *Config) { c.Processing.NumWorkers = 0 }, "numWorkers"},
		{"launch rate", func(c *Config) { c.Processing.LaunchRate = -1 }, "launchRate"},
		{"intensity", func(c *Config) { c.Processing.IntensityMax = 0 }, "intensityMax"},
		{"input dataset", func(c *Config) { c.Input.DatasetName = "" }, "input.datasetName"},
		{"output dataset", func(c *Config) { c.Output.DatasetName = "" }, "output.datasetName"},
		{"log format", func(c *Config) { c.Output.LogFormat = "xml" }, "logFormat"},
		{"preview axis", func(c *Config) { c.Output.PreviewAxis = "t" }, "previewAxis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.msg)
		})
	}
}
