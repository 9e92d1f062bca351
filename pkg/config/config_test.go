package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return configPath
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
engine:
  address: http://cromwell:8000
  timeout: 20s
submission:
  mode: merged
reconciler:
  interval: 120s
  failure_threshold: 3
fetcher:
  s3:
    region: eu-west-1
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "http://cromwell:8000", cfg.Engine.Address)
				assert.Equal(t, 120*time.Second, cfg.Reconciler.GetInterval())
				assert.Equal(t, 3, cfg.Reconciler.FailureThreshold)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"CARROT_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "string override - engine address",
			envVars: map[string]string{
				"CARROT_ENGINE_ADDRESS": "https://engine.example.com",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "https://engine.example.com", cfg.Engine.Address)
			},
		},
		{
			name: "integer override - failure_threshold",
			envVars: map[string]string{
				"CARROT_RECONCILER_FAILURE_THRESHOLD": "9",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9, cfg.Reconciler.FailureThreshold)
			},
		},
		{
			name: "nested field override - fetcher.s3.region",
			envVars: map[string]string{
				"CARROT_FETCHER_S3_REGION": "us-west-2",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "us-west-2", cfg.Fetcher.S3.Region)
			},
		},
		{
			name: "key absent from file - database.sqlite.path",
			envVars: map[string]string{
				"CARROT_DATABASE_SQLITE_PATH": "/data/carrot.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/data/carrot.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "boolean override - notify.github.enabled",
			envVars: map[string]string{
				"CARROT_NOTIFY_GITHUB_ENABLED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Notify.GitHub.Enabled)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, "engine:\n  address: http://localhost:8000\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, ModeMerged, cfg.Submission.Mode)
	assert.Equal(t, 300*time.Second, cfg.Reconciler.GetInterval())
	assert.Equal(t, DefaultFailureThreshold, cfg.Reconciler.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Engine.GetTimeout())
	assert.Equal(t, int64(10_000_000), cfg.Fetcher.GetMaxDocumentSize())
	assert.Equal(t, DefaultGSEndpoint, cfg.Fetcher.GS.EndpointURL)
	assert.Equal(t, DefaultStatusMap(), cfg.Engine.StatusMap)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvWithoutFile(t *testing.T) {
	t.Setenv("CARROT_ENGINE_ADDRESS", "http://engine.internal:8000")
	t.Setenv("CARROT_SUBMISSION_MODE", "split")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://engine.internal:8000", cfg.Engine.Address)
	assert.Equal(t, ModeSplit, cfg.Submission.Mode)
	assert.Equal(t, DefaultFailureThreshold, cfg.Reconciler.FailureThreshold)
	assert.Equal(t, DefaultStatusMap(), cfg.Engine.StatusMap)
}

func TestLoad_ZeroFailureThreshold(t *testing.T) {
	configPath := writeConfig(t, "reconciler:\n  failure_threshold: 0\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Reconciler.FailureThreshold)

	t.Setenv("CARROT_RECONCILER_FAILURE_THRESHOLD", "0")

	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Reconciler.FailureThreshold)

	assert.Equal(t, DefaultFailureThreshold, Default().Reconciler.FailureThreshold)
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, `
engine:
  address: http://base:8000
reconciler:
  concurrency: 2
`)
	override := writeConfig(t, `
engine:
  address: http://override:8000
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "http://override:8000", cfg.Engine.Address)
	assert.Equal(t, 2, cfg.Reconciler.Concurrency)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: yaml: content:")

	_, err := Load(configPath)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(_ *Config) {},
		},
		{
			name: "unknown database driver",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "mysql"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "postgres requires host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
			},
			wantErr: "database.postgres.host is required",
		},
		{
			name: "unknown submission mode",
			mutate: func(cfg *Config) {
				cfg.Submission.Mode = "parallel"
			},
			wantErr: "submission.mode",
		},
		{
			name: "query timeout must be shorter than interval",
			mutate: func(cfg *Config) {
				cfg.Reconciler.Interval = "10s"
				cfg.Reconciler.QueryTimeout = "10s"
			},
			wantErr: "must be shorter than reconciler.interval",
		},
		{
			name: "engine timeout must be shorter than interval",
			mutate: func(cfg *Config) {
				cfg.Reconciler.Interval = "20s"
				cfg.Reconciler.QueryTimeout = "5s"
				cfg.Engine.Timeout = "1m"
			},
			wantErr: "engine.timeout",
		},
		{
			name: "invalid interval",
			mutate: func(cfg *Config) {
				cfg.Reconciler.Interval = "often"
			},
			wantErr: "invalid reconciler.interval",
		},
		{
			name: "engine address must be http",
			mutate: func(cfg *Config) {
				cfg.Engine.Address = "ftp://engine"
			},
			wantErr: "must be an http(s) URL",
		},
		{
			name: "invalid document size",
			mutate: func(cfg *Config) {
				cfg.Fetcher.MaxDocumentSize = "lots"
			},
			wantErr: "max_document_size",
		},
		{
			name: "github notifier requires token",
			mutate: func(cfg *Config) {
				cfg.Notify.GitHub.Enabled = true
			},
			wantErr: "notify.github.token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
