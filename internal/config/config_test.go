package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConcurrencyBounds(t *testing.T) {
	n := DefaultConcurrency()
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 4)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
service:
  kind: validate
jobs:
  max_queue_size: 5
  sync_wait_timeout: 90s
pipeline:
  max_cost_usd: 1.5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, KindValidate, cfg.Service.Kind)
	assert.Equal(t, 5, cfg.Jobs.MaxQueueSize)
	assert.Equal(t, 90*time.Second, cfg.Jobs.SyncWaitTimeout)
	assert.Equal(t, 1.5, cfg.Pipeline.MaxCostUSD)
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
	assert.Equal(t, time.Hour, cfg.Jobs.FinishedJobTTL)
	assert.Equal(t, 30*time.Minute, cfg.Artifacts.SignedURLTTL)
	assert.Equal(t, int64(1024), cfg.Render.MinArtifactBytes)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "zero workers", mutate: func(c *Config) { c.Jobs.MaxConcurrentJobs = 0 }, wantErr: true},
		{name: "zero queue", mutate: func(c *Config) { c.Jobs.MaxQueueSize = 0 }, wantErr: true},
		{name: "unknown kind", mutate: func(c *Config) { c.Service.Kind = "paint" }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.Pipeline.MaxRetries = -1 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{
				Service:  ServiceConfig{Kind: KindGenerate},
				Jobs:     JobsConfig{MaxConcurrentJobs: 2, MaxQueueSize: 4, MaxJobRecords: 10},
				Pipeline: PipelineConfig{MaxRetries: 3},
			}
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
