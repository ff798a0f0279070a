package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, "request-queue", cfg.Queue.Request)
	assert.Equal(t, 30*time.Second, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 20*time.Second, cfg.Queue.ReceiveWait)
	assert.Equal(t, 10, cfg.Queue.ReceiveMax)

	assert.Equal(t, 0, cfg.Autoscaler.MinInstances)
	assert.Equal(t, 10, cfg.Autoscaler.MaxInstances)
	assert.Equal(t, 5, cfg.Autoscaler.TargetMessagesPerWorker)
	assert.Equal(t, 2, cfg.Autoscaler.ScaleDownThreshold)
	assert.Equal(t, 120*time.Second, cfg.Autoscaler.Cooldown())
	assert.Equal(t, 10*time.Second, cfg.Autoscaler.PollInterval())

	assert.Equal(t, 360*time.Second, cfg.Broker.Retention())
	assert.Equal(t, 360*time.Second, cfg.Broker.RequestTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.Broker.PollInterval())
	assert.Equal(t, 300*time.Second, cfg.Broker.SweepInterval())
	assert.Equal(t, 300*time.Second, cfg.Broker.DefaultWait())
	assert.Equal(t, time.Duration(0), cfg.Broker.InitialWait())

	assert.Equal(t, ":5000", cfg.HTTP.Addr)
	assert.Equal(t, int64(32<<20), cfg.HTTP.MaxUploadBytes)
	assert.Equal(t, []string{"python3", "image_classification.py"}, cfg.Worker.ClassifierArgv())
}

func TestNewViperFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  backend: redis
  receive_wait: 2s
autoscaler:
  max_instances: 20
broker:
  wait_poll_interval_millis: 100
`), 0o644))
	t.Setenv("SYNCQ_AUTOSCALER_MAX_INSTANCES", "4")
	t.Setenv("SYNCQ_STORAGE_BACKEND", "minio")

	v, err := NewViper(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, 2*time.Second, cfg.Queue.ReceiveWait)
	assert.Equal(t, 4, cfg.Autoscaler.MaxInstances, "environment wins over file")
	assert.Equal(t, "minio", cfg.Storage.Backend)
	assert.Equal(t, 100*time.Millisecond, cfg.Broker.PollInterval())

	_, err = NewViper(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"min above max", func(c *Config) { c.Autoscaler.MinInstances = 5; c.Autoscaler.MaxInstances = 2 }, "autoscaler.max_instances"},
		{"zero target", func(c *Config) { c.Autoscaler.TargetMessagesPerWorker = 0 }, "autoscaler.target_messages_per_worker"},
		{"zero poll", func(c *Config) { c.Broker.WaitPollIntervalMillis = 0 }, "broker.wait_poll_interval_millis"},
		{"negative duration", func(c *Config) { c.Queue.TransportBackoff = -time.Second }, "queue.transport_backoff"},
		{"unknown backend", func(c *Config) { c.Queue.Backend = "kafka" }, "queue.backend"},
		{"unknown provider", func(c *Config) { c.Fleet.Provider = "gce" }, "fleet.provider"},
		{"zero receive wait", func(c *Config) { c.Queue.ReceiveWait = 0 }, "queue.receive_wait"},
		{"unknown exporter", func(c *Config) { c.Tracing.Exporter = "zipkin" }, "tracing.exporter"},
		{"sampler ratio", func(c *Config) { c.Tracing.SamplerRatio = 2 }, "tracing.sampler_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	assert.NoError(t, Default().Validate())
}
