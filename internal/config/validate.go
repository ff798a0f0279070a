package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalid = errors.New("invalid configuration")

// ValidationError names one offending key.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return ErrInvalid }

// Validate returns every problem found, joined; each one matches ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	oneOf := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if strings.EqualFold(value, a) {
				return
			}
		}
		add(field, "must be one of %s, got %q", strings.Join(allowed, "|"), value)
	}
	oneOf("queue.backend", c.Queue.Backend, "memory", "redis", "sqs")
	oneOf("storage.backend", c.Storage.Backend, "memory", "minio")
	oneOf("fleet.provider", c.Fleet.Provider, "memory", "ec2", "kubernetes")

	if c.Queue.Request == "" {
		add("queue.request", "must not be empty")
	}
	if c.Queue.Response == "" {
		add("queue.response", "must not be empty")
	}
	if c.Queue.ReceiveMax <= 0 {
		add("queue.receive_max", "must be positive, got %d", c.Queue.ReceiveMax)
	}
	nonNegative := func(field string, d time.Duration) {
		if d < 0 {
			add(field, "must not be negative, got %s", d)
		}
	}
	nonNegative("queue.visibility_timeout", c.Queue.VisibilityTimeout)
	if c.Queue.ReceiveWait <= 0 {
		add("queue.receive_wait", "must be positive, got %s", c.Queue.ReceiveWait)
	}
	nonNegative("queue.transport_backoff", c.Queue.TransportBackoff)
	nonNegative("worker.receive_wait", c.Worker.ReceiveWait)
	nonNegative("worker.visibility_timeout", c.Worker.VisibilityTimeout)
	nonNegative("worker.idle_sleep", c.Worker.IdleSleep)
	nonNegative("worker.error_sleep", c.Worker.ErrorSleep)
	nonNegative("worker.classify_timeout", c.Worker.ClassifyTimeout)

	a := c.Autoscaler
	if a.MinInstances < 0 {
		add("autoscaler.min_instances", "must not be negative, got %d", a.MinInstances)
	}
	if a.MinInstances > a.MaxInstances {
		add("autoscaler.max_instances", "must be >= min_instances (%d), got %d", a.MinInstances, a.MaxInstances)
	}
	if a.TargetMessagesPerWorker <= 0 {
		add("autoscaler.target_messages_per_worker", "must be positive, got %d", a.TargetMessagesPerWorker)
	}
	if a.ScaleDownThreshold < 0 {
		add("autoscaler.scale_down_threshold", "must not be negative, got %d", a.ScaleDownThreshold)
	}
	if a.CooldownSeconds < 0 {
		add("autoscaler.cooldown_seconds", "must not be negative, got %d", a.CooldownSeconds)
	}
	if a.ControllerPollSeconds <= 0 {
		add("autoscaler.controller_poll_seconds", "must be positive, got %d", a.ControllerPollSeconds)
	}

	b := c.Broker
	if b.RecordRetentionSeconds < 0 {
		add("broker.record_retention_seconds", "must not be negative, got %d", b.RecordRetentionSeconds)
	}
	if b.AbsoluteRequestTimeoutSeconds <= 0 {
		add("broker.absolute_request_timeout_seconds", "must be positive, got %d", b.AbsoluteRequestTimeoutSeconds)
	}
	if b.WaitPollIntervalMillis <= 0 {
		add("broker.wait_poll_interval_millis", "must be positive, got %d", b.WaitPollIntervalMillis)
	}
	if b.SweepIntervalSeconds <= 0 {
		add("broker.sweep_interval_seconds", "must be positive, got %d", b.SweepIntervalSeconds)
	}
	if b.DefaultWaitSeconds < 0 {
		add("broker.default_wait_seconds", "must not be negative, got %d", b.DefaultWaitSeconds)
	}
	if b.InitialWaitMillis < 0 {
		add("broker.initial_wait_millis", "must not be negative, got %d", b.InitialWaitMillis)
	}

	if c.HTTP.SubmitRatePerSecond < 0 {
		add("http.submit_rate_per_second", "must not be negative, got %v", c.HTTP.SubmitRatePerSecond)
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		add("http.max_upload_bytes", "must be positive, got %d", c.HTTP.MaxUploadBytes)
	}
	if c.Tracing.Exporter != "" {
		oneOf("tracing.exporter", c.Tracing.Exporter, "none", "stdout", "otlp", "otlphttp")
	}
	if c.Tracing.SamplerRatio < 0 || c.Tracing.SamplerRatio > 1 {
		add("tracing.sampler_ratio", "must be within [0,1], got %v", c.Tracing.SamplerRatio)
	}
	return errors.Join(errs...)
}
