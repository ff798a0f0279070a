// Package config loads the single Config value that every syncq process
// builds at start-up and hands to its components.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "SYNCQ"

type Config struct {
	AWS        AWSConfig        `mapstructure:"aws"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Fleet      FleetConfig      `mapstructure:"fleet"`
	Autoscaler AutoscalerConfig `mapstructure:"autoscaler"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Worker     WorkerConfig     `mapstructure:"worker"`
}

type AWSConfig struct {
	Region string `mapstructure:"region"`
	// Endpoint overrides the SQS and EC2 endpoints, e.g. for LocalStack.
	Endpoint string `mapstructure:"endpoint"`
}

type QueueConfig struct {
	// Backend is one of memory, redis or sqs.
	Backend           string        `mapstructure:"backend"`
	Request           string        `mapstructure:"request"`
	Response          string        `mapstructure:"response"`
	RedisAddr         string        `mapstructure:"redis_addr"`
	RedisPassword     string        `mapstructure:"redis_password"`
	RedisDB           int           `mapstructure:"redis_db"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	ReceiveMax        int           `mapstructure:"receive_max"`
	ReceiveWait       time.Duration `mapstructure:"receive_wait"`
	TransportBackoff  time.Duration `mapstructure:"transport_backoff"`
}

type StorageConfig struct {
	// Backend is memory or minio. minio also covers AWS S3.
	Backend      string `mapstructure:"backend"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UseSSL       bool   `mapstructure:"use_ssl"`
	InputBucket  string `mapstructure:"input_bucket"`
	OutputBucket string `mapstructure:"output_bucket"`
}

type FleetConfig struct {
	// Provider is memory, ec2 or kubernetes.
	Provider     string `mapstructure:"provider"`
	TemplateFile string `mapstructure:"template_file"`
	Namespace    string `mapstructure:"namespace"`
	Kubeconfig   string `mapstructure:"kubeconfig"`
	ManagedBy    string `mapstructure:"managed_by"`
}

type AutoscalerConfig struct {
	MinInstances            int `mapstructure:"min_instances"`
	MaxInstances            int `mapstructure:"max_instances"`
	TargetMessagesPerWorker int `mapstructure:"target_messages_per_worker"`
	ScaleDownThreshold      int `mapstructure:"scale_down_threshold"`
	CooldownSeconds         int `mapstructure:"cooldown_seconds"`
	ControllerPollSeconds   int `mapstructure:"controller_poll_seconds"`
	// MetricsAddr serves /metrics and /healthz for the controller process.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

func (a AutoscalerConfig) Cooldown() time.Duration {
	return time.Duration(a.CooldownSeconds) * time.Second
}

func (a AutoscalerConfig) PollInterval() time.Duration {
	return time.Duration(a.ControllerPollSeconds) * time.Second
}

type BrokerConfig struct {
	RecordRetentionSeconds        int `mapstructure:"record_retention_seconds"`
	AbsoluteRequestTimeoutSeconds int `mapstructure:"absolute_request_timeout_seconds"`
	WaitPollIntervalMillis        int `mapstructure:"wait_poll_interval_millis"`
	SweepIntervalSeconds          int `mapstructure:"sweep_interval_seconds"`
	DefaultWaitSeconds            int `mapstructure:"default_wait_seconds"`
	InitialWaitMillis             int `mapstructure:"initial_wait_millis"`
}

func (b BrokerConfig) Retention() time.Duration {
	return time.Duration(b.RecordRetentionSeconds) * time.Second
}

func (b BrokerConfig) RequestTimeout() time.Duration {
	return time.Duration(b.AbsoluteRequestTimeoutSeconds) * time.Second
}

func (b BrokerConfig) PollInterval() time.Duration {
	return time.Duration(b.WaitPollIntervalMillis) * time.Millisecond
}

func (b BrokerConfig) SweepInterval() time.Duration {
	return time.Duration(b.SweepIntervalSeconds) * time.Second
}

func (b BrokerConfig) DefaultWait() time.Duration {
	return time.Duration(b.DefaultWaitSeconds) * time.Second
}

func (b BrokerConfig) InitialWait() time.Duration {
	return time.Duration(b.InitialWaitMillis) * time.Millisecond
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// SubmitRatePerSecond of 0 disables submit rate limiting.
	SubmitRatePerSecond float64 `mapstructure:"submit_rate_per_second"`
	SubmitBurst         int     `mapstructure:"submit_burst"`
	MaxUploadBytes      int64   `mapstructure:"max_upload_bytes"`
	// Gateway is the base URL syncqctl talks to.
	Gateway string `mapstructure:"gateway"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type TracingConfig struct {
	Exporter     string  `mapstructure:"exporter"`
	Endpoint     string  `mapstructure:"endpoint"`
	Headers      string  `mapstructure:"headers"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplerRatio float64 `mapstructure:"sampler_ratio"`
	Environment  string  `mapstructure:"environment"`
}

type WorkerConfig struct {
	ClassifierCommand string        `mapstructure:"classifier_command"`
	ReceiveWait       time.Duration `mapstructure:"receive_wait"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	IdleSleep         time.Duration `mapstructure:"idle_sleep"`
	ErrorSleep        time.Duration `mapstructure:"error_sleep"`
	ScratchDir        string        `mapstructure:"scratch_dir"`
	ClassifyTimeout   time.Duration `mapstructure:"classify_timeout"`
	// MetricsAddr serves /metrics and /healthz for the worker process.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// ClassifierArgv splits ClassifierCommand on whitespace.
func (w WorkerConfig) ClassifierArgv() []string {
	return strings.Fields(w.ClassifierCommand)
}

// SetDefaults registers every key with its default so that environment
// overrides are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.endpoint", "")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.request", "request-queue")
	v.SetDefault("queue.response", "response-queue")
	v.SetDefault("queue.redis_addr", "127.0.0.1:6379")
	v.SetDefault("queue.redis_password", "")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.visibility_timeout", "30s")
	v.SetDefault("queue.receive_max", 10)
	v.SetDefault("queue.receive_wait", "20s")
	v.SetDefault("queue.transport_backoff", "5s")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.input_bucket", "syncq-input")
	v.SetDefault("storage.output_bucket", "syncq-output")

	v.SetDefault("fleet.provider", "memory")
	v.SetDefault("fleet.template_file", "")
	v.SetDefault("fleet.namespace", "default")
	v.SetDefault("fleet.kubeconfig", "")
	v.SetDefault("fleet.managed_by", "syncq-autoscaler")

	v.SetDefault("autoscaler.min_instances", 0)
	v.SetDefault("autoscaler.max_instances", 10)
	v.SetDefault("autoscaler.target_messages_per_worker", 5)
	v.SetDefault("autoscaler.scale_down_threshold", 2)
	v.SetDefault("autoscaler.cooldown_seconds", 120)
	v.SetDefault("autoscaler.controller_poll_seconds", 10)
	v.SetDefault("autoscaler.metrics_addr", ":9102")

	v.SetDefault("broker.record_retention_seconds", 360)
	v.SetDefault("broker.absolute_request_timeout_seconds", 360)
	v.SetDefault("broker.wait_poll_interval_millis", 500)
	v.SetDefault("broker.sweep_interval_seconds", 300)
	v.SetDefault("broker.default_wait_seconds", 300)
	v.SetDefault("broker.initial_wait_millis", 0)

	v.SetDefault("http.addr", ":5000")
	v.SetDefault("http.submit_rate_per_second", 0)
	v.SetDefault("http.submit_burst", 50)
	v.SetDefault("http.max_upload_bytes", 32<<20)
	v.SetDefault("http.gateway", "http://127.0.0.1:5000")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.headers", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sampler_ratio", 1.0)
	v.SetDefault("tracing.environment", "")

	v.SetDefault("worker.classifier_command", "python3 image_classification.py")
	v.SetDefault("worker.receive_wait", "20s")
	v.SetDefault("worker.visibility_timeout", "60s")
	v.SetDefault("worker.idle_sleep", "5s")
	v.SetDefault("worker.error_sleep", "10s")
	v.SetDefault("worker.scratch_dir", os.TempDir())
	v.SetDefault("worker.classify_timeout", "60s")
	v.SetDefault("worker.metrics_addr", "")
}

// NewViper returns a viper instance with defaults, SYNCQ_ environment
// overrides and, when cfgFile is set, that YAML file loaded.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}
	return v, nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration with every default applied.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		panic(err)
	}
	return cfg
}
