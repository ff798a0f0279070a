// Package bootstrap turns a loaded Config into the concrete transport, blob
// store and provisioner each syncq process runs with.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/example/syncq/internal/blob"
	"github.com/example/syncq/internal/broker"
	"github.com/example/syncq/internal/config"
	"github.com/example/syncq/internal/fleet"
	"github.com/example/syncq/internal/state"
)

// NewTransport returns the queue transport named by queue.backend together
// with a function releasing its connections.
func NewTransport(ctx context.Context, cfg config.Config) (state.Transport, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Queue.Backend {
	case "memory":
		return state.NewMemoryTransport(), noop, nil
	case "redis":
		t := state.NewRedisTransport(state.RedisTransportConfig{
			Addr:              cfg.Queue.RedisAddr,
			Password:          cfg.Queue.RedisPassword,
			DB:                cfg.Queue.RedisDB,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		})
		if err := t.Ping(ctx); err != nil {
			_ = t.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Queue.RedisAddr, err)
		}
		return t, t.Close, nil
	case "sqs":
		awsCfg, err := loadAWS(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		})
		return state.NewSQSTransport(client), noop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue.backend %q", cfg.Queue.Backend)
	}
}

// ErrProcessLocalQueue rejects queue.backend=memory for a standalone
// process: the gateway, workers and autoscaler would each hold a private
// queue and no request would ever be answered.
var ErrProcessLocalQueue = errors.New("queue.backend memory is process-local; set queue.backend to redis or sqs")

// NewSharedTransport is NewTransport for the syncq binaries. It only accepts
// backends visible across processes.
func NewSharedTransport(ctx context.Context, cfg config.Config) (state.Transport, func() error, error) {
	if cfg.Queue.Backend == "memory" {
		return nil, nil, ErrProcessLocalQueue
	}
	return NewTransport(ctx, cfg)
}

func NewStore(cfg config.Config) (blob.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return blob.NewMemoryStore(), nil
	case "minio":
		return blob.NewMinIOStore(blob.MinIOConfig{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Region:    cfg.AWS.Region,
		})
	default:
		return nil, fmt.Errorf("unsupported storage.backend %q", cfg.Storage.Backend)
	}
}

func NewProvisioner(ctx context.Context, cfg config.Config, spec fleet.LaunchSpec) (fleet.Provisioner, error) {
	switch cfg.Fleet.Provider {
	case "memory":
		return fleet.NewMemoryProvisioner(), nil
	case "ec2":
		awsCfg, err := loadAWS(ctx, cfg)
		if err != nil {
			return nil, err
		}
		client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		})
		return fleet.NewEC2Provisioner(client, spec.Image), nil
	case "kubernetes":
		client, err := fleet.NewKubernetesClient(cfg.Fleet.Kubeconfig)
		if err != nil {
			return nil, err
		}
		return fleet.NewKubernetesProvisioner(client, cfg.Fleet.Namespace), nil
	default:
		return nil, fmt.Errorf("unsupported fleet.provider %q", cfg.Fleet.Provider)
	}
}

// LaunchSpec loads fleet.template_file. Without a template the memory
// provider still gets a usable spec.
func LaunchSpec(cfg config.Config) (fleet.LaunchSpec, error) {
	if cfg.Fleet.TemplateFile == "" {
		if cfg.Fleet.Provider != "memory" {
			return fleet.LaunchSpec{}, fmt.Errorf("fleet.template_file is required for provider %q", cfg.Fleet.Provider)
		}
		return fleet.LaunchSpec{Image: "syncq-worker", NamePrefix: "app-instance"}, nil
	}
	return fleet.LoadTemplate(cfg.Fleet.TemplateFile)
}

func BrokerOptions(cfg config.Config) broker.Options {
	return broker.Options{
		RequestQueue:     cfg.Queue.Request,
		ResponseQueue:    cfg.Queue.Response,
		ReceiveMax:       cfg.Queue.ReceiveMax,
		ReceiveWait:      cfg.Queue.ReceiveWait,
		TransportBackoff: cfg.Queue.TransportBackoff,
		PollInterval:     cfg.Broker.PollInterval(),
		RequestTimeout:   cfg.Broker.RequestTimeout(),
		Retention:        cfg.Broker.Retention(),
		SweepInterval:    cfg.Broker.SweepInterval(),
	}
}

func loadAWS(ctx context.Context, cfg config.Config) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}
