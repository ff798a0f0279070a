package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/example/syncq/internal/config"
	"github.com/example/syncq/internal/observability"
)

const shutdownTimeout = 5 * time.Second

// Process is the ambient state shared by every syncq binary.
type Process struct {
	Config config.Config
	Log    logr.Logger

	shutdownTracing func(context.Context) error
}

// AddConfigFlag registers the persistent --config flag on root.
func AddConfigFlag(root *cobra.Command) {
	root.PersistentFlags().StringP("config", "c", "", "config file (YAML); SYNCQ_* environment variables override it")
}

// LoadConfig reads the file named by the --config flag, applies SYNCQ_*
// environment overrides and then any flags listed in bindings (config key
// to flag name) that were set on the command line.
func LoadConfig(flags *pflag.FlagSet, bindings map[string]string) (config.Config, error) {
	cfgFile, _ := flags.GetString("config")
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	for key, name := range bindings {
		f := flags.Lookup(name)
		if f == nil {
			return config.Config{}, fmt.Errorf("flag --%s is not defined", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return config.Config{}, fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return config.Load(v)
}

// Start loads configuration from the flags of cmd, then brings up logging,
// metrics and tracing for service.
func Start(ctx context.Context, cmd *cobra.Command, service string) (*Process, error) {
	cfg, err := LoadConfig(cmd.Flags(), nil)
	if err != nil {
		return nil, err
	}
	log, err := observability.NewLogger(observability.LogConfig{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	observability.Register()
	shutdown, err := observability.InitTracing(ctx, service, observability.TracingConfig{
		Exporter:     cfg.Tracing.Exporter,
		Endpoint:     cfg.Tracing.Endpoint,
		Headers:      observability.ParseHeaders(cfg.Tracing.Headers),
		Insecure:     cfg.Tracing.Insecure,
		SamplerRatio: cfg.Tracing.SamplerRatio,
		Environment:  cfg.Tracing.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	return &Process{Config: cfg, Log: log.WithName(service), shutdownTracing: shutdown}, nil
}

// Close flushes pending spans.
func (p *Process) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.shutdownTracing(ctx); err != nil {
		p.Log.Error(err, "Tracing shutdown failed")
	}
}

// Serve runs an HTTP server on addr until ctx is done, then shuts it down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log logr.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("Listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
