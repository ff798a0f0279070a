package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/syncq/internal/autoscaler"
	"github.com/example/syncq/internal/bootstrap"
	"github.com/example/syncq/internal/observability"
)

func main() {
	root := &cobra.Command{
		Use:          "syncq-autoscaler",
		Short:        "Resize the worker fleet to follow request queue depth",
		SilenceUsage: true,
		RunE:         run,
	}
	bootstrap.AddConfigFlag(root)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proc, err := bootstrap.Start(ctx, cmd, "syncq-autoscaler")
	if err != nil {
		return err
	}
	defer proc.Close()
	cfg, log := proc.Config, proc.Log

	transport, closeTransport, err := bootstrap.NewSharedTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeTransport() }()
	spec, err := bootstrap.LaunchSpec(cfg)
	if err != nil {
		return err
	}
	provisioner, err := bootstrap.NewProvisioner(ctx, cfg, spec)
	if err != nil {
		return err
	}

	ac := cfg.Autoscaler
	ctrl := autoscaler.NewController(transport, cfg.Queue.Request, provisioner, spec,
		autoscaler.WithMinInstances(ac.MinInstances),
		autoscaler.WithMaxInstances(ac.MaxInstances),
		autoscaler.WithTargetMessagesPerWorker(ac.TargetMessagesPerWorker),
		autoscaler.WithScaleDownThreshold(ac.ScaleDownThreshold),
		autoscaler.WithCooldown(ac.Cooldown()),
		autoscaler.WithPollInterval(ac.PollInterval()),
		autoscaler.WithManagedBy(cfg.Fleet.ManagedBy),
		autoscaler.WithLogger(log.WithName("controller")),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })
	if ac.MetricsAddr != "" {
		g.Go(func() error { return bootstrap.Serve(ctx, ac.MetricsAddr, mux, log) })
	}
	return g.Wait()
}
