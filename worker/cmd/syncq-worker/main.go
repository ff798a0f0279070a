package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/syncq/internal/bootstrap"
	"github.com/example/syncq/internal/observability"
	"github.com/example/syncq/worker/internal/executor"
	"github.com/example/syncq/worker/internal/runtime"
)

func main() {
	root := &cobra.Command{
		Use:          "syncq-worker",
		Short:        "Classify queued requests and publish the results",
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

	proc, err := bootstrap.Start(ctx, cmd, "syncq-worker")
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
	store, err := bootstrap.NewStore(cfg)
	if err != nil {
		return err
	}

	rt := runtime.New(transport, store,
		executor.New(cfg.Worker.ClassifierArgv(), cfg.Worker.ClassifyTimeout),
		runtime.Options{
			RequestQueue:      cfg.Queue.Request,
			ResponseQueue:     cfg.Queue.Response,
			InputBucket:       cfg.Storage.InputBucket,
			OutputBucket:      cfg.Storage.OutputBucket,
			ReceiveWait:       cfg.Worker.ReceiveWait,
			VisibilityTimeout: cfg.Worker.VisibilityTimeout,
			IdleSleep:         cfg.Worker.IdleSleep,
			ErrorSleep:        cfg.Worker.ErrorSleep,
			ScratchDir:        cfg.Worker.ScratchDir,
		}, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(ctx) })
	if addr := cfg.Worker.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		g.Go(func() error { return bootstrap.Serve(ctx, addr, mux, log) })
	}
	return g.Wait()
}
