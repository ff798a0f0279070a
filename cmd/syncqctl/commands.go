package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/syncq/internal/api"
	"github.com/example/syncq/internal/bootstrap"
	"github.com/example/syncq/internal/config"
	"github.com/example/syncq/internal/fleet"
	"github.com/example/syncq/pkg/syncqapi"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "syncqctl",
		Short:         "Submit requests to a syncq gateway and inspect queues and workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	bootstrap.AddConfigFlag(root)
	root.PersistentFlags().String("gateway", "", "gateway base URL (default from http.gateway)")
	root.AddCommand(newSubmitCmd(), newStatusCmd(), newResultCmd(), newDepthCmd(), newFleetCmd())
	return root
}

// loadConfig lets --gateway override http.gateway.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	return bootstrap.LoadConfig(cmd.Flags(), map[string]string{"http.gateway": "gateway"})
}

func gatewayClient(cmd *cobra.Command) (*api.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return api.NewClient(cfg.HTTP.Gateway), nil
}

func newSubmitCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a file for classification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := gatewayClient(cmd)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			reply, err := client.Classify(cmd.Context(), args[0], f, wait)
			if err != nil {
				return err
			}
			return printReply(cmd.OutOrStdout(), reply)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "how long the gateway may hold the request waiting for the result")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show the state of a submitted request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := gatewayClient(cmd)
			if err != nil {
				return err
			}
			reply, err := client.Status(cmd.Context(), args[0], timeout)
			if err != nil {
				return err
			}
			return printReply(cmd.OutOrStdout(), reply)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "long-poll for up to this long")
	return cmd
}

func newResultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <filename>",
		Short: "Fetch the stored classification for an uploaded file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := gatewayClient(cmd)
			if err != nil {
				return err
			}
			res, found, err := client.Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no result for %s yet", args[0])
			}
			return nil
		},
	}
}

func newDepthCmd() *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "depth",
		Short: "Print the approximate number of visible messages in a queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if queue == "" {
				queue = cfg.Queue.Request
			}
			transport, closeTransport, err := bootstrap.NewTransport(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeTransport() }()
			depth, err := transport.ApproximateDepth(cmd.Context(), queue)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), syncqapi.DepthResponse{Queue: queue, Depth: depth})
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "queue name (default queue.request)")
	return cmd
}

func newFleetCmd() *cobra.Command {
	fleetCmd := &cobra.Command{
		Use:   "fleet",
		Short: "Inspect autoscaled workers",
	}
	fleetCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workers tagged as managed by the autoscaler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			spec, err := bootstrap.LaunchSpec(cfg)
			if err != nil {
				return err
			}
			p, err := bootstrap.NewProvisioner(cmd.Context(), cfg, spec)
			if err != nil {
				return err
			}
			workers, err := p.List(cmd.Context(), map[string]string{fleet.TagManagedBy: cfg.Fleet.ManagedBy})
			if err != nil {
				return err
			}
			sort.Slice(workers, func(i, j int) bool { return workers[i].LaunchTime.Before(workers[j].LaunchTime) })
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tLAUNCHED")
			for _, w := range workers {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", w.ID, w.State, w.LaunchTime.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	})
	return fleetCmd
}

func printReply(w io.Writer, reply api.Reply) error {
	if reply.Completed() {
		_, err := fmt.Fprintln(w, reply.Body)
		return err
	}
	return printJSON(w, reply.Status)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
