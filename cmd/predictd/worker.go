package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"predictd/internal/logging"
	"predictd/internal/worker"
)

// buildWorkerCmd is the child side of process isolation: it serves load and
// execute frames on stdin/stdout and logs to stderr.
func buildWorkerCmd() *cobra.Command {
	var dev, level string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one execution worker on stdin/stdout (spawned by serve)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(os.Stderr, level, "json")
			if err != nil {
				return err
			}
			log = log.With().Str("device", dev).Int("pid", os.Getpid()).Logger()
			// The parent owns shutdown; an interactive ^C reaches the whole
			// process group.
			signal.Ignore(os.Interrupt)
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
			defer stop()
			log.Debug().Msg("event=worker_started")
			return worker.Serve(ctx, os.Stdin, os.Stdout, worker.NewHost(log))
		},
	}
	cmd.Flags().StringVar(&dev, "device", "", "Device this worker is bound to")
	cmd.Flags().StringVar(&level, "log-level", "info", "Log level")
	return cmd
}
