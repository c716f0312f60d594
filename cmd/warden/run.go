package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/warden/internal/fleet"
	"github.com/benaskins/warden/internal/runner"
	"github.com/benaskins/warden/internal/spec"
)

var runCmd = &cobra.Command{
	Use:   "run <spec.yaml>",
	Short: "Run a single runner in the foreground",
	Long:  "Launch the runner described by a spec file without a daemon and wait for it to finish. Restarts follow the spec's restart block.",
	Args:  cobra.ExactArgs(1),
	RunE:  runOnce,
}

func init() {
	runCmd.Flags().Duration("wait", 0, "give up and stop the runner after this long (0 waits forever)")
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetDuration("wait")

	s, err := spec.Load(args[0])
	if err != nil {
		return err
	}

	factory, err := fleet.NewFactory(cfg.Platform)
	if err != nil {
		return err
	}
	c := fleet.NewCollection(factory, fleet.WithSamplingPeriod(cfg.SamplingPeriod.Duration))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	opts := []runner.Option{
		runner.WithLogger(logger),
		runner.WithRestartDurationMax(cfg.RestartDurationMax.Duration),
		runner.WithOutputLines(cfg.OutputLines),
		runner.WithListeners(runner.NewGracefulShutdown(syscall.SIGTERM, cfg.StopTimeout.Duration)),
	}
	opts = append(opts, s.RunnerOptions(logger)...)

	start := time.Now()
	final, err := c.Run(ctx, s.Description(), wait, opts...)
	slog.Info("runner finished", "runner", s.Runner.Name, "state", final, "elapsed", time.Since(start).Round(time.Millisecond))
	if err != nil {
		return err
	}
	if final != runner.Shutdown {
		return fmt.Errorf("%s finished in state %s", s.Runner.Name, final)
	}
	return nil
}
