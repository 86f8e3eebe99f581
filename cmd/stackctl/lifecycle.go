package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/whitewater-guide/aws/internal/driver"
	"github.com/whitewater-guide/aws/internal/orchestrator"
)

var dryRun bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start every managed resource, foundational kinds first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(cmd, driver.Running)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop every managed resource, in reverse dependency order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(cmd, driver.Stopped)
	},
}

func init() {
	for _, c := range []*cobra.Command{startCmd, stopCmd} {
		c.Flags().BoolVar(&dryRun, "dry-run", false, "Only discover and list the resources that would be toggled")
	}
}

func runLifecycle(cmd *cobra.Command, target driver.TargetState) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	o := orchestrator.New(orchestrator.Config{
		Drivers: s.cfg.NewDrivers(s.aws.Config, s.logger),
		Logger:  s.logger.WithGroup("orchestrator"),
		DryRun:  dryRun,
	})

	s.logger.Info("transitioning environment",
		slog.String("target", target.String()),
		slog.String("profile", s.aws.Profile),
		slog.String("region", s.aws.Region),
		slog.Bool("dryRun", dryRun),
	)

	var report *orchestrator.Report
	if target == driver.Running {
		report, err = o.Start(ctx)
	} else {
		report, err = o.Stop(ctx)
	}

	// The summary is printed even when the run failed part-way.
	renderReport(cmd.OutOrStdout(), report)
	return err
}
