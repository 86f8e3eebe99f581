package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/whitewater-guide/aws/internal/backup"
	"github.com/whitewater-guide/aws/internal/ecstask"
)

// taskFlags are the flags shared by backup and restore.
type taskFlags struct {
	version  int
	host     string
	password string
	skip     bool
	wait     bool
}

var (
	backupFlags  taskFlags
	restoreFlags taskFlags
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run a one-off Fargate task that dumps the database to S3",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, backup.OpBackup, backupFlags)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Run a one-off Fargate task that restores the database from S3",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, backup.OpRestore, restoreFlags)
	},
}

func init() {
	registerTaskFlags(backupCmd, &backupFlags, "skip-partitions", "Do not archive old measurement partitions")
	registerTaskFlags(restoreCmd, &restoreFlags, "skip-gorge", "Do not restore gorge measurements")
}

func registerTaskFlags(cmd *cobra.Command, tf *taskFlags, skipName, skipUsage string) {
	f := cmd.Flags()
	f.IntVar(&tf.version, "version", 3, "pg_dump_restore version (2 or 3)")
	f.StringVar(&tf.host, "host", "", "Database endpoint address (required)")
	f.StringVar(&tf.password, "password", "", "Database password (required)")
	f.BoolVar(&tf.skip, skipName, false, skipUsage)
	f.BoolVar(&tf.wait, "wait", false, "Wait for the task to finish and fail if it did not exit cleanly")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("password")
}

// request validates the flags and turns them into a backup.Request.
func (tf taskFlags) request(op backup.Operation) (backup.Request, error) {
	if _, err := backup.ParseVersion(tf.version); err != nil {
		return backup.Request{}, err
	}
	if tf.host == "" {
		return backup.Request{}, errors.New("--host is required")
	}
	if tf.password == "" {
		return backup.Request{}, errors.New("--password is required")
	}
	req := backup.Request{
		Op:       op,
		Version:  tf.version,
		Host:     tf.host,
		Password: tf.password,
	}
	switch op {
	case backup.OpBackup:
		req.SkipPartitions = tf.skip
	case backup.OpRestore:
		req.SkipGorge = tf.skip
	}
	return req, nil
}

func runTask(cmd *cobra.Command, op backup.Operation, tf taskFlags) error {
	req, err := tf.request(op)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	logger := s.logger.WithGroup(string(op))
	planner := backup.New(s.aws.Config, backup.Config{
		ContainerName:        s.cfg.Tasks.ContainerName,
		TaskDefinitionPrefix: s.cfg.Tasks.TaskDefinitionPrefix,
	}, logger)

	spec, err := planner.Plan(ctx, req)
	if err != nil {
		return fmt.Errorf("planning %s task: %w", op, err)
	}
	spec.StartedBy = serviceName

	runner := ecstask.New(s.aws.Config, logger)
	exec, err := runner.Run(ctx, spec)
	if err != nil {
		return fmt.Errorf("starting %s task: %w", op, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s task started: %s\n", op, exec.TaskID)

	if !tf.wait {
		return nil
	}

	logger.Info("waiting for task",
		slog.String("task", exec.ShortID()),
		slog.Duration("timeout", s.cfg.Tasks.WaitTimeout),
	)
	final, err := runner.Wait(ctx, exec, s.cfg.Tasks.WaitInterval, s.cfg.Tasks.WaitTimeout)
	if err != nil {
		return fmt.Errorf("%s task: %w", op, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s task finished: %s\n", op, final.LastStatus)
	return nil
}
