// File: cmd/logs.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/hpcloud/tail"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

func newLogsCmd() *cobra.Command {
	var (
		follow bool
		level  string
	)
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the engine log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Logger().LogFile == "" {
				return fmt.Errorf("logger.log_file is not configured")
			}
			minLevel, err := zapcore.ParseLevel(level)
			if err != nil {
				return err
			}
			return streamLogs(cmd.Context(), cmd.OutOrStdout(), cfg.Logger().LogFile, follow, minLevel)
		},
	}
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing lines as they are written")
	logsCmd.Flags().StringVar(&level, "level", "debug", "minimum level to print")
	return logsCmd
}

// streamLogs copies the log file to out, dropping JSON entries below minLevel.
// Lines that are not JSON entries are always printed.
func streamLogs(ctx context.Context, out io.Writer, path string, follow bool, minLevel zapcore.Level) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				return line.Err
			}
			if !levelAtLeast(line.Text, minLevel) {
				continue
			}
			if _, err := fmt.Fprintln(out, line.Text); err != nil {
				return err
			}
		}
	}
}

func levelAtLeast(text string, minLevel zapcore.Level) bool {
	var entry struct {
		Level string `json:"level"`
	}
	if err := json.UnmarshalFromString(text, &entry); err != nil || entry.Level == "" {
		return true
	}
	lvl, err := zapcore.ParseLevel(entry.Level)
	if err != nil {
		return true
	}
	return lvl >= minLevel
}
