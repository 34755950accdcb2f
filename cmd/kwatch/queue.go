package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kwatch/internal/config"
	"github.com/goodtune/kwatch/internal/gateway"
	"github.com/goodtune/kwatch/internal/storage"
	"github.com/goodtune/kwatch/internal/storage/bolt"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or flush the offline queue",
	Long: `Session writes that could not reach the remote store wait in the local
offline queue. The running agent flushes it automatically; these commands are
for inspection and manual recovery while the agent is stopped.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending session writes",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Write pending sessions to the remote store",
	Args:  cobra.NoArgs,
	RunE:  runQueueFlush,
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueFlushCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	queue, err := bolt.Open(cfg.Storage.QueuePath)
	if err != nil {
		return fmt.Errorf("failed to open offline queue (is the agent running?): %w", err)
	}
	defer queue.Close()

	entries, err := queue.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list offline queue: %w", err)
	}

	printQueue(entries)
	return nil
}

func runQueueFlush(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	queue, err := bolt.Open(cfg.Storage.QueuePath)
	if err != nil {
		return fmt.Errorf("failed to open offline queue (is the agent running?): %w", err)
	}
	defer queue.Close()

	store, err := openRemote(ctx, cfg.Storage, false, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	gw := gateway.New(store, queue, gatewayConfig(cfg.Sync), logger)
	flushed, err := gw.Flush(ctx)

	green := color.New(color.FgGreen, color.Bold)
	_, _ = green.Printf("Flushed %d session write(s)\n", flushed)

	remaining, countErr := queue.Count(ctx)
	if countErr == nil && remaining > 0 {
		_, _ = color.New(color.FgYellow).Printf("%d write(s) still pending\n", remaining)
	}
	if err != nil {
		return fmt.Errorf("flush stopped: %w", err)
	}
	return nil
}

// printQueue prints pending entries oldest first
func printQueue(entries []storage.QueueEntry) {
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow)

	if len(entries) == 0 {
		_, _ = color.New(color.FgGreen).Println("Offline queue is empty")
		return
	}

	_, _ = cyan.Printf("%-36s  %-6s  %-12s  %-20s  %8s  %s\n", "SESSION", "KIND", "GROUP", "START", "DURATION", "QUEUED")
	for _, e := range entries {
		duration := "-"
		if e.Session.DurationSeconds != nil {
			duration = fmt.Sprintf("%ds", *e.Session.DurationSeconds)
		}
		line := fmt.Sprintf("%-36s  %-6s  %-12s  %-20s  %8s  %s (rev %d)\n",
			e.Key, e.Kind, e.Session.GroupID,
			e.Session.StartTime.Local().Format("2006-01-02 15:04:05"),
			duration, e.EnqueuedAt.Local().Format(time.RFC3339), e.Revision)
		if e.Session.IsOpen() {
			_, _ = yellow.Print(line)
		} else {
			fmt.Print(line)
		}
	}
}
