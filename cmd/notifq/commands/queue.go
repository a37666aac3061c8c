package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/motorhub/notifq/internal/queue"
)

var (
	queueTenant string

	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the notification queue",
	}

	queueStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show per-channel queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, manager *queue.Manager) error {
				stats, err := manager.Stats(ctx, queueTenant)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}

	deadLetterLimit int

	deadLetterListCmd = &cobra.Command{
		Use:   "list",
		Short: "List dead letter messages, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, manager *queue.Manager) error {
				envs, err := manager.DeadLetterMessages(ctx, queueTenant, int64(deadLetterLimit))
				if err != nil {
					return err
				}
				for i, env := range envs {
					fmt.Printf("[%d] %s channel=%s retries=%d error=%q\n",
						i, env.ID, env.Channel, env.RetryCount, env.LastError)
				}
				fmt.Printf("%d dead letter message(s)\n", len(envs))
				return nil
			})
		},
	}

	requeueIndex int64

	deadLetterRequeueCmd = &cobra.Command{
		Use:   "requeue",
		Short: "Requeue one dead letter message by index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, manager *queue.Manager) error {
				ok, err := manager.RequeueDeadLetter(ctx, queueTenant, requeueIndex)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no dead letter at index %d", requeueIndex)
				}
				fmt.Printf("requeued dead letter %d\n", requeueIndex)
				return nil
			})
		},
	}

	recoverMaxAgeHours int

	deadLetterRecoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Requeue recent dead letters with transient-looking errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, manager *queue.Manager) error {
				n, err := manager.RecoverDeadLetters(ctx, queueTenant,
					time.Duration(recoverMaxAgeHours)*time.Hour)
				if err != nil {
					return err
				}
				fmt.Printf("requeued %d dead letter message(s)\n", n)
				return nil
			})
		},
	}

	deadLetterCmd = &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and recover dead letter messages",
	}

	cleanupDays int

	queueCleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Purge completed and dead-lettered messages past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, manager *queue.Manager) error {
				deleted, err := manager.CleanupOldMessages(ctx, queueTenant,
					time.Duration(cleanupDays)*24*time.Hour)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d message(s)\n", deleted)
				return nil
			})
		},
	}
)

func init() {
	queueCmd.PersistentFlags().StringVarP(&queueTenant, "tenant", "t", queue.DefaultTenant, "Tenant namespace")

	deadLetterListCmd.Flags().IntVar(&deadLetterLimit, "limit", 100, "Maximum messages to list")
	deadLetterRequeueCmd.Flags().Int64Var(&requeueIndex, "index", 0, "Dead letter index to requeue")
	deadLetterRecoverCmd.Flags().IntVar(&recoverMaxAgeHours, "max-age-hours", 24, "Only recover messages newer than this")
	queueCleanupCmd.Flags().IntVar(&cleanupDays, "days", 7, "Retention window in days")

	deadLetterCmd.AddCommand(deadLetterListCmd, deadLetterRequeueCmd, deadLetterRecoverCmd)
	queueCmd.AddCommand(queueStatsCmd, deadLetterCmd, queueCleanupCmd)
	rootCmd.AddCommand(queueCmd)
}

// withManager connects to the configured store, runs fn, and closes the
// connection.
func withManager(fn func(ctx context.Context, manager *queue.Manager) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(ctx, newManager(store, cfg))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
