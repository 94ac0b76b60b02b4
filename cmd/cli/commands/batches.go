package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clyro-labs/enroller/internal/types"
)

func init() {
	batchesCmd.AddCommand(runBatchCmd)
	batchesCmd.AddCommand(stopBatchCmd)
	batchesCmd.AddCommand(statusBatchCmd)
	batchesCmd.AddCommand(summaryBatchCmd)

	runBatchCmd.Flags().IntP("count", "c", 0, "Number of accounts to create")
	runBatchCmd.Flags().IntP("parallel", "p", 1, "Maximum parallel attempts")
	runBatchCmd.Flags().Bool("reuse-only", false, "Allocate only gap and recycled identities, never mint")
	runBatchCmd.Flags().Bool("retry-failed", false, "Replace failed attempts while the retry budget lasts")
	_ = runBatchCmd.MarkFlagRequired("count")

	summaryBatchCmd.Flags().UintP("id", "i", 0, "Batch ID to summarize")
	_ = summaryBatchCmd.MarkFlagRequired("id")
}

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Manage account-creation batches",
}

var runBatchCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new batch",
	RunE: func(cmd *cobra.Command, _ []string) error {
		count, _ := cmd.Flags().GetInt("count")
		parallel, _ := cmd.Flags().GetInt("parallel")
		reuseOnly, _ := cmd.Flags().GetBool("reuse-only")
		retryFailed, _ := cmd.Flags().GetBool("retry-failed")

		resp, err := apiClient.Run(context.Background(), types.RunRequest{
			TotalAccounts: count,
			MaxParallel:   parallel,
			ReuseOnly:     reuseOnly,
			RetryFailed:   retryFailed,
		})
		if err != nil {
			return fmt.Errorf("error starting batch: %w", err)
		}

		return printJSON(resp)
	},
}

var stopBatchCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active batch",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := apiClient.Stop(context.Background()); err != nil {
			return fmt.Errorf("error stopping batch: %w", err)
		}
		fmt.Println("batch stopped")
		return nil
	},
}

var statusBatchCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the live status of the active batch",
	RunE: func(_ *cobra.Command, _ []string) error {
		status, err := apiClient.Status(context.Background())
		if err != nil {
			return fmt.Errorf("error fetching status: %w", err)
		}
		return printJSON(status)
	},
}

var summaryBatchCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show the durable summary of a batch",
	RunE: func(cmd *cobra.Command, _ []string) error {
		id, _ := cmd.Flags().GetUint("id")

		summary, err := apiClient.Summary(context.Background(), id)
		if err != nil {
			return fmt.Errorf("error fetching summary: %w", err)
		}
		return printJSON(summary)
	},
}

// GetBatchesCmd returns the batches command
func GetBatchesCmd() *cobra.Command {
	return batchesCmd
}

// printJSON pretty prints an API response
func printJSON(v interface{}) error {
	prettyJSON, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting response: %w", err)
	}
	fmt.Println(string(prettyJSON))
	return nil
}
