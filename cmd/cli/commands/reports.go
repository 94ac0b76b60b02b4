package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	reportsCmd.AddCommand(usedIdentitiesCmd)
	reportsCmd.AddCommand(failedChannelsCmd)
	reportsCmd.AddCommand(reuseQueueCmd)

	failedChannelsCmd.Flags().UintP("batch-id", "b", 0, "Limit to one batch (0 = all)")

	reuseQueueCmd.Flags().StringP("replace-from", "f", "", "Replace the queue with the identities in this file")
}

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Fetch report artifacts",
}

var usedIdentitiesCmd = &cobra.Command{
	Use:   "used-identities",
	Short: "List consumed identity addresses, one per line",
	RunE: func(_ *cobra.Command, _ []string) error {
		body, err := apiClient.UsedIdentities(context.Background())
		if err != nil {
			return fmt.Errorf("error fetching used identities: %w", err)
		}
		fmt.Print(body)
		return nil
	},
}

var failedChannelsCmd = &cobra.Command{
	Use:   "failed-channels",
	Short: "List phone numbers of failed attempts, one per line",
	RunE: func(cmd *cobra.Command, _ []string) error {
		batchID, _ := cmd.Flags().GetUint("batch-id")

		body, err := apiClient.FailedChannels(context.Background(), batchID)
		if err != nil {
			return fmt.Errorf("error fetching failed channels: %w", err)
		}
		fmt.Print(body)
		return nil
	},
}

var reuseQueueCmd = &cobra.Command{
	Use:   "reuse-queue",
	Short: "Show or replace the reusable-identity queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		file, _ := cmd.Flags().GetString("replace-from")

		if file != "" {
			content, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("error reading %s: %w", file, err)
			}
			body, err := apiClient.UpdateReuseQueue(context.Background(), string(content))
			if err != nil {
				return fmt.Errorf("error replacing reuse queue: %w", err)
			}
			fmt.Print(body)
			return nil
		}

		body, err := apiClient.ReuseQueue(context.Background())
		if err != nil {
			return fmt.Errorf("error fetching reuse queue: %w", err)
		}
		fmt.Print(body)
		return nil
	},
}

// GetReportsCmd returns the reports command
func GetReportsCmd() *cobra.Command {
	return reportsCmd
}
