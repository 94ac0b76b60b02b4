package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clyro-labs/enroller/internal/types"
)

func init() {
	balanceCmd.AddCommand(creditBalanceCmd)

	creditBalanceCmd.Flags().Float64P("amount", "a", 0, "Amount to credit")
	creditBalanceCmd.Flags().StringP("note", "n", "", "Optional note for the credit")
	_ = creditBalanceCmd.MarkFlagRequired("amount")
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the ledger balance and capacity",
	RunE: func(_ *cobra.Command, _ []string) error {
		balance, err := apiClient.Balance(context.Background())
		if err != nil {
			return fmt.Errorf("error fetching balance: %w", err)
		}
		return printJSON(balance)
	},
}

var creditBalanceCmd = &cobra.Command{
	Use:   "credit",
	Short: "Top up the ledger balance",
	RunE: func(cmd *cobra.Command, _ []string) error {
		amount, _ := cmd.Flags().GetFloat64("amount")
		note, _ := cmd.Flags().GetString("note")

		balance, err := apiClient.Credit(context.Background(), types.CreditRequest{
			Amount: amount,
			Note:   note,
		})
		if err != nil {
			return fmt.Errorf("error crediting balance: %w", err)
		}
		return printJSON(balance)
	},
}

// GetBalanceCmd returns the balance command
func GetBalanceCmd() *cobra.Command {
	return balanceCmd
}
