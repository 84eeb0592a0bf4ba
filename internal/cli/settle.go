package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"waterfall-settlement/internal/app"
)

var (
	settleAgreementID string
	settleAmount      string
)

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Submit one hire payment and reconcile its distribution",
	RunE: func(cmd *cobra.Command, args []string) error {
		if settleAgreementID == "" {
			return fmt.Errorf("--agreement is required")
		}

		amount, err := decimal.NewFromString(settleAmount)
		if err != nil || amount.Sign() <= 0 {
			return fmt.Errorf("--amount must be a positive decimal in XRP")
		}

		opts := app.SettleOptions{
			AgreementID: settleAgreementID,
			Amount:      amount,
		}

		return getApp().Settle(cmd.Context(), opts)
	},
}

func init() {
	settleCmd.Flags().StringVar(&settleAgreementID, "agreement", "", "Agreement identifier")
	settleCmd.Flags().StringVar(&settleAmount, "amount", "", "Payment amount in XRP")
}
