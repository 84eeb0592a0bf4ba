package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"waterfall-settlement/internal/app"
)

var (
	previewAgreementID string
	previewAmount      string
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Compute the distribution plan for an amount without paying",
	RunE: func(cmd *cobra.Command, args []string) error {
		if previewAgreementID == "" {
			return fmt.Errorf("--agreement is required")
		}

		amount, err := decimal.NewFromString(previewAmount)
		if err != nil || amount.Sign() <= 0 {
			return fmt.Errorf("--amount must be a positive decimal in XRP")
		}

		opts := app.SettleOptions{
			AgreementID: previewAgreementID,
			Amount:      amount,
		}

		return getApp().Preview(cmd.Context(), opts)
	},
}

func init() {
	previewCmd.Flags().StringVar(&previewAgreementID, "agreement", "", "Agreement identifier")
	previewCmd.Flags().StringVar(&previewAmount, "amount", "", "Payment amount in XRP")
}
