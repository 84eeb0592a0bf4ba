package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"waterfall-settlement/internal/app"
	"waterfall-settlement/internal/settlement"
)

var (
	agreementID           string
	agreementPrincipal    string
	agreementInterestRate string
	agreementSource       string
	agreementSourceSecret string
	agreementDistribution string
	agreementSenior       string
	agreementJunior       string
)

var agreementCmd = &cobra.Command{
	Use:   "create-agreement",
	Short: "Register a financing agreement",
	RunE: func(cmd *cobra.Command, args []string) error {
		principal, err := decimal.NewFromString(agreementPrincipal)
		if err != nil || principal.Sign() <= 0 {
			return fmt.Errorf("--principal must be a positive decimal")
		}

		rate, err := decimal.NewFromString(agreementInterestRate)
		if err != nil || rate.Sign() < 0 {
			return fmt.Errorf("--interest-rate must be a non-negative fraction, e.g. 0.10")
		}

		if agreementSource == "" || agreementSourceSecret == "" || agreementDistribution == "" ||
			agreementSenior == "" || agreementJunior == "" {
			return fmt.Errorf("--source, --source-secret, --distribution, --senior and --junior are all required")
		}

		id := agreementID
		if id == "" {
			id = uuid.NewString()
		}

		opts := app.CreateAgreementOptions{
			ID:           id,
			Principal:    principal,
			InterestRate: rate,
			Accounts: settlement.Accounts{
				Source:       agreementSource,
				SourceSecret: agreementSourceSecret,
				Distribution: agreementDistribution,
				Senior:       agreementSenior,
				Junior:       agreementJunior,
			},
		}

		return getApp().CreateAgreement(cmd.Context(), opts)
	},
}

func init() {
	agreementCmd.Flags().StringVar(&agreementID, "id", "", "Agreement identifier (random UUID when omitted)")
	agreementCmd.Flags().StringVar(&agreementPrincipal, "principal", "", "Financed principal in XRP")
	agreementCmd.Flags().StringVar(&agreementInterestRate, "interest-rate", "", "Interest rate as a fraction, e.g. 0.10")
	agreementCmd.Flags().StringVar(&agreementSource, "source", "", "Charterer (payer) account")
	agreementCmd.Flags().StringVar(&agreementSourceSecret, "source-secret", "", "Charterer account secret")
	agreementCmd.Flags().StringVar(&agreementDistribution, "distribution", "", "Distribution (hook) account")
	agreementCmd.Flags().StringVar(&agreementSenior, "senior", "", "Senior claimant (investor) account")
	agreementCmd.Flags().StringVar(&agreementJunior, "junior", "", "Junior claimant (shipowner) account")
}
