package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"waterfall-settlement/internal/app"
)

var (
	resumeAgreementID string
	resumeTxRef       string
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Re-drive confirmation for a pending settlement",
	RunE: func(cmd *cobra.Command, args []string) error {
		if resumeAgreementID == "" || resumeTxRef == "" {
			return fmt.Errorf("--agreement and --tx-ref are required")
		}

		opts := app.ResumeOptions{
			AgreementID: resumeAgreementID,
			SourceTxRef: resumeTxRef,
		}

		return getApp().Resume(cmd.Context(), opts)
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeAgreementID, "agreement", "", "Agreement identifier")
	resumeCmd.Flags().StringVar(&resumeTxRef, "tx-ref", "", "Source transaction hash of the pending settlement")
}
