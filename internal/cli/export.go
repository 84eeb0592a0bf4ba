package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"waterfall-settlement/internal/app"
)

var (
	exportAgreementID string
	exportPNGPath     string
	exportCSVPath     string
	exportMaxPoints   int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an agreement's recovery history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportAgreementID == "" {
			return fmt.Errorf("--agreement is required")
		}

		opts := app.ExportOptions{
			AgreementID: exportAgreementID,
			PNGPath:     exportPNGPath,
			CSVPath:     exportCSVPath,
			MaxPoints:   exportMaxPoints,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportAgreementID, "agreement", "", "Agreement identifier")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
