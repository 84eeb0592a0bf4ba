package cli

import (
	"github.com/spf13/cobra"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "在内存中演示完整的瀑布式分账流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Demo(cmd.Context())
	},
}
