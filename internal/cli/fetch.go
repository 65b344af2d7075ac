package cli

import (
	"github.com/spf13/cobra"

	"torn-market-watcher/internal/app"
)

var (
	fetchItemID   int64
	fetchSellerID int64
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Probe the upstream API for current listings",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.FetchOptions{
			ItemID:   fetchItemID,
			SellerID: fetchSellerID,
		}
		return getApp().Fetch(cmd.Context(), opts)
	},
}

func init() {
	fetchCmd.Flags().Int64Var(&fetchItemID, "item", 0, "Item id to fetch market listings for")
	fetchCmd.Flags().Int64Var(&fetchSellerID, "seller", 0, "Seller id to fetch bazaar listings for")
}
