package cli

import (
	"github.com/spf13/cobra"
)

var cartCmd = &cobra.Command{
	Use:   "cart",
	Short: "Show or clear the local cart",
}

var cartShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the cart",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, release := openCart(cmd.Context())
		defer release()

		items, err := store.Items(cmd.Context())
		if err != nil {
			return err
		}
		if outputJSON {
			return printResult(items)
		}
		writeCart(cmd.OutOrStdout(), items)
		return nil
	},
}

var cartClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty the cart",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, release := openCart(cmd.Context())
		defer release()
		return store.Clear(cmd.Context())
	},
}

func init() {
	cartCmd.AddCommand(cartShowCmd)
	cartCmd.AddCommand(cartClearCmd)
}
