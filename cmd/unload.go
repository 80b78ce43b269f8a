package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var unloadCmd = &cobra.Command{
	Use:   "unload",
	Short: "Detach and unpin the filter and its maps, preserving rule directories",
	Args:  cobra.NoArgs,
	RunE:  runUnload,
}

func init() {
	rootCmd.AddCommand(unloadCmd)
}

func runUnload(cmd *cobra.Command, args []string) error {
	r := newReconciler()
	detached, err := r.Unload(GetContext())
	if err != nil {
		return err
	}
	fmt.Printf("detached %d attachment(s)\n", detached)
	return nil
}
