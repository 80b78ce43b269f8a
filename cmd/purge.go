package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var purgeGCEmpty bool

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Full teardown: detach the filter, unpin everything under the pin root",
	Args:  cobra.NoArgs,
	RunE:  runPurge,
}

func init() {
	rootCmd.AddCommand(purgeCmd)

	purgeCmd.Flags().BoolVar(&purgeGCEmpty, "gc", false, "also remove empty rule directories")
}

func runPurge(cmd *cobra.Command, args []string) error {
	r := newReconciler()
	removed, err := r.Purge(GetContext(), purgeGCEmpty)
	if err != nil {
		return err
	}
	if purgeGCEmpty {
		fmt.Printf("purged filter, removed %d empty rule director(ies)\n", removed)
	} else {
		fmt.Println("purged filter")
	}
	return nil
}
