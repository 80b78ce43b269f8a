package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var unsetPID int

var unsetCmd = &cobra.Command{
	Use:   "unset",
	Short: "Revert a PID's rate limit, restoring its original cgroup",
	Args:  cobra.NoArgs,
	RunE:  runUnset,
}

func init() {
	rootCmd.AddCommand(unsetCmd)

	unsetCmd.Flags().IntVar(&unsetPID, "pid", 0, "process to restore (required)")
	unsetCmd.MarkFlagRequired("pid")
}

func runUnset(cmd *cobra.Command, args []string) error {
	r := newReconciler()
	if err := r.Unset(GetContext(), unsetPID); err != nil {
		return err
	}
	fmt.Printf("unset pid %d\n", unsetPID)
	return nil
}
