package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/errorcode7/egress-limiter/model"
)

var (
	reloadObject string
	reloadMode   string
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Detach and reattach the filter, preserving rule configuration",
	Args:  cobra.NoArgs,
	RunE:  runReload,
}

func init() {
	rootCmd.AddCommand(reloadCmd)

	reloadCmd.Flags().StringVar(&reloadObject, "object", "", "override the default filter object path")
	reloadCmd.Flags().StringVar(&reloadMode, "mode", "", "attach mode: link or direct (defaults to the current mode)")
}

func runReload(cmd *cobra.Command, args []string) error {
	mode := model.ModeUnknown
	if reloadMode != "" {
		var err error
		mode, err = model.ParseAttachMode(reloadMode)
		if err != nil {
			return err
		}
	}

	r := newReconciler()
	restored, err := r.Reload(GetContext(), reloadObject, mode)
	if err != nil {
		return err
	}

	fmt.Printf("reloaded filter, restored %d rule(s)\n", restored)
	return nil
}
