package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/errorcode7/egress-limiter/model"
)

var (
	setPID    int
	setRate   string
	setBucket string
	setMode   string
	setObject string
)

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Apply a rate limit rule, optionally moving a PID into it",
	Args:  cobra.NoArgs,
	RunE:  runSet,
}

func init() {
	rootCmd.AddCommand(setCmd)

	setCmd.Flags().IntVar(&setPID, "pid", 0, "process to move into the rule (optional)")
	setCmd.Flags().StringVar(&setRate, "rate", "", "sustained rate, e.g. 1m, 524288 (required)")
	setCmd.Flags().StringVar(&setBucket, "bucket", "", "token bucket capacity (defaults to rate)")
	setCmd.Flags().StringVar(&setMode, "mode", "link", "attach mode: link or direct")
	setCmd.Flags().StringVar(&setObject, "object", "", "override the default filter object path")
	setCmd.MarkFlagRequired("rate")
}

func runSet(cmd *cobra.Command, args []string) error {
	rate, err := parseSize(setRate)
	if err != nil {
		return err
	}
	var bucket uint64
	if setBucket != "" {
		bucket, err = parseSize(setBucket)
		if err != nil {
			return err
		}
	}
	mode, err := model.ParseAttachMode(setMode)
	if err != nil {
		return err
	}

	r := newReconciler()
	path, key, err := r.Set(GetContext(), setPID, model.RuleConfig{RateBPS: rate, BucketSize: bucket}, mode, setObject)
	if err != nil {
		return err
	}

	fmt.Printf("rule applied: %s (key=%s)\n", path, key)
	if setPID <= 0 {
		fmt.Println("hint: use 'egress-limiter move --key", key, "--pid <PID>' to apply it to a process")
	}
	return nil
}
