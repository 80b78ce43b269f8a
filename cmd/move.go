package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	limerr "github.com/errorcode7/egress-limiter/errors"
	"github.com/errorcode7/egress-limiter/model"
	"github.com/errorcode7/egress-limiter/reconcile"
)

var (
	movePID  int
	movePath string
	moveKey  string
	moveLast bool
)

var moveCmd = &cobra.Command{
	Use:   "move",
	Short: "Migrate a PID into a rule, by path, key, or the last rule set",
	Args:  cobra.NoArgs,
	RunE:  runMove,
}

func init() {
	rootCmd.AddCommand(moveCmd)

	moveCmd.Flags().IntVar(&movePID, "pid", 0, "process to migrate (required)")
	moveCmd.Flags().StringVar(&movePath, "path", "", "target rule directory path")
	moveCmd.Flags().StringVar(&moveKey, "key", "", "target rule directory's cgroup key")
	moveCmd.Flags().BoolVar(&moveLast, "last", false, "target the most recently set rule")
	moveCmd.MarkFlagRequired("pid")
}

func runMove(cmd *cobra.Command, args []string) error {
	target, err := parseMoveTarget()
	if err != nil {
		return err
	}

	r := newReconciler()
	if err := r.Move(GetContext(), movePID, target); err != nil {
		return err
	}

	fmt.Printf("moved pid %d\n", movePID)
	return nil
}

func parseMoveTarget() (reconcile.Target, error) {
	selected := 0
	if movePath != "" {
		selected++
	}
	if moveKey != "" {
		selected++
	}
	if moveLast {
		selected++
	}
	if selected != 1 {
		return reconcile.Target{}, limerr.New(limerr.KindRuleMalformed, "move",
			"exactly one of --path, --key, --last must be given")
	}

	if moveLast {
		return reconcile.Target{Last: true}, nil
	}
	if moveKey != "" {
		n, err := strconv.ParseUint(moveKey, 10, 64)
		if err != nil {
			return reconcile.Target{}, limerr.WrapWithDetail(err, limerr.KindRuleMalformed, "move", "invalid --key value")
		}
		return reconcile.Target{Key: model.RuleKey(n)}, nil
	}
	return reconcile.Target{Path: movePath}, nil
}
