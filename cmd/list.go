package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	listPIDs bool
	listBPF  bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Enumerate managed rules",
	Long:  `Enumerate managed rules with process counts, or switch to --pid or --bpf for a narrower view.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().BoolVar(&listPIDs, "pid", false, "list cgroup_id/pid pairs instead of rule summaries")
	listCmd.Flags().BoolVar(&listBPF, "bpf", false, "show the filter's current attach status instead of rule summaries")
}

func runList(cmd *cobra.Command, args []string) error {
	if listPIDs && listBPF {
		return fmt.Errorf("--pid and --bpf are mutually exclusive")
	}

	r := newReconciler()

	switch {
	case listPIDs:
		entries, err := r.ListPIDs()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "CGROUP_ID\tPID")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%d\n", e.Key, e.PID)
		}
		return w.Flush()

	case listBPF:
		status := r.ListBPF()
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "LOADED\tMODE\tPROGRAM\tLOADED_AT")
		name := status.ProgramName
		if name == "" {
			name = "-"
		}
		loadedAt := "-"
		if !status.LoadedAt.IsZero() {
			loadedAt = status.LoadedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%t\t%s\t%s\t%s\n", status.Loaded, status.Mode, name, loadedAt)
		return w.Flush()

	default:
		statuses, err := r.List()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "CGROUP_ID\tRATE_BPS\tBUCKET\tPROCS\tPATH")
		for _, s := range statuses {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", s.Key, s.Rule.RateBPS, s.Rule.BucketSize, s.ProcCount, s.Path)
		}
		return w.Flush()
	}
}
