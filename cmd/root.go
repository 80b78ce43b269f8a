// Package cmd implements the CLI commands for egress-limiter.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/errorcode7/egress-limiter/logging"
	"github.com/errorcode7/egress-limiter/model"
	"github.com/errorcode7/egress-limiter/reconcile"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
)

// Global flags shared by every subcommand.
var (
	globalManagedRoot  string
	globalAnchorCgroup string
	globalPinRoot      string
	globalRuntimeRoot  string
	globalObjPath      string
	globalLog          string
	globalLogFormat    string
	globalDebug        bool
)

// rootCmd is the base command for egress-limiter.
var rootCmd = &cobra.Command{
	Use:   model.AppName,
	Short: "Per-cgroup egress bandwidth limiter",
	Long: `egress-limiter attaches an eBPF token-bucket filter to cgroup v2's
egress hook and lets you rate-limit individual cgroups by PID.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetContext returns a context that cancels on SIGINT/SIGTERM and
// carries the currently configured logger, so a reconcile operation
// cancelled mid-lock-wait logs through the same handler as everything
// else in the invocation.
func GetContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return logging.ContextWithLogger(ctx, logging.Default())
}

// reconcilerConfig builds a reconcile.Config from the global flags.
func reconcilerConfig() reconcile.Config {
	return reconcile.Config{
		ManagedRoot:  globalManagedRoot,
		AnchorCgroup: globalAnchorCgroup,
		PinRoot:      globalPinRoot,
		RuntimeRoot:  globalRuntimeRoot,
		ObjPath:      globalObjPath,
	}
}

// newReconciler returns a Reconciler configured from the global flags.
func newReconciler() *reconcile.Reconciler {
	return reconcile.New(reconcilerConfig())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalManagedRoot, "managed-root", "/sys/fs/cgroup/"+model.AppName,
		"cgroup v2 directory owning rule directories")
	rootCmd.PersistentFlags().StringVar(&globalAnchorCgroup, "anchor", "/sys/fs/cgroup",
		"cgroup v2 directory the filter attaches to")
	rootCmd.PersistentFlags().StringVar(&globalPinRoot, "pin-root", "/sys/fs/bpf/"+model.AppName,
		"bpffs directory holding the filter's pinned link and maps")
	rootCmd.PersistentFlags().StringVar(&globalRuntimeRoot, "runtime-root", "/run/"+model.AppName,
		"directory holding the control lock, last-rule pointer, and PID records")
	rootCmd.PersistentFlags().StringVar(&globalObjPath, "object", "/usr/lib/"+model.AppName+"/limiter.bpf.o",
		"path to the compiled filter object")
	rootCmd.PersistentFlags().StringVar(&globalLog, "log", "", "set the log file path")
	rootCmd.PersistentFlags().StringVar(&globalLogFormat, "log-format", "text", "set the format for log output (text or json)")
	rootCmd.PersistentFlags().BoolVar(&globalDebug, "debug", false, "enable debug logging")
}

func setupLogging() {
	var logOutput = os.Stderr
	if globalLog != "" {
		f, err := os.OpenFile(globalLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			logOutput = f
		}
	}

	logLevel := slog.LevelInfo
	if globalDebug {
		logLevel = slog.LevelDebug
	}

	if globalLogFormat == "json" || globalLog != "" {
		logger := logging.NewLogger(logging.Config{
			Level:  logLevel,
			Format: globalLogFormat,
			Output: logOutput,
		})
		logging.SetDefault(logger)
	}
}
