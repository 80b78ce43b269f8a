// egress-limiter attaches an eBPF token-bucket filter to cgroup v2's
// egress hook and rate-limits individual cgroups by PID.
//
// Commands:
//
//	set     - Apply a rate limit rule, optionally moving a PID into it
//	move    - Migrate a PID into a rule
//	unset   - Revert a PID's rate limit
//	reload  - Detach and reattach the filter, preserving configuration
//	unload  - Detach and unpin the filter and its maps
//	list    - Enumerate managed rules
//	purge   - Full teardown
package main

import (
	"fmt"
	"os"

	"github.com/errorcode7/egress-limiter/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
