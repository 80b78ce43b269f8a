// Package cgid derives the stable per-rule key used to index the BPF
// configuration and state maps: the inode number of a cgroup v2
// directory.
//
// Cgroup v2 directories carry a kernel-unique inode that the kernel
// itself surfaces to BPF programs as the cgroup id via bpf_get_current_cgroup_id
// and the cgroup-keyed skb helpers. Deriving the map key from the same
// inode means no separate allocation table is ever needed: the key lives
// and dies with the directory.
package cgid

import (
	"os"
	"syscall"

	"github.com/errorcode7/egress-limiter/model"
)

// Key returns the rule key for the cgroup v2 directory at path. It
// returns 0 on any I/O error — 0 is reserved and is never a valid key.
func Key(path string) model.RuleKey {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return model.RuleKey(stat.Ino)
}

// Stable reports whether the key currently derived from path still
// matches want. Used to confirm a rule directory has not been deleted
// and recreated out from under a cached key.
func Stable(path string, want model.RuleKey) bool {
	return Key(path) == want
}
