// Package model defines the data types shared across the egress-limiter
// control plane: rule configuration, attach mode, and the on-disk records
// the reconciler persists between invocations.
package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AppName names this tool; it anchors every filesystem default
// (ManagedRoot, PinRoot, RuntimeRoot) under a path fragment of the
// same name.
const AppName = "egress-limiter"

// RuleKey identifies a managed cgroup by its directory inode number. It is
// the key of the BPF config/state map entries; the rule directory name
// itself carries only the bucket and rate. Zero is reserved and never a
// valid key.
type RuleKey uint64

// Valid reports whether k is a non-zero, usable key.
func (k RuleKey) Valid() bool {
	return k != 0
}

// String renders the key in decimal.
func (k RuleKey) String() string {
	return fmt.Sprintf("%d", uint64(k))
}

// Rule is the rate-limit configuration applied to a single cgroup.
type Rule struct {
	// BucketSize is the token bucket capacity, in bytes.
	BucketSize uint64
	// RateBPS is the sustained refill rate, in bytes per second.
	RateBPS uint64
}

// DirName renders the rule directory name grammar: bucket_<B>_rate_<R>.
func (r Rule) DirName() string {
	return fmt.Sprintf("bucket_%d_rate_%d", r.BucketSize, r.RateBPS)
}

// RuleConfig is the user-supplied configuration for a set operation, prior
// to being resolved into a Rule and RuleKey.
type RuleConfig struct {
	// RateBPS is the requested sustained rate, in bytes per second.
	RateBPS uint64
	// BucketSize is the requested bucket capacity, in bytes. If zero, the
	// caller should default it to RateBPS (a one-second burst).
	BucketSize uint64
}

// Rule converts the config into a Rule, defaulting BucketSize to RateBPS
// when unset.
func (c RuleConfig) Rule() Rule {
	bucket := c.BucketSize
	if bucket == 0 {
		bucket = c.RateBPS
	}
	return Rule{BucketSize: bucket, RateBPS: c.RateBPS}
}

// AttachMode selects how the filter program is attached to cgroups.
type AttachMode int

const (
	// ModeUnknown is the zero value, meaning no attachment has been observed.
	ModeUnknown AttachMode = iota
	// ModeLink attaches via a pinned bpf_link, surviving process restarts
	// without re-running bpf_prog_attach.
	ModeLink
	// ModeDirect attaches via bpf_prog_attach with BPF_F_ALLOW_MULTI and is
	// torn down when the owning process exits unless otherwise persisted.
	ModeDirect
)

// String renders the attach mode for logs and CLI output.
func (m AttachMode) String() string {
	switch m {
	case ModeLink:
		return "link"
	case ModeDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// ParseAttachMode parses a --mode flag value.
func ParseAttachMode(s string) (AttachMode, error) {
	switch s {
	case "link":
		return ModeLink, nil
	case "direct":
		return ModeDirect, nil
	default:
		return ModeUnknown, fmt.Errorf("unknown attach mode %q", s)
	}
}

// LastRule records the most recently set rule's cgroup path and key, so
// that `move --last` can target it without the caller repeating it.
type LastRule struct {
	Path string  `json:"path"`
	Key  RuleKey `json:"key"`
}

// OriginalCgroupRecord is the pre-move state of a process, saved so that
// unset can restore the process to where it came from. StartTimeTicks is
// read from field 22 of /proc/<pid>/stat and acts as a witness against PID
// reuse: if the live process's start time no longer matches, the PID has
// been recycled and the record must not be trusted.
type OriginalCgroupRecord struct {
	Path           string `json:"path"`
	StartTimeTicks uint64 `json:"start_time_ticks"`
}

// SaveJSON atomically writes v to path as indented JSON, using a temp file
// in the same directory plus a rename so a crash mid-write never leaves a
// truncated file behind.
func SaveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".record-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	success = true
	return nil
}

// LoadJSON reads and unmarshals v from path.
func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
