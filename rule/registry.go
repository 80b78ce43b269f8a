// Package rule materialises rules as cgroup directories under a managed
// root, named by the bucket_<B>_rate_<R> grammar that doubles as their
// on-disk configuration. Adapted from the OCI cgroup directory lifecycle
// in linux/cgroup.go, generalized so the directory name itself encodes
// the rule instead of being an opaque container id.
package rule

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/errorcode7/egress-limiter/cgid"
	limerr "github.com/errorcode7/egress-limiter/errors"
	"github.com/errorcode7/egress-limiter/model"
)

var dirNamePattern = regexp.MustCompile(`^bucket_([0-9]+)_rate_([0-9]+)$`)

// Registry materialises and enumerates rule directories under root.
type Registry struct {
	root string
}

// New returns a Registry rooted at the given managed cgroup directory,
// e.g. /sys/fs/cgroup/egress-limiter.
func New(root string) *Registry {
	return &Registry{root: root}
}

// Root returns the managed root path.
func (r *Registry) Root() string { return r.root }

// Entry is one enumerated rule: its path, key, and parsed (bucket, rate).
type Entry struct {
	Path string
	Key  model.RuleKey
	Rule model.Rule
}

// EnsureRule creates (or reuses) the directory for rule and returns its
// path. Idempotent: calling twice with the same rule yields the same
// path and does not error if the directory already exists.
func (r *Registry) EnsureRule(rule model.Rule) (string, error) {
	if rule.RateBPS == 0 || rule.BucketSize == 0 {
		return "", limerr.New(limerr.KindRuleMalformed, "ensure rule", "rate and bucket must be non-zero")
	}

	if err := os.MkdirAll(r.root, 0755); err != nil {
		return "", limerr.WrapWithTarget(err, limerr.KindPrecondition, "ensure managed root", r.root)
	}

	path := filepath.Join(r.root, rule.DirName())
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", limerr.WrapWithTarget(err, limerr.KindKernelRefused, "ensure rule directory", path)
	}
	return path, nil
}

// Enumerate returns one Entry per well-formed child directory of root.
// Malformed names (wrong grammar, hidden entries, non-directories) are
// silently skipped, matching the original tool's sscanf-based filter.
func (r *Registry) Enumerate() ([]Entry, error) {
	dirEntries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, limerr.WrapWithTarget(err, limerr.KindKernelRefused, "enumerate managed root", r.root)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if de.Name()[0] == '.' || !de.IsDir() {
			continue
		}
		rule, ok := parseDirName(de.Name())
		if !ok {
			continue
		}
		path := filepath.Join(r.root, de.Name())
		key := cgid.Key(path)
		if !key.Valid() {
			continue
		}
		entries = append(entries, Entry{Path: path, Key: key, Rule: rule})
	}
	return entries, nil
}

// parseDirName parses the bucket_<B>_rate_<R> grammar, rejecting
// anything that does not match exactly.
func parseDirName(name string) (model.Rule, bool) {
	m := dirNamePattern.FindStringSubmatch(name)
	if m == nil {
		return model.Rule{}, false
	}
	bucket, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return model.Rule{}, false
	}
	rate, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return model.Rule{}, false
	}
	if bucket == 0 || rate == 0 {
		return model.Rule{}, false
	}
	return model.Rule{BucketSize: bucket, RateBPS: rate}, true
}

// ConfigWriter is satisfied by anything that can push a RuleKey ->
// RateLimitConfig entry into the kernel config map.
type ConfigWriter interface {
	Put(key model.RuleKey, rate, bucket uint64) error
}

// Backfill writes RuleConfig[key] = {R, B} for every enumerated rule.
// Skips silently if no rules exist yet (first-load case) or if w
// reports the map itself is absent.
func (r *Registry) Backfill(w ConfigWriter) (int, error) {
	entries, err := r.Enumerate()
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, e := range entries {
		if err := w.Put(e.Key, e.Rule.RateBPS, e.Rule.BucketSize); err != nil {
			if limerr.IsKind(err, limerr.KindNotFound) {
				return restored, nil
			}
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// IsEmpty reports whether the cgroup at path has no processes, by
// opening cgroup.procs read-only and checking for EOF on the first
// read. This resolves the ambiguous fopen mode in the original
// implementation in favor of the read-only semantics the spec calls for.
func IsEmpty(path string) (bool, error) {
	f, err := os.Open(filepath.Join(path, "cgroup.procs"))
	if err != nil {
		return false, limerr.WrapWithTarget(err, limerr.KindKernelRefused, "open cgroup.procs", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	return !scanner.Scan(), nil
}

// GcEmpty removes every enumerated rule directory whose cgroup is
// empty. Returns the number removed. Non-empty directories and any rule
// directory that fails an emptiness check are left alone.
func (r *Registry) GcEmpty() (int, error) {
	entries, err := r.Enumerate()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		empty, err := IsEmpty(e.Path)
		if err != nil || !empty {
			continue
		}
		if err := os.RemoveAll(e.Path); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Remove deletes the rule directory at path. Callers must ensure it is
// empty first; cgroup v2 refuses to rmdir a populated directory.
func (r *Registry) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return limerr.WrapWithTarget(err, limerr.KindKernelRefused, "remove rule directory", path)
	}
	return nil
}

// DirNameFor is a convenience wrapper matching make_rule_dirname's
// signature shape for callers that only need the name, not the path.
func DirNameFor(bucket, rate uint64) string {
	return fmt.Sprintf("bucket_%d_rate_%d", bucket, rate)
}
