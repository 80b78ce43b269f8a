// Package reconcile composes RuleRegistry, the Attacher, KernelObjectStore,
// and ProcessMover into the top-level operations exposed on the CLI: set,
// move, unset, reload, unload, purge, and the read-only list family. Every
// mutating operation serialises against other control-plane invocations
// with an advisory file lock, and is written to be safe to retry after a
// crash; the list family takes no lock.
package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cilium/ebpf"
	"github.com/gofrs/flock"

	"github.com/errorcode7/egress-limiter/attach"
	"github.com/errorcode7/egress-limiter/cgid"
	limerr "github.com/errorcode7/egress-limiter/errors"
	"github.com/errorcode7/egress-limiter/kernelobj"
	"github.com/errorcode7/egress-limiter/logging"
	"github.com/errorcode7/egress-limiter/model"
	"github.com/errorcode7/egress-limiter/process"
	"github.com/errorcode7/egress-limiter/rule"
)

// Config collects the filesystem paths a Reconciler operates against.
type Config struct {
	// ManagedRoot is the cgroup v2 directory owning rule directories,
	// e.g. /sys/fs/cgroup/egress-limiter.
	ManagedRoot string
	// AnchorCgroup is where the filter attaches, e.g. /sys/fs/cgroup.
	AnchorCgroup string
	// PinRoot is the bpffs directory holding the link/map pins, e.g.
	// /sys/fs/bpf/egress-limiter.
	PinRoot string
	// RuntimeRoot holds the control lock, last-rule pointer, and
	// per-PID original-cgroup records, e.g. /run/egress-limiter.
	RuntimeRoot string
	// ObjPath is the default compiled filter object path, used when an
	// operation does not override it.
	ObjPath string
}

// Reconciler is the single entry point for every top-level command.
type Reconciler struct {
	cfg      Config
	registry *rule.Registry
	store    *kernelobj.Store
	attacher *attach.Attacher
	mover    *process.Mover
}

// New builds a Reconciler over cfg's paths.
func New(cfg Config) *Reconciler {
	store := kernelobj.New(cfg.PinRoot)
	return &Reconciler{
		cfg:      cfg,
		registry: rule.New(cfg.ManagedRoot),
		store:    store,
		attacher: attach.New(store, cfg.AnchorCgroup, cfg.ManagedRoot),
		mover:    process.New(cfg.RuntimeRoot),
	}
}

func (r *Reconciler) lockPath() string {
	return filepath.Join(r.cfg.RuntimeRoot, "lock")
}

func (r *Reconciler) lastRulePath() string {
	return filepath.Join(r.cfg.RuntimeRoot, "last_rule")
}

// lockRetryDelay is how often withLock polls for the control-plane
// flock while waiting on another invocation to release it.
const lockRetryDelay = 50 * time.Millisecond

// withLock ensures RuntimeRoot exists, acquires the control-plane flock,
// runs fn, and releases it. Concurrent reconcile invocations on the same
// host serialise here; the kernel's own map/attach operations remain
// individually atomic regardless. Acquisition honours ctx, so a command
// blocked waiting on another invocation's lock responds to SIGINT/SIGTERM
// instead of hanging until that invocation finishes.
func (r *Reconciler) withLock(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(r.cfg.RuntimeRoot, 0755); err != nil {
		return limerr.WrapWithTarget(err, limerr.KindPrecondition, "ensure runtime root", r.cfg.RuntimeRoot)
	}

	fl := flock.New(r.lockPath())
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return limerr.WrapWithTarget(err, limerr.KindKernelRefused, "acquire control lock", r.lockPath())
	}
	if !locked {
		return limerr.New(limerr.KindKernelRefused, "acquire control lock", "cancelled before lock was acquired")
	}
	defer fl.Unlock()

	return fn()
}

// Set ensures ManagedRoot and the rule directory for cfg exist, ensures
// the filter is loaded and attached in mode, writes the kernel config
// entry for the rule's key, records it as the LastRule, and optionally
// moves pid into the rule directory.
func (r *Reconciler) Set(ctx context.Context, pid int, cfg model.RuleConfig, mode model.AttachMode, objPath string) (rulePath string, key model.RuleKey, err error) {
	err = r.withLock(ctx, func() error {
		if objPath == "" {
			objPath = r.cfg.ObjPath
		}

		wanted := cfg.Rule()
		path, e := r.registry.EnsureRule(wanted)
		if e != nil {
			return e
		}
		rulePath = path

		loaded, e := r.attacher.EnsureLoaded(objPath, mode)
		if e != nil {
			if !limerr.IsKind(e, limerr.KindReconcileConflict) {
				return e
			}
			// Requested mode differs from what is currently attached:
			// resolve by detaching and reattaching in the requested
			// mode, then restoring every existing rule's config so the
			// mode switch is transparent to already-configured keys.
			logging.WithOperation(logging.FromContext(ctx), "set").Warn("attach mode conflict, reloading", "requested_mode", mode.String())
			r.attacher.DetachAll()
			loaded, e = r.attacher.EnsureLoaded(objPath, mode)
			if e != nil {
				return e
			}
			if _, e := r.registry.Backfill(kernelobj.ConfigWriter{Map: loaded.ConfigMap}); e != nil {
				loaded.Close()
				return e
			}
		}
		defer loaded.Close()

		k := cgid.Key(path)
		if !k.Valid() {
			return limerr.New(limerr.KindKernelRefused, "set", "rule directory has no valid cgroup key")
		}
		key = k

		writer := kernelobj.ConfigWriter{Map: loaded.ConfigMap}
		if e := writer.Put(key, wanted.RateBPS, wanted.BucketSize); e != nil {
			return e
		}

		last := model.LastRule{Path: path, Key: key}
		if e := model.SaveJSON(r.lastRulePath(), &last); e != nil {
			return e
		}

		if pid > 0 {
			if e := r.mover.MoveIntoManaged(pid, path); e != nil {
				return e
			}
		}

		log := logging.WithKey(logging.WithOperation(logging.FromContext(ctx), "set"), uint64(key))
		log.Info("rule applied", "path", path, "rate_bps", wanted.RateBPS, "bucket_size", wanted.BucketSize)
		return nil
	})
	return rulePath, key, err
}

// Target selects a move destination by exactly one of three means.
type Target struct {
	Path string
	Key  model.RuleKey
	Last bool
}

func (r *Reconciler) resolveTarget(t Target) (string, error) {
	switch {
	case t.Last:
		var last model.LastRule
		if err := model.LoadJSON(r.lastRulePath(), &last); err != nil {
			return "", limerr.WrapWithTarget(err, limerr.KindNotFound, "resolve last rule", r.lastRulePath())
		}
		return last.Path, nil
	case t.Key.Valid():
		entries, err := r.registry.Enumerate()
		if err != nil {
			return "", err
		}
		for _, e := range entries {
			if e.Key == t.Key {
				return e.Path, nil
			}
		}
		return "", limerr.New(limerr.KindNotFound, "resolve target", "no rule directory with that key")
	case t.Path != "":
		return t.Path, nil
	default:
		return "", limerr.New(limerr.KindRuleMalformed, "resolve target", "no selector provided")
	}
}

// Move resolves target and migrates pid into it, snapshotting its
// pre-limit cgroup if this is the first move for that PID.
func (r *Reconciler) Move(ctx context.Context, pid int, target Target) error {
	return r.withLock(ctx, func() error {
		path, err := r.resolveTarget(target)
		if err != nil {
			return err
		}
		if err := r.mover.MoveIntoManaged(pid, path); err != nil {
			return err
		}
		logging.WithPID(logging.WithOperation(logging.FromContext(ctx), "move"), pid).Info("pid moved", "path", path)
		return nil
	})
}

// Unset resolves pid's current cgroup v2 path; if it is not under
// ManagedRoot, this is a no-op. Otherwise it restores pid via
// ProcessMover. The rule directory, the filter and its kernel
// configuration are intentionally preserved, so a later Move with Last
// re-applies the same limit at zero cost.
func (r *Reconciler) Unset(ctx context.Context, pid int) error {
	return r.withLock(ctx, func() error {
		relPath, err := process.CurrentCgroupPath(pid)
		if err != nil {
			return err
		}

		fullPath := filepath.Clean(filepath.Join(r.cfg.AnchorCgroup, relPath))
		managedRoot := filepath.Clean(r.cfg.ManagedRoot)
		if fullPath != managedRoot && !strings.HasPrefix(fullPath, managedRoot+string(filepath.Separator)) {
			return nil
		}

		if err := r.mover.Restore(pid, r.cfg.AnchorCgroup); err != nil {
			return err
		}

		logging.WithPID(logging.WithOperation(logging.FromContext(ctx), "unset"), pid).Info("pid restored", "path", fullPath)
		return nil
	})
}

// Reload detaches the current attachment (if any), loads objPath fresh,
// and backfills the kernel config map from every enumerated rule
// directory. An empty objPath or mode reuses the configured default and
// the currently observed mode, respectively.
func (r *Reconciler) Reload(ctx context.Context, objPath string, mode model.AttachMode) (restored int, err error) {
	err = r.withLock(ctx, func() error {
		if objPath == "" {
			objPath = r.cfg.ObjPath
		}
		if mode == model.ModeUnknown {
			mode = r.attacher.CurrentMode()
		}

		r.attacher.DetachAll()

		loaded, e := r.attacher.EnsureLoaded(objPath, mode)
		if e != nil {
			return e
		}
		defer loaded.Close()

		n, e := r.registry.Backfill(kernelobj.ConfigWriter{Map: loaded.ConfigMap})
		if e != nil {
			return e
		}
		restored = n

		logging.WithOperation(logging.FromContext(ctx), "reload").Info("filter reloaded", "mode", mode.String(), "restored", restored)
		return nil
	})
	return restored, err
}

// Unload detaches every attachment of the expected program name and
// unpins the maps. Rule directories and per-PID records are untouched.
func (r *Reconciler) Unload(ctx context.Context) (detached int, err error) {
	err = r.withLock(ctx, func() error {
		n, _ := r.attacher.DetachAll()
		detached = n
		if e := kernelobj.Unpin(r.store.ConfigMapPin()); e != nil {
			return e
		}
		if e := kernelobj.Unpin(r.store.StateMapPin()); e != nil {
			return e
		}
		logging.WithOperation(logging.FromContext(ctx), "unload").Info("filter unloaded", "detached", detached)
		return nil
	})
	return detached, err
}

// Purge detaches at the anchor, removes the entire pin tree, and
// optionally garbage-collects empty rule directories. Rule directories
// that still hold processes are left alone.
func (r *Reconciler) Purge(ctx context.Context, gcEmpty bool) (removedRules int, err error) {
	err = r.withLock(ctx, func() error {
		r.attacher.DetachAll()
		if e := r.store.PurgeTree(); e != nil {
			return e
		}
		if gcEmpty {
			n, e := r.registry.GcEmpty()
			if e != nil {
				return e
			}
			removedRules = n
		}
		logging.WithOperation(logging.FromContext(ctx), "purge").Info("purged pin tree", "removed_rules", removedRules)
		return nil
	})
	return removedRules, err
}

// RuleStatus is one row of List's output.
type RuleStatus struct {
	Key       model.RuleKey
	Rule      model.Rule
	Path      string
	ProcCount int
}

// List enumerates every managed rule directory with its process count.
// Read-only: no side effects.
func (r *Reconciler) List() ([]RuleStatus, error) {
	entries, err := r.registry.Enumerate()
	if err != nil {
		return nil, err
	}

	statuses := make([]RuleStatus, 0, len(entries))
	for _, e := range entries {
		n, _ := countProcs(e.Path)
		statuses = append(statuses, RuleStatus{Key: e.Key, Rule: e.Rule, Path: e.Path, ProcCount: n})
	}
	return statuses, nil
}

// PIDEntry is one row of ListPIDs' output.
type PIDEntry struct {
	Key model.RuleKey
	PID int
}

// ListPIDs enumerates every PID currently inside a managed rule
// directory, alongside the directory's key.
func (r *Reconciler) ListPIDs() ([]PIDEntry, error) {
	entries, err := r.registry.Enumerate()
	if err != nil {
		return nil, err
	}

	var out []PIDEntry
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(e.Path, "cgroup.procs"))
		if err != nil {
			continue
		}
		for _, field := range strings.Fields(string(data)) {
			pid, err := strconv.Atoi(field)
			if err != nil {
				continue
			}
			out = append(out, PIDEntry{Key: e.Key, PID: pid})
		}
	}
	return out, nil
}

// BPFStatus reports whether the filter is currently attached at the
// anchor, in which mode, and (when available) the program's name and
// last-load time.
type BPFStatus struct {
	Loaded      bool
	Mode        model.AttachMode
	ProgramName string
	ProgramID   ebpf.ProgramID
	LoadedAt    time.Time
}

// ListBPF reports the current attachment state at the anchor cgroup,
// identifying the attached program by enumerating host-wide loaded
// programs and filtering by name, and dating it by the config map
// pin's modification time (rewritten on every load).
func (r *Reconciler) ListBPF() BPFStatus {
	status := BPFStatus{Loaded: r.attacher.IsLoaded(), Mode: r.attacher.CurrentMode()}
	if !status.Loaded {
		return status
	}

	if descs, err := kernelobj.EnumeratePrograms(); err == nil && len(descs) > 0 {
		status.ProgramName = descs[0].Name
		status.ProgramID = descs[0].ID
	}
	if t, err := r.store.ConfigMapPinModTime(); err == nil {
		status.LoadedAt = t
	}
	return status
}

func countProcs(path string) (int, error) {
	data, err := os.ReadFile(filepath.Join(path, "cgroup.procs"))
	if err != nil {
		return 0, err
	}
	return len(strings.Fields(string(data))), nil
}
