package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/errorcode7/egress-limiter/model"
)

func newTestReconciler(t *testing.T) (*Reconciler, Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		ManagedRoot:  filepath.Join(dir, "cgroup", "egress-limiter"),
		AnchorCgroup: filepath.Join(dir, "cgroup"),
		PinRoot:      filepath.Join(dir, "bpf", "egress-limiter"),
		RuntimeRoot:  filepath.Join(dir, "run"),
		ObjPath:      filepath.Join(dir, "limiter.o"),
	}
	return New(cfg), cfg
}

func TestResolveTarget_ExplicitPath(t *testing.T) {
	r, _ := newTestReconciler(t)
	path, err := r.resolveTarget(Target{Path: "/some/path"})
	if err != nil {
		t.Fatalf("resolveTarget() error = %v", err)
	}
	if path != "/some/path" {
		t.Errorf("path = %q, want %q", path, "/some/path")
	}
}

func TestResolveTarget_Last(t *testing.T) {
	r, cfg := newTestReconciler(t)
	if err := os.MkdirAll(cfg.RuntimeRoot, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	last := model.LastRule{Path: "/some/rule/path", Key: 42}
	if err := model.SaveJSON(r.lastRulePath(), &last); err != nil {
		t.Fatalf("SaveJSON() error = %v", err)
	}

	path, err := r.resolveTarget(Target{Last: true})
	if err != nil {
		t.Fatalf("resolveTarget() error = %v", err)
	}
	if path != "/some/rule/path" {
		t.Errorf("path = %q, want %q", path, "/some/rule/path")
	}
}

func TestResolveTarget_LastMissing(t *testing.T) {
	r, _ := newTestReconciler(t)
	if _, err := r.resolveTarget(Target{Last: true}); err == nil {
		t.Error("resolveTarget(Last) with no prior set expected error, got nil")
	}
}

func TestResolveTarget_Key(t *testing.T) {
	r, cfg := newTestReconciler(t)
	path, err := r.registry.EnsureRule(model.Rule{BucketSize: 1, RateBPS: 1})
	if err != nil {
		t.Fatalf("EnsureRule() error = %v", err)
	}
	entries, err := r.registry.Enumerate()
	if err != nil || len(entries) != 1 {
		t.Fatalf("Enumerate() = %+v, %v", entries, err)
	}

	got, err := r.resolveTarget(Target{Key: entries[0].Key})
	if err != nil {
		t.Fatalf("resolveTarget() error = %v", err)
	}
	if got != path {
		t.Errorf("path = %q, want %q", got, path)
	}
	_ = cfg
}

func TestResolveTarget_KeyNotFound(t *testing.T) {
	r, _ := newTestReconciler(t)
	if _, err := r.resolveTarget(Target{Key: model.RuleKey(999)}); err == nil {
		t.Error("resolveTarget(unknown key) expected error, got nil")
	}
}

func TestResolveTarget_NoSelector(t *testing.T) {
	r, _ := newTestReconciler(t)
	if _, err := r.resolveTarget(Target{}); err == nil {
		t.Error("resolveTarget(no selector) expected error, got nil")
	}
}

func TestUnset_NoopWhenNotUnderManagedRoot(t *testing.T) {
	r, _ := newTestReconciler(t)
	if _, err := os.Stat("/proc/self/cgroup"); os.IsNotExist(err) {
		t.Skip("skipping: /proc not available")
	}
	// The current test process is certainly not under this Reconciler's
	// freshly-created temp ManagedRoot, so Unset must be a no-op success.
	if err := r.Unset(context.Background(), os.Getpid()); err != nil {
		t.Fatalf("Unset() error = %v, want nil (no-op)", err)
	}
}

func TestList_EmptyManagedRoot(t *testing.T) {
	r, _ := newTestReconciler(t)
	statuses, err := r.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(statuses) != 0 {
		t.Errorf("List() = %+v, want empty", statuses)
	}
}

func TestList_CountsProcesses(t *testing.T) {
	r, _ := newTestReconciler(t)
	path, err := r.registry.EnsureRule(model.Rule{BucketSize: 10, RateBPS: 5})
	if err != nil {
		t.Fatalf("EnsureRule() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "cgroup.procs"), []byte("100\n200\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	statuses, err := r.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("List() = %+v, want 1 entry", statuses)
	}
	if statuses[0].ProcCount != 2 {
		t.Errorf("ProcCount = %d, want 2", statuses[0].ProcCount)
	}
	if statuses[0].Rule.RateBPS != 5 || statuses[0].Rule.BucketSize != 10 {
		t.Errorf("Rule = %+v, want {10 5}", statuses[0].Rule)
	}
}

func TestListPIDs(t *testing.T) {
	r, _ := newTestReconciler(t)
	path, err := r.registry.EnsureRule(model.Rule{BucketSize: 1, RateBPS: 1})
	if err != nil {
		t.Fatalf("EnsureRule() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "cgroup.procs"), []byte("111\n222\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	entries, err := r.ListPIDs()
	if err != nil {
		t.Fatalf("ListPIDs() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListPIDs() = %+v, want 2 entries", entries)
	}
	seen := map[int]bool{entries[0].PID: true, entries[1].PID: true}
	if !seen[111] || !seen[222] {
		t.Errorf("ListPIDs() pids = %+v, want 111 and 222", entries)
	}
}

func TestListBPF_DefaultsUnattached(t *testing.T) {
	r, _ := newTestReconciler(t)
	status := r.ListBPF()
	if status.Loaded {
		t.Error("ListBPF().Loaded = true on a fresh pin root")
	}
	if status.Mode != model.ModeLink {
		t.Errorf("ListBPF().Mode = %v, want %v (default)", status.Mode, model.ModeLink)
	}
}

func TestPurge_RemovesPinTreeAndGCsEmptyRules(t *testing.T) {
	r, cfg := newTestReconciler(t)

	if err := os.MkdirAll(cfg.PinRoot, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.PinRoot, "config_map"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	emptyPath, err := r.registry.EnsureRule(model.Rule{BucketSize: 1, RateBPS: 1})
	if err != nil {
		t.Fatalf("EnsureRule() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(emptyPath, "cgroup.procs"), []byte(""), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	removed, err := r.Purge(context.Background(), true)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Purge() removed = %d, want 1", removed)
	}
	if _, err := os.Stat(cfg.PinRoot); !os.IsNotExist(err) {
		t.Error("pin root still exists after Purge()")
	}
	if _, err := os.Stat(emptyPath); !os.IsNotExist(err) {
		t.Error("empty rule directory still exists after Purge()")
	}
}

func TestMove_CancelledWhileWaitingOnControlLock(t *testing.T) {
	r, cfg := newTestReconciler(t)
	if err := os.MkdirAll(cfg.RuntimeRoot, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	holder := flock.New(r.lockPath())
	if err := holder.Lock(); err != nil {
		t.Fatalf("holder.Lock() error = %v", err)
	}
	defer holder.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Move(ctx, os.Getpid(), Target{Path: "/some/path"})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Move() blocked on a held lock with a timing-out context expected error, got nil")
	}
	if elapsed > time.Second {
		t.Errorf("Move() took %v to give up on a cancelled context, want well under 1s", elapsed)
	}
}

func TestUnload_UnpinsMapsIdempotently(t *testing.T) {
	r, cfg := newTestReconciler(t)
	if err := os.MkdirAll(cfg.PinRoot, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.PinRoot, "config_map"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.PinRoot, "state_map"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := r.Unload(context.Background()); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.PinRoot, "config_map")); !os.IsNotExist(err) {
		t.Error("config_map pin still exists after Unload()")
	}
	if _, err := os.Stat(filepath.Join(cfg.PinRoot, "state_map")); !os.IsNotExist(err) {
		t.Error("state_map pin still exists after Unload()")
	}

	// Calling Unload again with nothing left to unpin is still success.
	if _, err := r.Unload(context.Background()); err != nil {
		t.Fatalf("second Unload() error = %v", err)
	}
}
