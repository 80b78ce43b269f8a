package rule

import (
	"os"
	"path/filepath"
	"testing"

	limerr "github.com/errorcode7/egress-limiter/errors"
	"github.com/errorcode7/egress-limiter/model"
)

func TestEnsureRule_Idempotent(t *testing.T) {
	root := t.TempDir()
	r := New(root)

	rule := model.Rule{BucketSize: 1048576, RateBPS: 131072}

	path1, err := r.EnsureRule(rule)
	if err != nil {
		t.Fatalf("EnsureRule() error = %v", err)
	}
	path2, err := r.EnsureRule(rule)
	if err != nil {
		t.Fatalf("second EnsureRule() error = %v", err)
	}
	if path1 != path2 {
		t.Errorf("paths differ across calls: %q vs %q", path1, path2)
	}

	want := filepath.Join(root, "bucket_1048576_rate_131072")
	if path1 != want {
		t.Errorf("path = %q, want %q", path1, want)
	}
}

func TestEnsureRule_RejectsZeroValues(t *testing.T) {
	r := New(t.TempDir())
	tests := []model.Rule{
		{BucketSize: 0, RateBPS: 100},
		{BucketSize: 100, RateBPS: 0},
	}
	for _, rule := range tests {
		if _, err := r.EnsureRule(rule); err == nil {
			t.Errorf("EnsureRule(%+v) expected error, got nil", rule)
		}
	}
}

func TestEnumerate_SkipsMalformedEntries(t *testing.T) {
	root := t.TempDir()
	r := New(root)

	good := filepath.Join(root, "bucket_1048576_rate_131072")
	if err := os.MkdirAll(good, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	bad := []string{
		"not_a_rule_dir",
		"bucket_rate_",
		"bucket_abc_rate_123",
		".hidden_bucket_1_rate_1",
	}
	for _, name := range bad {
		if err := os.MkdirAll(filepath.Join(root, name), 0755); err != nil {
			t.Fatalf("MkdirAll(%q) error = %v", name, err)
		}
	}
	// A file (not a directory) matching the grammar must also be skipped.
	if err := os.WriteFile(filepath.Join(root, "bucket_2_rate_2"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	entries, err := r.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Enumerate() returned %d entries, want 1: %+v", len(entries), entries)
	}
	if entries[0].Path != good {
		t.Errorf("entry path = %q, want %q", entries[0].Path, good)
	}
	if entries[0].Rule.BucketSize != 1048576 || entries[0].Rule.RateBPS != 131072 {
		t.Errorf("entry rule = %+v, want {1048576 131072}", entries[0].Rule)
	}
}

func TestEnumerate_MissingRoot(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "does-not-exist"))
	entries, err := r.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate() on missing root error = %v, want nil", err)
	}
	if len(entries) != 0 {
		t.Errorf("Enumerate() on missing root returned %d entries, want 0", len(entries))
	}
}

type fakeConfigWriter struct {
	entries map[model.RuleKey][2]uint64
	notFound bool
}

func (f *fakeConfigWriter) Put(key model.RuleKey, rate, bucket uint64) error {
	if f.notFound {
		return limerr.New(limerr.KindNotFound, "put config", "map not pinned")
	}
	if f.entries == nil {
		f.entries = make(map[model.RuleKey][2]uint64)
	}
	f.entries[key] = [2]uint64{rate, bucket}
	return nil
}

func TestBackfill_WritesEveryEnumeratedRule(t *testing.T) {
	root := t.TempDir()
	r := New(root)

	rule := model.Rule{BucketSize: 1048576, RateBPS: 131072}
	path, err := r.EnsureRule(rule)
	if err != nil {
		t.Fatalf("EnsureRule() error = %v", err)
	}

	w := &fakeConfigWriter{}
	n, err := r.Backfill(w)
	if err != nil {
		t.Fatalf("Backfill() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Backfill() restored = %d, want 1", n)
	}

	entries, _ := r.Enumerate()
	got := w.entries[entries[0].Key]
	if got[0] != rule.RateBPS || got[1] != rule.BucketSize {
		t.Errorf("written config = %v, want {%d %d}", got, rule.RateBPS, rule.BucketSize)
	}
	_ = path
}

func TestBackfill_SkipsSilentlyWhenMapAbsent(t *testing.T) {
	root := t.TempDir()
	r := New(root)
	if _, err := r.EnsureRule(model.Rule{BucketSize: 1, RateBPS: 1}); err != nil {
		t.Fatalf("EnsureRule() error = %v", err)
	}

	w := &fakeConfigWriter{notFound: true}
	n, err := r.Backfill(w)
	if err != nil {
		t.Fatalf("Backfill() error = %v, want nil on map-absent", err)
	}
	if n != 0 {
		t.Errorf("Backfill() restored = %d, want 0", n)
	}
}

func TestIsEmpty(t *testing.T) {
	dir := t.TempDir()
	procs := filepath.Join(dir, "cgroup.procs")

	if err := os.WriteFile(procs, []byte(""), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	empty, err := IsEmpty(dir)
	if err != nil {
		t.Fatalf("IsEmpty() error = %v", err)
	}
	if !empty {
		t.Error("IsEmpty() = false for an empty cgroup.procs")
	}

	if err := os.WriteFile(procs, []byte("1234\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	empty, err = IsEmpty(dir)
	if err != nil {
		t.Fatalf("IsEmpty() error = %v", err)
	}
	if empty {
		t.Error("IsEmpty() = true for a populated cgroup.procs")
	}
}

func TestGcEmpty_RemovesOnlyEmptyRules(t *testing.T) {
	root := t.TempDir()
	r := New(root)

	emptyPath, err := r.EnsureRule(model.Rule{BucketSize: 1, RateBPS: 1})
	if err != nil {
		t.Fatalf("EnsureRule() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(emptyPath, "cgroup.procs"), []byte(""), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	busyPath, err := r.EnsureRule(model.Rule{BucketSize: 2, RateBPS: 2})
	if err != nil {
		t.Fatalf("EnsureRule() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(busyPath, "cgroup.procs"), []byte("42\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	n, err := r.GcEmpty()
	if err != nil {
		t.Fatalf("GcEmpty() error = %v", err)
	}
	if n != 1 {
		t.Errorf("GcEmpty() removed = %d, want 1", n)
	}
	if _, err := os.Stat(emptyPath); !os.IsNotExist(err) {
		t.Error("empty rule directory still exists after GcEmpty()")
	}
	if _, err := os.Stat(busyPath); err != nil {
		t.Error("busy rule directory was removed by GcEmpty()")
	}
}
