// Package kernelobj owns the bpffs namespace that pins the filter's
// kernel-resident objects: the attach link (when in link mode) and the
// two maps (rate_limit_config_map, rate_limit_state_map). All pin paths
// live under a single directory so that purge can remove the whole tree
// in one operation.
package kernelobj

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cilium/ebpf"

	limerr "github.com/errorcode7/egress-limiter/errors"
	"github.com/errorcode7/egress-limiter/model"
)

const (
	// ProgramName is the symbol the filter object must export.
	ProgramName = "limit_egress"
	// ConfigMapName is the BTF-defined config map in the filter object.
	ConfigMapName = "rate_limit_config_map"
	// StateMapName is the BTF-defined state map in the filter object.
	StateMapName = "rate_limit_state_map"

	linkPinFile   = "link"
	configPinFile = "config_map"
	statePinFile  = "state_map"
)

// RateLimitConfig mirrors the BPF struct rate_limit_config byte-for-byte.
// It exists only so Go code can read/write config map entries. There is
// no Go mirror of struct rate_limit_state, which is filter-owned.
type RateLimitConfig struct {
	RateBPS    uint64
	BucketSize uint64
}

// Store is the pin-directory handle for one host's filter deployment.
type Store struct {
	root string
}

// New returns a Store rooted at the given bpffs subdirectory, e.g.
// /sys/fs/bpf/egress-limiter.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the pin directory path.
func (s *Store) Root() string { return s.root }

// LinkPin returns the fixed path for the attach link pin.
func (s *Store) LinkPin() string { return filepath.Join(s.root, linkPinFile) }

// ConfigMapPin returns the fixed path for the config map pin.
func (s *Store) ConfigMapPin() string { return filepath.Join(s.root, configPinFile) }

// StateMapPin returns the fixed path for the state map pin.
func (s *Store) StateMapPin() string { return filepath.Join(s.root, statePinFile) }

// EnsureRoot creates the pin directory if absent.
func (s *Store) EnsureRoot() error {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return limerr.Wrap(err, limerr.KindPrecondition, "ensure pin directory")
	}
	return nil
}

// LinkPinned reports whether a link pin currently exists. This is the
// primary, most reliable signal the Attacher uses to detect link mode.
func (s *Store) LinkPinned() bool {
	_, err := os.Stat(s.LinkPin())
	return err == nil
}

// pinner is satisfied by *ebpf.Map, *ebpf.Program, and link.Link.
type pinner interface {
	Pin(string) error
}

// Pin pins obj at path with unlink-then-pin semantics, so a stale pin
// left over from a previous load is always replaced rather than
// rejected as already-existing.
func Pin(obj pinner, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return limerr.WrapWithTarget(err, limerr.KindKernelRefused, "remove stale pin", path)
	}
	if err := obj.Pin(path); err != nil {
		return limerr.WrapWithTarget(err, limerr.KindKernelRefused, "pin", path)
	}
	return nil
}

// Unpin removes path if present. Idempotent: a missing pin is success.
func Unpin(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return limerr.WrapWithTarget(err, limerr.KindKernelRefused, "unpin", path)
	}
	return nil
}

// OpenPinnedConfigMap opens the pinned config map, or KindNotFound if no
// pin exists at the expected path.
func (s *Store) OpenPinnedConfigMap() (*ebpf.Map, error) {
	m, err := ebpf.LoadPinnedMap(s.ConfigMapPin(), nil)
	if err != nil {
		return nil, limerr.WrapWithTarget(err, limerr.KindNotFound, "open pinned config map", s.ConfigMapPin())
	}
	return m, nil
}

// OpenPinnedStateMap opens the pinned state map, or KindNotFound if no
// pin exists at the expected path.
func (s *Store) OpenPinnedStateMap() (*ebpf.Map, error) {
	m, err := ebpf.LoadPinnedMap(s.StateMapPin(), nil)
	if err != nil {
		return nil, limerr.WrapWithTarget(err, limerr.KindNotFound, "open pinned state map", s.StateMapPin())
	}
	return m, nil
}

// ConfigWriter adapts a live config map to rule.ConfigWriter, so
// RuleRegistry.Backfill can push every enumerated rule straight into the
// kernel map without knowing about *ebpf.Map.
type ConfigWriter struct {
	Map *ebpf.Map
}

// Put writes RuleConfig[key] = {rate, bucket}. Returns KindNotFound if
// Map is nil, matching Backfill's "no map yet" skip contract.
func (w ConfigWriter) Put(key model.RuleKey, rate, bucket uint64) error {
	if w.Map == nil {
		return limerr.New(limerr.KindNotFound, "put config", "config map not open")
	}
	k := uint64(key)
	v := RateLimitConfig{RateBPS: rate, BucketSize: bucket}
	if err := w.Map.Put(&k, &v); err != nil {
		return limerr.WrapWithTarget(err, limerr.KindKernelRefused, "put config", key.String())
	}
	return nil
}

// ProgramDesc describes one host-wide loaded program matching
// ProgramName, as surfaced by EnumeratePrograms.
type ProgramDesc struct {
	ID   ebpf.ProgramID
	Tag  string
	Name string
}

// EnumeratePrograms walks every BPF program currently loaded on the
// host (via the kernel's program-id iterator, the same mechanism
// bpftool uses) and returns the ones exporting ProgramName. This is
// how list --bpf finds the filter without needing its own handle onto
// it, mirroring the original tool's use of bpf_prog_get_next_id plus a
// name filter instead of shelling out to bpftool.
func EnumeratePrograms() ([]ProgramDesc, error) {
	var out []ProgramDesc
	var id ebpf.ProgramID
	for {
		next, err := ebpf.ProgramGetNextID(id)
		if err != nil {
			break
		}
		id = next

		prog, err := ebpf.NewProgramFromID(id)
		if err != nil {
			continue
		}
		info, err := prog.Info()
		prog.Close()
		if err != nil {
			continue
		}
		if info.Name != ProgramName {
			continue
		}
		out = append(out, ProgramDesc{ID: id, Tag: info.Tag, Name: info.Name})
	}
	return out, nil
}

// ConfigMapPinModTime returns the modification time of the config map
// pin, which is rewritten by Pin every time the filter is (re)loaded.
// In the absence of a wall-clock load timestamp from the kernel's
// program info, this pin's mtime is the closest faithful stand-in for
// "when was the filter last loaded" available without combining
// boot-relative kernel timers with wall-clock time.
func (s *Store) ConfigMapPinModTime() (time.Time, error) {
	fi, err := os.Stat(s.ConfigMapPin())
	if err != nil {
		return time.Time{}, limerr.WrapWithTarget(err, limerr.KindNotFound, "stat config map pin", s.ConfigMapPin())
	}
	return fi.ModTime(), nil
}

// PurgeTree removes the entire pin directory, regardless of its
// contents. Used by Reconciler.Purge to guarantee pin-tree atomicity
// (testable property 7): nothing under root survives.
func (s *Store) PurgeTree() error {
	if err := os.RemoveAll(s.root); err != nil {
		return limerr.Wrap(err, limerr.KindKernelRefused, "purge pin tree")
	}
	return nil
}
