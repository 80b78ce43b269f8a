// Package attach loads the filter object and attaches it to the anchor
// cgroup in one of two mutually exclusive modes, and detects which mode
// is currently in effect on the host.
package attach

import (
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"

	limerr "github.com/errorcode7/egress-limiter/errors"
	"github.com/errorcode7/egress-limiter/kernelobj"
	"github.com/errorcode7/egress-limiter/model"
)

// Attacher loads the filter program and manages its attachment to the
// anchor cgroup, persisting pins through a kernelobj.Store.
type Attacher struct {
	store       *kernelobj.Store
	anchorPath  string
	managedRoot string
}

// New returns an Attacher for the given pin store, anchor cgroup path
// (the cgroup v2 directory whose egress hook the filter attaches to),
// and managed root (the rule-directory tree whose descendants DetachAll
// must also sweep, since older direct-attach deployments may have left
// per-rule-directory attachments behind).
func New(store *kernelobj.Store, anchorPath, managedRoot string) *Attacher {
	return &Attacher{store: store, anchorPath: anchorPath, managedRoot: managedRoot}
}

// Loaded is the result of an EnsureLoaded or a fresh load: the live
// program and maps plus whatever link object resulted from link-mode
// attachment (nil in direct mode).
type Loaded struct {
	Program   *ebpf.Program
	ConfigMap *ebpf.Map
	StateMap  *ebpf.Map
	Link      link.Link
}

// Close releases the live handles. Pins on disk, if any, outlive this.
func (l *Loaded) Close() {
	if l == nil {
		return
	}
	if l.Link != nil {
		l.Link.Close()
	}
	if l.Program != nil {
		l.Program.Close()
	}
	if l.ConfigMap != nil {
		l.ConfigMap.Close()
	}
	if l.StateMap != nil {
		l.StateMap.Close()
	}
}

// EnsureLoaded attaches the filter from objPath in the requested mode.
// If the filter is already attached compatibly (IsLoaded and the mode
// matches), it is a no-op that still returns live handles onto the
// pinned maps. Otherwise it loads fresh copies of the program and maps,
// attaches in the requested mode, and pins everything.
func (a *Attacher) EnsureLoaded(objPath string, mode model.AttachMode) (*Loaded, error) {
	if a.IsLoaded() {
		current := a.CurrentMode()
		if current == mode {
			return a.openExisting()
		}
		// Mode mismatch: the caller (Reconciler) is responsible for
		// detaching first. EnsureLoaded never silently switches modes.
		return nil, limerr.New(limerr.KindReconcileConflict, "ensure loaded",
			"requested mode "+mode.String()+" differs from current mode "+current.String())
	}

	if err := a.store.EnsureRoot(); err != nil {
		return nil, err
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, limerr.WrapWithTarget(err, limerr.KindPrecondition, "load collection spec", objPath)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, limerr.Wrap(err, limerr.KindKernelRefused, "load collection")
	}

	prog := coll.Programs[kernelobj.ProgramName]
	if prog == nil {
		coll.Close()
		return nil, limerr.New(limerr.KindPrecondition, "load collection",
			"object does not export program "+kernelobj.ProgramName)
	}
	cfgMap := coll.Maps[kernelobj.ConfigMapName]
	stateMap := coll.Maps[kernelobj.StateMapName]
	if cfgMap == nil || stateMap == nil {
		coll.Close()
		return nil, limerr.New(limerr.KindPrecondition, "load collection",
			"object missing required maps")
	}

	result := &Loaded{Program: prog, ConfigMap: cfgMap, StateMap: stateMap}

	switch mode {
	case model.ModeLink:
		lnk, err := link.AttachCgroup(link.CgroupOptions{
			Path:    a.anchorPath,
			Attach:  ebpf.AttachCGroupInetEgress,
			Program: prog,
		})
		if err != nil {
			result.Close()
			return nil, limerr.WrapWithTarget(err, limerr.KindKernelRefused, "attach cgroup link", a.anchorPath)
		}
		if err := kernelobj.Pin(lnk, a.store.LinkPin()); err != nil {
			lnk.Close()
			result.Close()
			return nil, err
		}
		result.Link = lnk
	case model.ModeDirect:
		cgFd, err := openCgroupDir(a.anchorPath)
		if err != nil {
			result.Close()
			return nil, limerr.WrapWithTarget(err, limerr.KindPrecondition, "open anchor cgroup", a.anchorPath)
		}
		defer unix.Close(cgFd)
		if err := link.RawAttachProgram(link.RawAttachProgramOptions{
			Target:  cgFd,
			Program: prog,
			Attach:  ebpf.AttachCGroupInetEgress,
			Flags:   unix.BPF_F_ALLOW_MULTI,
		}); err != nil {
			result.Close()
			return nil, limerr.WrapWithTarget(err, limerr.KindKernelRefused, "attach cgroup direct", a.anchorPath)
		}
	default:
		result.Close()
		return nil, limerr.New(limerr.KindRuleMalformed, "ensure loaded", "unknown attach mode")
	}

	if err := kernelobj.Pin(cfgMap, a.store.ConfigMapPin()); err != nil {
		result.Close()
		return nil, err
	}
	if err := kernelobj.Pin(stateMap, a.store.StateMapPin()); err != nil {
		result.Close()
		return nil, err
	}

	return result, nil
}

// openExisting opens the pinned maps for a host that is already attached
// compatibly, without reloading the program.
func (a *Attacher) openExisting() (*Loaded, error) {
	cfgMap, err := a.store.OpenPinnedConfigMap()
	if err != nil {
		return nil, err
	}
	stateMap, err := a.store.OpenPinnedStateMap()
	if err != nil {
		cfgMap.Close()
		return nil, err
	}
	return &Loaded{ConfigMap: cfgMap, StateMap: stateMap}, nil
}

// IsLoaded reports whether the filter is attached at the anchor, either
// via a pinned link or a direct attach query.
func (a *Attacher) IsLoaded() bool {
	if a.store.LinkPinned() {
		return true
	}
	attached, err := a.queryAttached()
	if err != nil {
		return false
	}
	return len(attached) > 0
}

// CurrentMode returns the attach mode observed on the host. Per spec,
// the link pin is the primary signal; absent that, an attached program
// with an associated link id still counts as Link, and anything else
// attached counts as Direct. Unknown (nothing attached) defaults to
// Link.
func (a *Attacher) CurrentMode() model.AttachMode {
	if a.store.LinkPinned() {
		return model.ModeLink
	}

	attached, err := a.queryAttached()
	if err != nil || len(attached) == 0 {
		return model.ModeLink
	}
	for _, p := range attached {
		if p.LinkID != 0 {
			return model.ModeLink
		}
	}
	return model.ModeDirect
}

// queryAttached lists programs named ProgramName currently attached to
// the anchor's egress hook, mirroring bpf_prog_query in the original.
// Programs of any other name are left out.
func (a *Attacher) queryAttached() ([]link.AttachedProgram, error) {
	attached, err := a.queryAttachedAt(a.anchorPath)
	if err != nil {
		return nil, err
	}
	var out []link.AttachedProgram
	for _, p := range attached {
		prog, err := ebpf.NewProgramFromID(p.ID)
		if err != nil {
			continue
		}
		info, err := prog.Info()
		prog.Close()
		if err == nil && info.Name == kernelobj.ProgramName {
			out = append(out, p)
		}
	}
	return out, nil
}

func (a *Attacher) queryAttachedAt(cgroupPath string) ([]link.AttachedProgram, error) {
	result, err := link.QueryPrograms(link.QueryOptions{
		Path:   cgroupPath,
		Attach: ebpf.AttachCGroupInetEgress,
	})
	if err != nil {
		return nil, err
	}
	return result.Programs, nil
}

// detachAllAt removes every program named ProgramName attached at
// cgroupPath via raw detach, leaving programs of other names in place.
// Tolerates partial failure: count successes, flag failures.
func (a *Attacher) detachAllAt(cgroupPath string) (count int, failed bool) {
	attached, err := a.queryAttachedAt(cgroupPath)
	if err != nil {
		return 0, false
	}
	for _, p := range attached {
		prog, err := ebpf.NewProgramFromID(p.ID)
		if err != nil {
			failed = true
			continue
		}
		info, err := prog.Info()
		if err != nil {
			prog.Close()
			failed = true
			continue
		}
		if info.Name != kernelobj.ProgramName {
			prog.Close()
			continue
		}
		cgFd, err := openCgroupDir(cgroupPath)
		if err != nil {
			prog.Close()
			failed = true
			continue
		}
		if err := link.RawDetachProgram(link.RawDetachProgramOptions{
			Target:  cgFd,
			Program: prog,
			Attach:  ebpf.AttachCGroupInetEgress,
		}); err != nil {
			failed = true
		} else {
			count++
		}
		unix.Close(cgFd)
		prog.Close()
	}
	return count, failed
}

// DetachAll removes every attachment of the filter program at the
// anchor cgroup and at every descendant under ManagedRoot (the managed
// root itself plus each of its immediate rule-directory children), so
// that attachments left over from a prior direct-attach deployment that
// attached per rule directory rather than solely at the anchor are also
// cleared. Tolerates partial failure across every path swept: count
// successes, flag failures.
func (a *Attacher) DetachAll() (count int, failed bool) {
	if a.store.LinkPinned() {
		if err := kernelobj.Unpin(a.store.LinkPin()); err != nil {
			return count, true
		}
		count++
	}

	for _, path := range a.sweepPaths() {
		n, f := a.detachAllAt(path)
		count += n
		failed = failed || f
	}

	return count, failed
}

// sweepPaths lists every cgroup path DetachAll must check: the anchor,
// the managed root (if distinct from the anchor and it exists), and
// each immediate child directory of the managed root.
func (a *Attacher) sweepPaths() []string {
	paths := []string{a.anchorPath}

	if a.managedRoot == "" || a.managedRoot == a.anchorPath {
		return paths
	}

	entries, err := os.ReadDir(a.managedRoot)
	if err != nil {
		return paths
	}
	paths = append(paths, a.managedRoot)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(a.managedRoot, e.Name()))
	}
	return paths
}

func openCgroupDir(path string) (int, error) {
	return unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY, 0)
}
