// Package process moves PIDs between cgroups and tracks each PID's
// pre-limit cgroup so it can be restored later, guarding against PID
// reuse with a start-time witness read from /proc.
package process

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	limerr "github.com/errorcode7/egress-limiter/errors"
	"github.com/errorcode7/egress-limiter/model"
)

// Mover moves PIDs between cgroup v2 directories and persists
// OriginalCgroupRecord snapshots under runtimeRoot/orig_cgrp/<pid>.
type Mover struct {
	runtimeRoot string
}

// New returns a Mover that keeps its per-PID records under
// runtimeRoot (e.g. /run/egress-limiter).
func New(runtimeRoot string) *Mover {
	return &Mover{runtimeRoot: runtimeRoot}
}

func (m *Mover) recordDir() string {
	return filepath.Join(m.runtimeRoot, "orig_cgrp")
}

func (m *Mover) recordPath(pid int) string {
	return filepath.Join(m.recordDir(), strconv.Itoa(pid))
}

// CurrentCgroupPath reads the cgroup v2 membership path of pid from
// /proc/<pid>/cgroup, returning "/" for the root cgroup.
func CurrentCgroupPath(pid int) (string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", limerr.WrapWithTarget(err, limerr.KindProcessVanished, "read proc cgroup", strconv.Itoa(pid))
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "0::") {
			continue
		}
		path := strings.TrimPrefix(line, "0::")
		if path == "" {
			return "/", nil
		}
		return path, nil
	}
	return "", limerr.New(limerr.KindProcessVanished, "read proc cgroup", "no 0:: entry found")
}

// StartTimeTicks reads field 22 (starttime, in clock ticks since boot)
// from /proc/<pid>/stat. The comm field is parenthesised and may
// contain spaces, so parsing resumes after the last ')'.
func StartTimeTicks(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, limerr.WrapWithTarget(err, limerr.KindProcessVanished, "read proc stat", strconv.Itoa(pid))
	}

	line := string(data)
	rp := strings.LastIndexByte(line, ')')
	if rp < 0 || rp+2 >= len(line) {
		return 0, limerr.New(limerr.KindProcessVanished, "parse proc stat", "malformed stat line")
	}

	fields := strings.Fields(line[rp+2:])
	// Fields after comm start at state (field 3); starttime is field 22,
	// i.e. index 22-3 = 19 into this slice.
	const starttimeIndex = 22 - 3
	if len(fields) <= starttimeIndex {
		return 0, limerr.New(limerr.KindProcessVanished, "parse proc stat", "too few fields")
	}

	ticks, err := strconv.ParseUint(fields[starttimeIndex], 10, 64)
	if err != nil {
		return 0, limerr.WrapWithTarget(err, limerr.KindProcessVanished, "parse proc stat starttime", strconv.Itoa(pid))
	}
	return ticks, nil
}

// SaveOriginal records pid's current cgroup and start-time, unless a
// record already exists (first write wins, tolerating repeated saves
// across retried or repeated set operations on the same PID).
func (m *Mover) SaveOriginal(pid int) error {
	path := m.recordPath(pid)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	origPath, err := CurrentCgroupPath(pid)
	if err != nil {
		return err
	}
	startTime, err := StartTimeTicks(pid)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(m.recordDir(), 0755); err != nil {
		return limerr.WrapWithTarget(err, limerr.KindPrecondition, "ensure record dir", m.recordDir())
	}

	rec := model.OriginalCgroupRecord{Path: origPath, StartTimeTicks: startTime}
	return model.SaveJSON(path, &rec)
}

// loadOriginal reads the saved record for pid, if any.
func (m *Mover) loadOriginal(pid int) (*model.OriginalCgroupRecord, error) {
	path := m.recordPath(pid)
	var rec model.OriginalCgroupRecord
	if err := model.LoadJSON(path, &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, limerr.WrapWithTarget(err, limerr.KindInternal, "load original cgroup record", path)
	}
	return &rec, nil
}

// deleteOriginal removes pid's saved record, if any. Idempotent.
func (m *Mover) deleteOriginal(pid int) error {
	if err := os.Remove(m.recordPath(pid)); err != nil && !os.IsNotExist(err) {
		return limerr.WrapWithTarget(err, limerr.KindInternal, "delete original cgroup record", m.recordPath(pid))
	}
	return nil
}

// MoveTo writes pid into targetCgroupPath's cgroup.procs, the standard
// cgroup v2 migration mechanism.
func MoveTo(pid int, targetCgroupPath string) error {
	procs := filepath.Join(targetCgroupPath, "cgroup.procs")
	f, err := os.OpenFile(procs, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return limerr.WrapWithTarget(err, limerr.KindKernelRefused, "open cgroup.procs", procs)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(pid)); err != nil {
		return limerr.WrapWithTarget(err, limerr.KindKernelRefused, "write pid to cgroup.procs", procs)
	}
	return nil
}

// MoveIntoManaged snapshots pid's original cgroup (if not already
// snapshotted) and moves it into targetCgroupPath.
func (m *Mover) MoveIntoManaged(pid int, targetCgroupPath string) error {
	if err := m.SaveOriginal(pid); err != nil {
		return err
	}
	return MoveTo(pid, targetCgroupPath)
}

// Restore moves pid back to its pre-limit cgroup, honouring the
// start-time witness against PID reuse. If the record is missing or
// the witness mismatches, pid is sent to cgroupRoot as a safe
// fallback. The record is deleted unconditionally, on success or
// failure of the move itself.
func (m *Mover) Restore(pid int, cgroupRoot string) error {
	rec, err := m.loadOriginal(pid)
	if err != nil {
		return err
	}

	target := cgroupRoot
	if rec != nil {
		current, err := StartTimeTicks(pid)
		if err == nil && current == rec.StartTimeTicks {
			target = filepath.Join(cgroupRoot, rec.Path)
		}
	}

	moveErr := MoveTo(pid, target)
	if delErr := m.deleteOriginal(pid); delErr != nil && moveErr == nil {
		return delErr
	}
	return moveErr
}
