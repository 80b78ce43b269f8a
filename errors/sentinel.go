// Package errors provides predefined sentinel errors for common failure cases.
package errors

// Rule lifecycle errors.
var (
	// ErrRuleNotFound indicates no rule directory exists for the given key.
	ErrRuleNotFound = &LimiterError{
		Kind:   KindNotFound,
		Detail: "rule not found",
	}

	// ErrRuleExists indicates a rule directory already exists for the cgroup.
	ErrRuleExists = &LimiterError{
		Kind:   KindAlreadyExists,
		Detail: "rule already exists",
	}

	// ErrRuleDirMalformed indicates a directory under the root does not
	// match the bucket_<B>_rate_<R> grammar.
	ErrRuleDirMalformed = &LimiterError{
		Kind:   KindRuleMalformed,
		Detail: "rule directory name malformed",
	}

	// ErrRateNotParsable indicates a --rate or --bucket value could not be
	// parsed as a byte size.
	ErrRateNotParsable = &LimiterError{
		Kind:   KindRuleMalformed,
		Detail: "rate or bucket size not parsable",
	}

	// ErrZeroKey indicates a derived cgroup key was the reserved value 0.
	ErrZeroKey = &LimiterError{
		Kind:   KindInvalidState,
		Detail: "cgroup key is zero",
	}
)

// Precondition errors.
var (
	// ErrCgroupV2NotMounted indicates the cgroup v2 unified hierarchy is
	// not mounted at the expected root.
	ErrCgroupV2NotMounted = &LimiterError{
		Kind:   KindPrecondition,
		Detail: "cgroup v2 not mounted",
	}

	// ErrBpffsNotMounted indicates /sys/fs/bpf is not mounted.
	ErrBpffsNotMounted = &LimiterError{
		Kind:   KindPrecondition,
		Detail: "bpffs not mounted",
	}

	// ErrMissingBpfObject indicates no compiled BPF object was supplied
	// and none could be located.
	ErrMissingBpfObject = &LimiterError{
		Kind:   KindPrecondition,
		Detail: "bpf object not found",
	}
)

// Kernel / attach errors.
var (
	// ErrVerifierRejected indicates the kernel verifier rejected the
	// program during load.
	ErrVerifierRejected = &LimiterError{
		Kind:   KindKernelRefused,
		Detail: "program rejected by verifier",
	}

	// ErrLinkAlreadyPinned indicates a pinned link already exists at the
	// expected bpffs path.
	ErrLinkAlreadyPinned = &LimiterError{
		Kind:   KindKernelRefused,
		Detail: "link already pinned",
	}

	// ErrAttachModeConflict indicates the requested attach mode differs
	// from the mode already observed on the host.
	ErrAttachModeConflict = &LimiterError{
		Kind:   KindReconcileConflict,
		Detail: "attach mode conflicts with existing state",
	}

	// ErrNotAttached indicates an unload or reload was requested but no
	// program is currently attached.
	ErrNotAttached = &LimiterError{
		Kind:   KindInvalidState,
		Detail: "filter not attached",
	}
)

// Process errors.
var (
	// ErrInvalidPID indicates a PID argument was zero or negative.
	ErrInvalidPID = &LimiterError{
		Kind:   KindRuleMalformed,
		Detail: "invalid pid",
	}

	// ErrPIDVanished indicates the target process exited mid-operation.
	ErrPIDVanished = &LimiterError{
		Kind:   KindProcessVanished,
		Detail: "process vanished",
	}

	// ErrOriginalCgroupMissing indicates no pre-move record exists for a
	// PID being restored on unset.
	ErrOriginalCgroupMissing = &LimiterError{
		Kind:   KindNotFound,
		Detail: "original cgroup record not found",
	}

	// ErrStartTimeMismatch indicates the recorded process start-time no
	// longer matches the live process, meaning the PID has been reused.
	ErrStartTimeMismatch = &LimiterError{
		Kind:   KindProcessVanished,
		Detail: "pid reused since record was saved",
	}
)

// Control-plane errors.
var (
	// ErrLockHeld indicates another egress-limiter invocation currently
	// holds the control-plane lock.
	ErrLockHeld = &LimiterError{
		Kind:   KindReconcileConflict,
		Detail: "control plane lock held by another process",
	}

	// ErrPermissionDenied indicates the caller lacks CAP_BPF, CAP_NET_ADMIN,
	// or CAP_SYS_ADMIN for the requested operation.
	ErrPermissionDenied = &LimiterError{
		Kind:   KindPermission,
		Detail: "insufficient privilege",
	}
)
