package vm

import "time"

// PromptMarker is the literal string the QEMU monitor emits when it is ready
// for the next command.
const PromptMarker = "(qemu)"

// Literal sentinels in monitor responses. These match QEMU's human monitor
// output verbatim; response parsing depends on them.
const (
	// snapshotMissingMarker appears in the loadvm response when the image
	// does not contain the requested snapshot.
	snapshotMissingMarker = "does not have the requested snapshot"

	// noSnapshotsMarker is the full response line when no snapshots exist.
	noSnapshotsMarker = "There is no snapshot available."

	// snapshotListHeader precedes the snapshot table in "info snapshots" output.
	snapshotListHeader = "List of snapshots present on all disks:"
)

// Default tool binaries.
const (
	DefaultHypervisorBin = "qemu-system-x86_64"
	DefaultImageBin      = "qemu-img"
)

// Default machine resources.
const (
	DefaultCPUs  = 1
	DefaultMemMB = 1024
)

// BaselineSnapshot is the disk snapshot applied (or created on first use) to
// each backing image before launch, so repeated sessions start from identical
// disk state.
const BaselineSnapshot = "baseline"

// Retry and timeout policy. Every blocking wait has an explicit ceiling.
const (
	// pidPollInterval / pidPollCeiling bound the pid file readiness poll.
	pidPollInterval = 1 * time.Second
	pidPollCeiling  = 5 * time.Second

	// termPollInterval / termPollCeiling bound the terminate-and-recheck loop.
	termPollInterval = 1 * time.Second
	termPollCeiling  = 5 * time.Second

	// connectRetryInterval / connectRetryCeiling bound control socket dialing,
	// tolerating the hypervisor's asynchronous startup.
	connectRetryInterval = 1 * time.Second
	connectRetryCeiling  = 50 * time.Second

	// defaultDialogueTimeout is the per-call ceiling for a monitor exchange.
	// Generous because loadvm on a large image can take minutes.
	defaultDialogueTimeout = 10 * time.Minute

	// defaultSettleDelay is inserted after each snapshot phase boundary to let
	// devices finish applying the previous command. The prompt returns before
	// the device layer has fully settled, so the prompt alone is not a
	// sufficient acknowledgment. Known weak point; kept configurable.
	defaultSettleDelay = 1 * time.Second

	// readWindow caps how much unmatched monitor output is retained while
	// scanning for the prompt marker.
	readWindow = 10240
)

// DefaultGuestVsockPort is the port the guest agent listens on when a session
// is configured with a vsock device.
const DefaultGuestVsockPort uint32 = 1024
