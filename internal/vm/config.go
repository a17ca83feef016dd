package vm

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names for hypervisor configuration.
const (
	envHypervisorBin  = "LOOM_QEMU_BIN"
	envImageBin       = "LOOM_QEMU_IMG_BIN"
	envWorkspaceRoot  = "LOOM_WORKSPACE_ROOT"
	envSettleDelayMS  = "LOOM_SETTLE_DELAY_MS"
	envGuestVsockPort = "LOOM_GUEST_VSOCK_PORT"
)

// Config holds configuration for launching and controlling hypervisor sessions.
type Config struct {
	// HypervisorBin is the hypervisor binary to launch.
	HypervisorBin string

	// ImageBin is the disk image tool used for layers and disk snapshots.
	ImageBin string

	// WorkspaceRoot is the directory under which per-session workspaces are
	// created. Empty means the system temp directory.
	WorkspaceRoot string

	// SettleDelay is the pause after each snapshot phase boundary.
	SettleDelay time.Duration

	// GuestVsockPort is the guest agent port for sessions with a vsock device.
	GuestVsockPort uint32
}

// LoadConfig reads hypervisor configuration from environment variables,
// applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		HypervisorBin:  DefaultHypervisorBin,
		ImageBin:       DefaultImageBin,
		SettleDelay:    defaultSettleDelay,
		GuestVsockPort: DefaultGuestVsockPort,
	}

	if v := os.Getenv(envHypervisorBin); v != "" {
		cfg.HypervisorBin = v
	}
	if v := os.Getenv(envImageBin); v != "" {
		cfg.ImageBin = v
	}
	if v := os.Getenv(envWorkspaceRoot); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv(envSettleDelayMS); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			cfg.SettleDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(envGuestVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.GuestVsockPort = uint32(port)
		}
	}

	return cfg
}
