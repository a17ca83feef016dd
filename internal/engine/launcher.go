package engine

import (
	"fmt"
	"log/slog"

	"github.com/loomvm/loom/internal/netprov"
	"github.com/loomvm/loom/internal/vm"
)

// Compile-time interface satisfaction checks.
var (
	_ Launcher = (*VMLauncher)(nil)
	_ Instance = (*vm.Session)(nil)
)

// VMLauncher boots real hypervisor sessions.
type VMLauncher struct {
	cfg     vm.Config
	network vm.BridgeProvisioner
	logger  *slog.Logger
}

// NewVMLauncher creates a launcher that boots sessions with the given
// hypervisor configuration. The network provisioner may be nil when sessions
// never request adapters.
func NewVMLauncher(cfg vm.Config, network vm.BridgeProvisioner, logger *slog.Logger) *VMLauncher {
	return &VMLauncher{cfg: cfg, network: network, logger: logger}
}

// Launch builds a session from the spec, boots it, and returns it running.
func (l *VMLauncher) Launch(spec LaunchSpec) (Instance, error) {
	disk := vm.NewDisk(spec.Image)
	disk.ImageBin = l.cfg.ImageBin

	sc := vm.SessionConfig{
		CPUs:         spec.CPUs,
		MemMB:        spec.MemMB,
		Disks:        []*vm.Disk{disk},
		Adapters:     netprov.AdaptersFromMACs(spec.MACs),
		ExtraSerials: spec.ExtraSerials,
		Ephemeral:    spec.Ephemeral,
		ConsoleSink:  spec.ConsoleSink,
	}

	sess, err := vm.NewSession(sc, l.cfg, l.network, l.logger)
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	if err := sess.Start(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}
	return sess, nil
}
