package vm

import (
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
)

// Disk is an ordered stack of copy-on-write qcow2 layers for one drive.
// The first layer is the original backing file and is never removed; the last
// layer is the only writable one and is what the launch argv refers to.
// Pushing a cheap throwaway layer per session is how tests roll back disk
// state without touching the backing image.
type Disk struct {
	// Interface is the bus the drive is attached to ("ide", "virtio", ...).
	Interface string

	// Media is the media kind ("disk" or "cdrom").
	Media string

	// Index is the drive index, or -1 when unset.
	Index int

	// ImageBin is the disk image tool invoked for layer and snapshot
	// operations.
	ImageBin string

	layers []string
}

// NewDisk creates a Disk whose bottom layer is the given backing file.
func NewDisk(backingFile string) *Disk {
	return &Disk{
		Interface: "ide",
		Media:     "disk",
		Index:     -1,
		ImageBin:  DefaultImageBin,
		layers:    []string{backingFile},
	}
}

// Top returns the current read/write layer.
func (d *Disk) Top() string {
	return d.layers[len(d.layers)-1]
}

// Backing returns the original backing file at the bottom of the stack.
func (d *Disk) Backing() string {
	return d.layers[0]
}

// Layers returns a copy of the layer stack, bottom first.
func (d *Disk) Layers() []string {
	return slices.Clone(d.layers)
}

// PushLayer creates a new qcow2 backed by the current top layer inside the
// given workspace directory, makes it the new top, and returns its path.
func (d *Disk) PushLayer(workspace string) (string, error) {
	f, err := os.CreateTemp(workspace, "layer_*.qcow2")
	if err != nil {
		return "", fmt.Errorf("create layer file: %w", err)
	}
	name := f.Name()
	f.Close()

	if _, err := d.runImageTool("create", "-f", "qcow2", "-b", d.Top(), "-F", "qcow2", name); err != nil {
		os.Remove(name)
		return "", err
	}

	d.layers = append(d.layers, name)
	return name, nil
}

// PopLayer removes the top layer and returns its path. When only the original
// backing file remains it is a no-op and returns false; the bottom of the
// stack is protected, not an error.
func (d *Disk) PopLayer() (string, bool) {
	if len(d.layers) <= 1 {
		return "", false
	}
	top := d.Top()
	d.layers = d.layers[:len(d.layers)-1]
	return top, true
}

// DriveString renders the -drive clause for the current top layer.
func (d *Disk) DriveString() string {
	var parts []string
	if d.Interface != "" {
		parts = append(parts, "if="+d.Interface)
	}
	parts = append(parts, "file="+d.Top())
	if d.Index >= 0 {
		parts = append(parts, fmt.Sprintf("index=%d", d.Index))
	}
	if d.Media != "" {
		parts = append(parts, "media="+d.Media)
	}
	return strings.Join(parts, ",")
}

// Snapshots lists the snapshot names recorded in the top layer.
// Snapshots in superseded lower layers are not visible.
func (d *Disk) Snapshots() ([]string, error) {
	return d.snapshotsOf(d.Top())
}

// EnsureBaseline applies the named disk snapshot to the backing file if it
// exists, and creates it otherwise. Run before launch so every session starts
// from the same disk state.
func (d *Disk) EnsureBaseline(name string) error {
	names, err := d.snapshotsOf(d.Backing())
	if err != nil {
		return err
	}
	if slices.Contains(names, name) {
		_, err = d.runImageTool("snapshot", "-a", name, d.Backing())
	} else {
		_, err = d.runImageTool("snapshot", "-c", name, d.Backing())
	}
	return err
}

func (d *Disk) snapshotsOf(image string) ([]string, error) {
	out, err := d.runImageTool("snapshot", "-l", image)
	if err != nil {
		return nil, err
	}
	return parseImageSnapshotList(out), nil
}

// runImageTool invokes the disk image tool and returns its combined output.
// Non-zero exit is reported as ErrImageTool with the output attached.
func (d *Disk) runImageTool(args ...string) (string, error) {
	bin := d.ImageBin
	if bin == "" {
		bin = DefaultImageBin
	}
	out, err := exec.Command(bin, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s: %v: %s: %w",
			bin, strings.Join(args, " "), err, strings.TrimSpace(string(out)), ErrImageTool)
	}
	return string(out), nil
}

// parseImageSnapshotList extracts snapshot names (the TAG column) from
// "qemu-img snapshot -l" output. An image with no snapshots produces no
// table at all, which parses to an empty list.
func parseImageSnapshotList(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Snapshot list:") || strings.HasPrefix(line, "ID") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			names = append(names, fields[1])
		}
	}
	return names
}
