package netprov

import (
	"log/slog"
	"sync"
)

// Kind tags how a bridge came to exist and therefore how it is torn down.
type Kind int

const (
	// Managed bridges are created by the provisioner and deleted on release.
	Managed Kind = iota

	// Static bridges carry a caller-chosen name but are otherwise managed.
	Static

	// HostExisting bridges already exist on the host; the provisioner never
	// creates or deletes them.
	HostExisting
)

func (k Kind) String() string {
	switch k {
	case Managed:
		return "managed"
	case Static:
		return "static"
	case HostExisting:
		return "host"
	default:
		return "unknown"
	}
}

// Bridge is one provisioned (or adopted) host bridge.
type Bridge struct {
	Kind Kind
	Name string
}

// Provisioner creates bridges, deletes them, and connects them with veth
// pairs. Each link gets an identifier for later release. Safe for concurrent
// use from multiple sessions.
type Provisioner struct {
	ops    LinkOps
	alloc  *Allocator
	logger *slog.Logger

	mu    sync.Mutex
	links map[string][2]string // link ID → veth peer names
}

// NewProvisioner wires a provisioner over the given link operations and name
// allocator.
func NewProvisioner(ops LinkOps, alloc *Allocator, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		ops:    ops,
		alloc:  alloc,
		logger: logger,
		links:  make(map[string][2]string),
	}
}

// Create builds the bridge named after the adapter and brings it up.
func (p *Provisioner) Create(ad Adapter) (Bridge, error) {
	br := Bridge{Kind: Managed, Name: ad.BridgeName()}
	if err := p.create(br); err != nil {
		return Bridge{}, err
	}
	return br, nil
}

// CreateBridge builds an anonymous managed bridge with an allocated name.
func (p *Provisioner) CreateBridge() (Bridge, error) {
	br := Bridge{Kind: Managed, Name: p.alloc.NextBridge()}
	if err := p.create(br); err != nil {
		return Bridge{}, err
	}
	return br, nil
}

// CreateStaticBridge builds a bridge under a caller-chosen name.
func (p *Provisioner) CreateStaticBridge(name string) (Bridge, error) {
	br := Bridge{Kind: Static, Name: name}
	if err := p.create(br); err != nil {
		return Bridge{}, err
	}
	return br, nil
}

// HostBridge adopts a pre-existing bridge. No device is created and Delete on
// the result is a no-op.
func (p *Provisioner) HostBridge(name string) Bridge {
	return Bridge{Kind: HostExisting, Name: name}
}

func (p *Provisioner) create(br Bridge) error {
	if err := p.ops.AddBridge(br.Name); err != nil {
		return err
	}
	if err := p.ops.SetUp(br.Name); err != nil {
		return err
	}
	p.logger.Info("bridge created", "bridge", br.Name, "kind", br.Kind.String())
	return nil
}

// Delete tears a bridge down. Host-existing bridges are left untouched.
func (p *Provisioner) Delete(br Bridge) error {
	if br.Kind == HostExisting {
		return nil
	}
	if err := p.ops.SetDown(br.Name); err != nil {
		p.logger.Warn("bridge down failed", "bridge", br.Name, "error", err)
	}
	if err := p.ops.Delete(br.Name); err != nil {
		return err
	}
	p.logger.Info("bridge deleted", "bridge", br.Name)
	return nil
}

// Connect links two bridges with a veth pair, one peer enslaved to each, and
// returns the link identifier for Release.
func (p *Provisioner) Connect(a, b Bridge) (string, error) {
	p1, p2 := p.alloc.NextVethPair()

	if err := p.ops.AddVeth(p1, p2); err != nil {
		return "", err
	}
	for _, step := range []struct{ link, bridge string }{{p1, a.Name}, {p2, b.Name}} {
		if err := p.ops.SetMaster(step.link, step.bridge); err != nil {
			p.ops.Delete(p1)
			return "", err
		}
	}
	for _, peer := range []string{p1, p2} {
		if err := p.ops.SetUp(peer); err != nil {
			p.ops.Delete(p1)
			return "", err
		}
	}

	id := p1
	p.mu.Lock()
	p.links[id] = [2]string{p1, p2}
	p.mu.Unlock()

	p.logger.Info("bridges linked", "a", a.Name, "b", b.Name, "link", id)
	return id, nil
}

// Release removes a veth link created by Connect. Unknown identifiers are a
// no-op so release is idempotent.
func (p *Provisioner) Release(id string) error {
	p.mu.Lock()
	peers, ok := p.links[id]
	delete(p.links, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	for _, peer := range peers {
		if err := p.ops.SetDown(peer); err != nil {
			p.logger.Warn("veth down failed", "link", peer, "error", err)
		}
	}
	// Deleting one end removes the pair.
	if err := p.ops.Delete(peers[0]); err != nil {
		return err
	}
	p.logger.Info("link released", "link", id)
	return nil
}

// ReleaseAll removes every link still tracked. Used on shutdown.
func (p *Provisioner) ReleaseAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.links))
	for id := range p.links {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.Release(id); err != nil {
			p.logger.Error("link release failed", "link", id, "error", err)
		}
	}
}
