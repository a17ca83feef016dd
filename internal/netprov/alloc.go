package netprov

import (
	"fmt"
	"sync"
)

// Allocator hands out unique bridge and veth device names. One allocator is
// scoped to a provisioner; sharing it across provisioners keeps their names
// disjoint. Safe for concurrent use.
type Allocator struct {
	mu      sync.Mutex
	bridges int
	veths   int
}

// NewAllocator creates an allocator starting at zero.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// NextBridge returns the next managed bridge name.
func (a *Allocator) NextBridge() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	name := fmt.Sprintf("loombr%03d", a.bridges)
	a.bridges++
	return name
}

// NextVethPair returns the next veth peer name pair.
func (a *Allocator) NextVethPair() (string, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p1 := fmt.Sprintf("loomveth%03d", a.veths)
	p2 := fmt.Sprintf("loomveth%03d", a.veths+1)
	a.veths += 2
	return p1, p2
}
