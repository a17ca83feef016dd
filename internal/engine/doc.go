// Package engine provides the asynchronous session engine. It boots
// hypervisor instances through a pluggable launcher, serializes snapshot
// operations against each instance's control monitor, records snapshot
// history in the store, and fans serial console output out to subscribers.
package engine
