// Command loom-guest is the agent that runs inside guest VMs. It listens on
// vsock for requests from the host session daemon, executes them, and sends
// framed replies back.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o loom-guest ./cmd/loom-guest
package main

import (
	"log"

	"github.com/mdlayher/vsock"

	"github.com/loomvm/loom/internal/guest"
	"github.com/loomvm/loom/internal/vm"
)

func main() {
	guest.SetupInit()

	port := vm.DefaultGuestVsockPort
	l, err := vsock.Listen(port, nil)
	if err != nil {
		log.Fatalf("vsock listen on port %d: %v", port, err)
	}
	defer l.Close()

	log.Printf("loom-guest listening on vsock port %d", port)

	agent := guest.New(l)
	if err := agent.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
