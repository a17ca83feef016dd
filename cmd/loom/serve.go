package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomvm/loom/internal/api"
	"github.com/loomvm/loom/internal/config"
	"github.com/loomvm/loom/internal/engine"
	"github.com/loomvm/loom/internal/netprov"
	"github.com/loomvm/loom/internal/store"
	"github.com/loomvm/loom/internal/vm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session daemon",
	Long:  "Start the HTTP API and wait for session requests until interrupted.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("loom: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	vmcfg := vm.LoadConfig()
	network := netprov.NewProvisioner(netprov.NewLinkOps(), netprov.NewAllocator(), logger)
	launcher := engine.NewVMLauncher(vmcfg, network, logger)
	eng := engine.NewEngine(db, launcher, logger)

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)
	return srv.Run()
}
