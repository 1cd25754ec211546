package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/solipsis/go-ledger/pkg/ledger"
	"github.com/spf13/cobra"
)

var device *ledger.Ledger

// Common flags
var (
	nodePath string
	debug    bool
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log protocol traffic to stdout")
	cobra.OnInitialize(connectDevice)
}

func connectDevice() {
	cfg := &ledger.Config{}
	if debug {
		logger := btclog.NewBackend(os.Stdout).Logger("LDGR")
		logger.SetLevel(btclog.LevelTrace)
		cfg.Logger = logger
	}

	var err error
	device, err = ledger.GetDeviceWithConfig(cfg)
	if err != nil {
		log.Fatal(err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "go-ledger",
	Short: "Interact with a ledger hardware wallet running the Bitcoin app",
	Long:  "Command line client for ledger hardware wallets running the Bitcoin app",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
