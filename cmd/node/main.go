// peerlink node: a device that pairs with, reaches and calls other devices.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"dev.c0redev.peerlink/internal/config"
	"dev.c0redev.peerlink/internal/node"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "TOML configuration file",
		EnvVars: []string{config.EnvPrefix + "CONFIG"},
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "directory holding the identity and peer store",
	}
	verboseFlag = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "log connection handling in detail",
	}
)

var (
	runCommand = &cli.Command{
		Name:   "run",
		Usage:  "Runs the node until interrupted",
		Action: runNode,
	}
	idCommand = &cli.Command{
		Name:   "id",
		Usage:  "Prints this device's fingerprint",
		Action: printID,
	}
	dumpConfigCommand = &cli.Command{
		Name:   "dumpconfig",
		Usage:  "Prints the effective configuration as TOML",
		Action: dumpConfig,
	}
)

func main() {
	app := &cli.App{
		Name:   "peerlink",
		Usage:  "peer-to-peer device link",
		Flags:  []cli.Flag{configFlag, dataDirFlag, verboseFlag},
		Action: runNode,
		Commands: []*cli.Command{
			runCommand,
			idCommand,
			peersCommand,
			callCommand,
			watchCommand,
			dumpConfigCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.Bool(verboseFlag.Name) {
		cfg.Verbose = true
	}
	return cfg, nil
}

// openNode builds a node without listeners, for one-shot commands.
func openNode(ctx *cli.Context) (*node.Node, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	cfg.TCPAddr = ""
	cfg.QUICAddr = ""
	cfg.AutoConnect = nil
	return node.New(cfg)
}

func runNode(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	sctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := n.Start(sctx); err != nil {
		return err
	}
	<-sctx.Done()
	log.Println("shutting down")
	return nil
}

func printID(ctx *cli.Context) error {
	n, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()
	fmt.Println(n.Fingerprint())
	return nil
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	return cfg.Dump(os.Stdout)
}
