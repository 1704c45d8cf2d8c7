// peerlink rendezvous: pairs endpoints presenting the same pin over UDP and serves the device directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"dev.c0redev.peerlink/internal/config"
	"dev.c0redev.peerlink/internal/discovery"
	"dev.c0redev.peerlink/internal/idwords"
	"dev.c0redev.peerlink/internal/rendezvous"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "TOML configuration file",
		EnvVars: []string{config.EnvPrefix + "CONFIG"},
	}
	udpFlag = &cli.StringFlag{
		Name:  "udp",
		Usage: "rendezvous UDP listen address (overrides udp_addr)",
	}
	dirFlag = &cli.StringFlag{
		Name:  "directory",
		Usage: "directory TCP listen address, empty to disable (overrides directory_addr)",
	}
	anyPinFlag = &cli.BoolFlag{
		Name:  "any-pin",
		Usage: "accept pins that are not word pins",
	}
)

func main() {
	app := &cli.App{
		Name:   "peerlink-rendezvous",
		Usage:  "rendezvous and directory server",
		Flags:  []cli.Flag{configFlag, udpFlag, dirFlag, anyPinFlag},
		Action: serve,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	if ctx.IsSet(udpFlag.Name) {
		cfg.UDPAddr = ctx.String(udpFlag.Name)
	}
	if ctx.IsSet(dirFlag.Name) {
		cfg.DirectoryAddr = ctx.String(dirFlag.Name)
	}

	sctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rv := rendezvous.NewServer()
	if !ctx.Bool(anyPinFlag.Name) {
		rv.Validate = idwords.ValidPin
	}
	addr, err := rv.ListenAndServe(cfg.UDPAddr)
	if err != nil {
		return fmt.Errorf("rendezvous: %w", err)
	}
	defer rv.Close()
	log.Println("rendezvous on", addr)

	if cfg.DirectoryAddr != "" {
		ln, err := net.Listen("tcp", cfg.DirectoryAddr)
		if err != nil {
			return fmt.Errorf("directory: %w", err)
		}
		dir := discovery.NewServer()
		defer dir.Close()
		log.Println("directory on", ln.Addr())
		go func() {
			if err := dir.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
				log.Println("directory:", err)
				stop()
			}
		}()
	}

	<-sctx.Done()
	log.Println("shutting down")
	return nil
}
