package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v2"
)

var (
	peersCommand = &cli.Command{
		Name:  "peers",
		Usage: "Manages paired devices",
		Subcommands: []*cli.Command{
			peersListCommand,
			peersAddCommand,
			peersRemoveCommand,
		},
	}
	peersListCommand = &cli.Command{
		Name:   "list",
		Usage:  "Lists paired devices",
		Action: listPeers,
	}
	peersAddCommand = &cli.Command{
		Name:      "add",
		Usage:     "Pairs a device",
		ArgsUsage: "<fingerprint> [name]",
		Action:    addPeer,
	}
	peersRemoveCommand = &cli.Command{
		Name:      "remove",
		Usage:     "Unpairs a device",
		ArgsUsage: "<fingerprint>",
		Action:    removePeer,
	}
	callCommand = &cli.Command{
		Name:      "call",
		Usage:     "Calls a method on a remote device",
		ArgsUsage: "<fingerprint> <method> [args...]",
		Action:    callMethod,
		Flags:     []cli.Flag{timeoutFlag},
	}
	watchCommand = &cli.Command{
		Name:      "watch",
		Usage:     "Prints dispatches of a remote signal until interrupted",
		ArgsUsage: "<fingerprint> <signal>",
		Action:    watchSignal,
		Flags:     []cli.Flag{timeoutFlag},
	}
)

var timeoutFlag = &cli.DurationFlag{
	Name:  "timeout",
	Usage: "how long to wait for the device",
	Value: 30 * time.Second,
}

func listPeers(ctx *cli.Context) error {
	n, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()
	peers, err := n.DB.Peers()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Fingerprint, p.DeviceName, p.PairedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func addPeer(ctx *cli.Context) error {
	if ctx.NArg() < 1 || ctx.NArg() > 2 {
		return errors.New("need fingerprint and optional name")
	}
	n, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()
	return n.Pair(ctx.Args().Get(0), ctx.Args().Get(1))
}

func removePeer(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("need fingerprint as argument")
	}
	n, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()
	return n.Unpair(ctx.Args().Get(0))
}

// callArgs: each argument is JSON if it parses, a plain string otherwise.
func callArgs(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		out = append(out, v)
	}
	return out
}

func callMethod(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return errors.New("need fingerprint and method")
	}
	n, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()
	if err := n.Start(context.Background()); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(context.Background(), ctx.Duration(timeoutFlag.Name))
	defer cancel()
	args := ctx.Args().Slice()
	res, err := n.Call(cctx, args[0], args[1], callArgs(args[2:])...)
	if err != nil {
		return err
	}
	if st := res.Stream(); st != nil {
		defer st.Close()
		_, err = io.Copy(os.Stdout, st)
		return err
	}
	fmt.Println(string(res.Raw()))
	return nil
}

func watchSignal(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return errors.New("need fingerprint and signal")
	}
	n, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()
	sctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := n.Start(sctx); err != nil {
		return err
	}

	fp, fqn := ctx.Args().Get(0), ctx.Args().Get(1)
	cctx, cancel := context.WithTimeout(sctx, ctx.Duration(timeoutFlag.Name))
	remote, err := n.Manager.Connect(cctx, fp)
	cancel()
	if err != nil {
		return err
	}
	unsub, err := remote.Subscribe(fqn, func(data []json.RawMessage) {
		b, _ := json.Marshal(data)
		fmt.Println(string(b))
	})
	if err != nil {
		return err
	}
	defer unsub()
	<-sctx.Done()
	return nil
}
