package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/shelleport/address"
	"github.com/guseggert/shelleport/client"
	"github.com/guseggert/shelleport/internal/nbio"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

func clientCommand() *cli.Command {
	return &cli.Command{
		Name:      "client",
		Usage:     "run a remote shell with local stdio and exit with its exit code",
		ArgsUsage: "[--] PEER [--] [ARGUMENTS...]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "export",
				Aliases: []string{"e"},
				Usage:   "KEY=VALUE to set in the remote environment, or KEY to copy it from the local one.",
			},
		},
		Action: func(cctx *cli.Context) error {
			cfg, logger, err := setup(cctx)
			if err != nil {
				return err
			}
			defer logger.Sync()

			args := cctx.Args().Slice()
			if len(args) > 0 && args[0] == "--" {
				args = args[1:]
			}
			peer, rest := splitArgs(args)
			if peer == "" {
				_ = cli.ShowSubcommandHelp(cctx)
				return cli.Exit("missing PEER", 2)
			}
			addr, err := address.Parse(peer, address.Unix)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			req, err := client.BuildStartRequest(cctx.StringSlice("export"), rest, os.LookupEnv)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			stdio, err := openStdio()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := client.New(client.WithLogger(logger), client.WithReadTimeout(cfg.Protocol.ReadTimeout))
			conn, err := c.Dial(ctx, addr)
			if err != nil {
				return multierr.Append(err, closeStdio(stdio))
			}
			defer conn.Close()

			code, err := c.Run(ctx, conn, req, stdio)
			if errors.Is(err, client.ErrRemoteException) {
				return cli.Exit("", 1)
			}
			if err != nil {
				return err
			}
			if code != 0 {
				return cli.Exit("", code)
			}
			return nil
		},
	}
}

// openStdio wraps the process's standard descriptors in non-blocking streams so a pending
// stdin read can be abandoned when the session ends.
func openStdio() (client.Stdio, error) {
	var streams []*nbio.Stream
	for fd, name := range []string{"stdin", "stdout", "stderr"} {
		s, err := nbio.Open(fd, name)
		if err != nil {
			for _, opened := range streams {
				opened.Close()
			}
			return client.Stdio{}, fmt.Errorf("opening %s: %w", name, err)
		}
		streams = append(streams, s)
	}
	return client.Stdio{Stdin: streams[0], Stdout: streams[1], Stderr: streams[2]}, nil
}

func closeStdio(stdio client.Stdio) error {
	return multierr.Combine(stdio.Stdin.Close(), stdio.Stdout.Close(), stdio.Stderr.Close())
}
