package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/shelleport/address"
	"github.com/guseggert/shelleport/server"
	"github.com/guseggert/shelleport/shell"
	"github.com/urfave/cli/v2"
)

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:      "server",
		Usage:     "serve shell sessions on a socket or on stdio",
		ArgsUsage: "[--] [SHELL...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "Address to serve on: stdio://, unix://PATH, tcp://HOST:PORT or ws://HOST:PORT. Overrides server.listen.",
			},
			&cli.StringFlag{
				Name:    "unix-access",
				Aliases: []string{"m"},
				Usage:   "Octal mode for a unix socket. Overrides server.unixAccess.",
			},
		},
		Action: func(cctx *cli.Context) error {
			cfg, logger, err := setup(cctx)
			if err != nil {
				return err
			}
			defer logger.Sync()

			listen := cfg.Server.Listen
			if cctx.IsSet("listen") {
				listen = cctx.String("listen")
			}
			addr, err := address.Parse(listen, address.Unix)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			if cctx.IsSet("unix-access") && addr.Scheme != address.Unix {
				return cli.Exit("--unix-access requires a unix:// listen address", 2)
			}
			accessValue := cfg.Server.UnixAccess
			if cctx.IsSet("unix-access") {
				accessValue = cctx.String("unix-access")
			}
			access, err := server.ParseUnixAccess(accessValue)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			command := cctx.Args().Slice()
			if len(command) > 0 && command[0] == "--" {
				command = command[1:]
			}
			if len(command) == 0 {
				if command, err = shell.DefaultCommand(); err != nil {
					return fmt.Errorf("finding default shell: %w", err)
				}
			}
			sh, err := shell.New(command, shell.EnvironMap(os.Environ()),
				shell.WithLogger(logger.Named("shell").Sugar()),
				shell.WithTerminateTimeout(cfg.Shell.TerminateTimeout),
			)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			srv := server.New(sh, server.WithLogger(logger), server.WithReadTimeout(cfg.Protocol.ReadTimeout))

			ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if addr.Scheme == address.Stdio {
				return srv.ServeStdio(ctx)
			}
			ln, err := server.Listen(addr, access)
			if err != nil {
				return err
			}
			if addr.Scheme == address.WebSocket {
				return srv.ServeWebSocket(ctx, ln)
			}
			return srv.Serve(ctx, ln)
		},
	}
}
