package main

import (
	"fmt"
	"log"
	"os"

	"github.com/guseggert/shelleport/internal/config"
	"github.com/guseggert/shelleport/internal/files"
	"github.com/guseggert/shelleport/internal/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const configFileName = ".shelleport.yaml"

func main() {
	app := &cli.App{
		Name:  "shelleport",
		Usage: "teleport a shell's stdio and exit code across a socket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML, TOML or JSON config file. Defaults to the nearest " + configFileName + " in the working directory or its parents.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error]. Overrides log.level.",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "One of [console,json]. Overrides log.format.",
			},
		},
		Commands: []*cli.Command{
			clientCommand(),
			serverCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup loads the config and builds the logger, applying global flag overrides.
func setup(cctx *cli.Context) (*config.Config, *zap.Logger, error) {
	path := cctx.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, nil, fmt.Errorf("getting working directory: %w", err)
		}
		if path, err = files.FindUp(configFileName, wd); err != nil {
			return nil, nil, fmt.Errorf("looking for %s: %w", configFileName, err)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if cctx.IsSet("log-level") {
		cfg.Log.Level = cctx.String("log-level")
	}
	if cctx.IsSet("log-format") {
		cfg.Log.Format = cctx.String("log-format")
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format), nil
}

// splitArgs returns the first positional argument and the rest, dropping a "--" separator
// between them.
func splitArgs(args []string) (string, []string) {
	if len(args) == 0 {
		return "", nil
	}
	first, rest := args[0], args[1:]
	if len(rest) > 0 && rest[0] == "--" {
		rest = rest[1:]
	}
	return first, rest
}
