package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/accelforge/aicore/internal/config"
	"github.com/accelforge/aicore/internal/logger"
)

func newApp() (*cli.App, **zap.Logger) {
	var configPath string
	cfg := new(*config.Config)
	rootLogger := new(*zap.Logger)

	app := &cli.App{
		Name:  "aicore",
		Usage: "A resource manager for the simulated AI accelerator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the config file",
				EnvVars:     []string{"AICORE_CONFIG"},
				Destination: &configPath,
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			if configPath != "" {
				*cfg, err = config.LoadConfig(configPath)
			} else {
				*cfg = config.Default()
			}
			if err != nil {
				return err
			}
			zapLogger, err := logger.New((*cfg).Logger.Verbosity)
			if err != nil {
				return err
			}
			*rootLogger = zapLogger.Named("cli")
			return nil
		},
		Commands: []*cli.Command{
			infoCommand(cfg, rootLogger),
			statsCommand(cfg, rootLogger),
			benchCommand(cfg, rootLogger),
			serveCommand(cfg, rootLogger),
		},
	}
	return app, rootLogger
}

func main() {
	app, rootLogger := newApp()
	if err := app.Run(os.Args); err != nil {
		if *rootLogger != nil {
			(*rootLogger).Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}
