package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"

	"github.com/layer-3/paygate"
	"github.com/layer-3/paygate/config"
	"github.com/layer-3/paygate/logger"
)

func main() {
	app := &cli.App{
		Name:  "paygate",
		Usage: "gate HTTP routes behind on-chain ERC-20 payments",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the payment gateway",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "path to a YAML configuration file",
						EnvVars: []string{"PAYGATE_CONFIG"},
					},
					&cli.StringFlag{
						Name:  "listen",
						Usage: "address to listen on, overrides the configuration",
					},
				},
				Action: serve,
			},
			{
				Name:  "check-config",
				Usage: "validate the configuration and print the effective policy",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						EnvVars: []string{"PAYGATE_CONFIG"},
					},
				},
				Action: checkConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if listen := c.String("listen"); listen != "" {
		cfg.Listen = listen
	}

	zl, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	if syncer, ok := zl.(interface{ Sync() error }); ok {
		defer func() { _ = syncer.Sync() }()
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := paygate.New(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			zl.Error("failed to close gateway", map[string]any{"error": err})
		}
	}()

	return gw.Run(ctx)
}

func checkConfig(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	policy, err := cfg.CorePolicy()
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "recipient: %s\n", policy.Recipient.Hex())
	fmt.Fprintf(c.App.Writer, "token:     %s\n", policy.Token.Hex())
	fmt.Fprintf(c.App.Writer, "amount:    %s\n", policy.MinAmount.String())
	fmt.Fprintf(c.App.Writer, "rpc:       %s\n", logger.Redact(policy.RPCEndpoint))
	fmt.Fprintf(c.App.Writer, "realm:     %s\n", policy.Realm)
	return nil
}
