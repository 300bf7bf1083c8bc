package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/urfave/cli/v2"

	stepconfig "github.com/pithecene-io/stepwise/cli/config"
	"github.com/pithecene-io/stepwise/log"
	"github.com/pithecene-io/stepwise/world/remote"
	"github.com/pithecene-io/stepwise/world/sim"
)

// WorldCommand returns the world command, which hosts a simulated world
// over the world wire protocol.
func WorldCommand() *cli.Command {
	return &cli.Command{
		Name:  "world",
		Usage: "Host a simulated world that control servers can dial",
		Flags: []cli.Flag{
			ConfigFlag,
			LogLevelFlag,
			&cli.StringFlag{
				Name:  "listen",
				Usage: "TCP listen address",
				Value: ":25565",
			},
			&cli.Int64Flag{
				Name:  "seed",
				Usage: "Terrain seed (overrides world.sim.seed)",
			},
			&cli.IntFlag{
				Name:  "size",
				Usage: "Half extent of the world along X and Z (overrides world.sim.size)",
			},
			&cli.DurationFlag{
				Name:  "tick-interval",
				Usage: "Wall time between ticks (overrides world.sim.tick_interval)",
			},
		},
		Action: worldAction,
	}
}

func resolveSim(c *cli.Context, cfg *stepconfig.Config) sim.Config {
	simCfg := configVal(cfg, func(c *stepconfig.Config) sim.Config { return c.World.Sim })
	if c.IsSet("seed") {
		simCfg.Seed = c.Int64("seed")
	}
	if c.IsSet("size") {
		simCfg.Size = c.Int("size")
	}
	if c.IsSet("tick-interval") {
		simCfg.TickInterval = c.Duration("tick-interval")
	}
	return simCfg
}

func worldAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}
	level := resolveString(c, "log-level", configVal(cfg, func(c *stepconfig.Config) string { return c.Log.Level }))
	logger, err := log.NewLoggerWithLevel(os.Stderr, level)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}
	defer func() { _ = logger.Sync() }()

	listen := c.String("listen")
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return cli.Exit(fmt.Sprintf("listen %s: %v", listen, err), exitConnection)
	}

	ctx, cancel := signalContext()
	defer cancel()

	w := sim.New(resolveSim(c, cfg), logger.With(map[string]any{"component": "sim"}))
	simErr := make(chan error, 1)
	go func() { simErr <- w.Run(ctx) }()

	srv := &remote.Server{World: w.Dialer(), Logger: logger}
	serveErr := srv.Serve(ctx, ln)
	cancel()
	if err := <-simErr; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("world stopped", map[string]any{"error": err.Error()})
	}
	if serveErr != nil {
		return cli.Exit(serveErr.Error(), exitConnection)
	}
	logger.Info("world server stopped", map[string]any{"tick": w.Tick()})
	return nil
}
