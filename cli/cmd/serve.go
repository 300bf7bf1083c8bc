package cmd

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/stepwise/adapter"
	"github.com/pithecene-io/stepwise/adapter/redis"
	"github.com/pithecene-io/stepwise/adapter/webhook"
	stepconfig "github.com/pithecene-io/stepwise/cli/config"
	"github.com/pithecene-io/stepwise/iox"
	"github.com/pithecene-io/stepwise/log"
	"github.com/pithecene-io/stepwise/metrics"
	"github.com/pithecene-io/stepwise/reclaim"
	"github.com/pithecene-io/stepwise/script"
	"github.com/pithecene-io/stepwise/script/stdlib"
	"github.com/pithecene-io/stepwise/server"
	"github.com/pithecene-io/stepwise/session"
	"github.com/pithecene-io/stepwise/stuck"
	"github.com/pithecene-io/stepwise/world"
	"github.com/pithecene-io/stepwise/world/remote"
	"github.com/pithecene-io/stepwise/world/sim"
)

// ServeCommand returns the serve command, which runs the HTTP control server.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the agent control server",
		Flags: []cli.Flag{
			ConfigFlag,
			LogLevelFlag,
			&cli.StringFlag{
				Name:  "listen",
				Usage: "HTTP listen address",
				Value: ":3000",
			},
			&cli.BoolFlag{
				Name:  "sim",
				Usage: "Host an in-process simulated world instead of dialing a world server",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "Default world host for /start requests without one",
				Value: session.DefaultHost,
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Default world port for /start requests without one",
				Value: 25565,
			},
			&cli.StringFlag{
				Name:  "username",
				Usage: "Agent username presented to the world",
				Value: session.DefaultUsername,
			},
			&cli.IntFlag{
				Name:  "wait-ticks",
				Usage: "Default tick window for /start requests without waitTicks",
				Value: session.DefaultWaitTicks,
			},
			&cli.StringFlag{
				Name:  "adapter",
				Usage: "Step completion adapter: webhook or redis",
			},
			&cli.StringFlag{
				Name:  "adapter-url",
				Usage: "Adapter endpoint URL",
			},
			&cli.StringFlag{
				Name:  "adapter-channel",
				Usage: "Redis pub/sub channel (redis adapter)",
			},
			&cli.StringFlag{
				Name:  "library-dir",
				Usage: "Directory of extra .lua helpers loaded into every step",
			},
		},
		Action: serveAction,
	}
}

// serveChoice is the resolved serve configuration.
type serveChoice struct {
	listen      string
	sim         bool
	simConfig   sim.Config
	host        string
	port        int
	username    string
	dialTimeout time.Duration
	waitTicks   int
	bufferSize  int
	bodyLimit   int64
	stuck       stuck.Config
	reclaim     reclaim.Config
	retain      []string
	script      script.Options
	libraryDir  string
	adapter     stepconfig.AdapterConfig
	logLevel    string
}

func resolveServe(c *cli.Context, cfg *stepconfig.Config) serveChoice {
	var file stepconfig.Config
	if cfg != nil {
		file = *cfg
	}
	choice := serveChoice{
		listen:      resolveString(c, "listen", file.Server.Listen),
		sim:         c.Bool("sim"),
		simConfig:   file.World.Sim,
		host:        resolveString(c, "host", file.World.Host),
		port:        resolveInt(c, "port", file.World.Port),
		username:    resolveString(c, "username", file.World.Username),
		dialTimeout: file.World.DialTimeout.Duration,
		waitTicks:   resolveInt(c, "wait-ticks", file.Step.WaitTicks),
		bufferSize:  file.Step.BufferSize,
		bodyLimit:   file.Server.BodyLimit,
		stuck: stuck.Config{
			Threshold:   file.Step.Stuck.Threshold,
			Distance:    file.Step.Stuck.Distance,
			HistorySize: file.Step.Stuck.HistorySize,
		},
		retain: file.Reclaim.RetainItems,
		script: script.Options{
			CallStackSize: file.Script.CallStackSize,
			RegistrySize:  file.Script.RegistrySize,
		},
		libraryDir: resolveString(c, "library-dir", file.Script.LibraryDir),
		adapter:    file.Adapter,
		logLevel:   resolveString(c, "log-level", file.Log.Level),
	}

	choice.reclaim = reclaim.DefaultConfig()
	if file.Reclaim.Fixtures != nil {
		choice.reclaim.Fixtures = file.Reclaim.Fixtures
	}
	if file.Reclaim.StorageItem != "" {
		choice.reclaim.StorageItem = file.Reclaim.StorageItem
	}
	if file.Reclaim.HighWaterMark > 0 {
		choice.reclaim.HighWaterMark = file.Reclaim.HighWaterMark
	}
	if file.Reclaim.SearchRadius > 0 {
		choice.reclaim.SearchRadius = file.Reclaim.SearchRadius
	}

	if c.IsSet("adapter") {
		choice.adapter.Type = c.String("adapter")
	}
	if c.IsSet("adapter-url") {
		choice.adapter.URL = c.String("adapter-url")
	}
	if c.IsSet("adapter-channel") {
		choice.adapter.Channel = c.String("adapter-channel")
	}
	return choice
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}
	choice := resolveServe(c, cfg)
	check := stepconfig.Config{Adapter: choice.adapter, Log: stepconfig.LogConfig{Level: choice.logLevel}}
	if err := check.Validate(); err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}

	logger, err := log.NewLoggerWithLevel(os.Stderr, choice.logLevel)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}
	defer func() { _ = logger.Sync() }()

	ext, err := buildAdapter(choice.adapter)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}

	libs, err := scriptLibraries(choice.libraryDir)
	if err != nil {
		if ext != nil {
			iox.DiscardClose(ext)
		}
		return cli.Exit(err.Error(), exitInvalidInput)
	}
	choice.script.Libraries = libs

	ctx, cancel := signalContext()
	defer cancel()

	worldKind := "remote"
	if choice.sim {
		worldKind = "sim"
	}
	collector := metrics.NewCollector(worldKind, choice.adapter.Type)

	var dialer world.Dialer
	simDone := make(chan struct{})
	if choice.sim {
		w := sim.New(choice.simConfig, logger.With(map[string]any{"component": "sim"}))
		go func() {
			defer close(simDone)
			_ = w.Run(ctx)
		}()
		dialer = w.Dialer()
	} else {
		close(simDone)
		dialer = &remote.Dialer{
			Timeout:   choice.dialTimeout,
			Logger:    logger.With(map[string]any{"component": "remote"}),
			Collector: collector,
		}
	}

	hub := server.NewHub(logger.With(map[string]any{"component": "hub"}))
	var notifier adapter.Adapter = hub
	if ext != nil {
		notifier = adapter.Multi{hub, ext}
	}

	manager := session.New(session.Config{
		Dialer:           dialer,
		Username:         choice.username,
		DefaultHost:      choice.host,
		DefaultPort:      choice.port,
		DefaultWaitTicks: choice.waitTicks,
		RetainItems:      choice.retain,
		BufferSize:       choice.bufferSize,
		Stuck:            choice.stuck,
		Script:           choice.script,
		Reclaim:          choice.reclaim,
		Logger:           logger,
		Collector:        collector,
		Notifier:         notifier,
	})

	srv := server.New(server.Config{
		Manager:   manager,
		Hub:       hub,
		Collector: collector,
		Logger:    logger.With(map[string]any{"component": "http"}),
		BodyLimit: choice.bodyLimit,
	})

	ln, err := net.Listen("tcp", choice.listen)
	if err != nil {
		cancel()
		<-simDone
		return cli.Exit(fmt.Sprintf("listen %s: %v", choice.listen, err), exitConnection)
	}

	serveErr := srv.Serve(ctx, ln)
	manager.Close()
	closers := []io.Closer{hub}
	if ext != nil {
		closers = append(closers, ext)
	}
	if err := iox.CloseAll(closers...); err != nil {
		logger.Warn("adapter close failed", map[string]any{"error": err.Error()})
	}
	cancel()
	<-simDone

	if serveErr != nil {
		return cli.Exit(serveErr.Error(), exitConnection)
	}
	logger.Info("control server stopped", nil)
	return nil
}

// buildAdapter returns the configured external adapter, or nil when none is
// configured.
func buildAdapter(cfg stepconfig.AdapterConfig) (adapter.Adapter, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case stepconfig.AdapterWebhook:
		retries := webhook.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		return webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Secret:  cfg.Secret,
			Timeout:   cfg.Timeout.Duration,
			Retries:   retries,
			BaseDelay: cfg.Backoff.Duration,
		})
	case stepconfig.AdapterRedis:
		retries := redis.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		return redis.New(redis.Config{
			URL:             cfg.URL,
			Channel:         cfg.Channel,
			SessionChannels: cfg.SessionChannels,
			Timeout:         cfg.Timeout.Duration,
			Retries:         retries,
			BaseDelay:       cfg.Backoff.Duration,
		})
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Type)
	}
}

// scriptLibraries returns the bundled helpers followed by the .lua files in
// dir, in lexical order.
func scriptLibraries(dir string) ([]string, error) {
	paths, err := stdlib.Paths()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return paths, nil
	}
	extra, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return nil, fmt.Errorf("library dir %s: %w", dir, err)
	}
	if len(extra) == 0 {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("library dir %s: %w", dir, err)
		}
	}
	sort.Strings(extra)
	return append(paths, extra...), nil
}
