package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/stepwise/cli/client"
	stepconfig "github.com/pithecene-io/stepwise/cli/config"
	"github.com/pithecene-io/stepwise/types"
)

// Exit codes.
const (
	exitSuccess      = 0
	exitScriptError  = 1
	exitConnection   = 2
	exitInvalidInput = 3
)

// exitFor maps a command failure to a cli.Exit error with the matching code.
// Errors that already carry an exit code pass through.
func exitFor(err error) error {
	if err == nil {
		return nil
	}
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return err
	}

	var apiErr *client.APIError
	var terr *client.TransportError
	switch {
	case errors.As(err, &terr):
		return cli.Exit(err.Error(), exitConnection)
	case errors.As(err, &apiErr):
		switch apiErr.Kind {
		case types.ErrorKindConnection, types.ErrorKindClosed:
			return cli.Exit(apiErr.Message, exitConnection)
		case types.ErrorKindInternal:
			return cli.Exit(apiErr.Message, exitScriptError)
		default:
			return cli.Exit(apiErr.Message, exitInvalidInput)
		}
	default:
		return cli.Exit(err.Error(), exitScriptError)
	}
}

// loadConfig loads --config when set. A nil config means no file.
func loadConfig(c *cli.Context) (*stepconfig.Config, error) {
	path := c.String("config")
	if path == "" {
		return nil, nil
	}
	cfg, err := stepconfig.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// configVal reads a field from cfg, or returns the zero value for a nil cfg.
func configVal[T any](cfg *stepconfig.Config, get func(*stepconfig.Config) T) T {
	if cfg == nil {
		var zero T
		return zero
	}
	return get(cfg)
}

// resolveString applies precedence: explicit flag, then config, then the
// flag default.
func resolveString(c *cli.Context, flag, fromConfig string) string {
	if c.IsSet(flag) || fromConfig == "" {
		return c.String(flag)
	}
	return fromConfig
}

// resolveInt is resolveString for int flags. A zero config value is unset.
func resolveInt(c *cli.Context, flag string, fromConfig int) int {
	if c.IsSet(flag) || fromConfig == 0 {
		return c.Int(flag)
	}
	return fromConfig
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
