package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/stepwise/cli/render"
	"github.com/pithecene-io/stepwise/script/stdlib"
	"github.com/pithecene-io/stepwise/types"
)

// VersionResponse is the response for the version command.
// The CLI, the HTTP surface and the world protocol share one version.
type VersionResponse struct {
	Version  string `json:"version" yaml:"version"`
	Protocol string `json:"protocol" yaml:"protocol"`
	Commit   string `json:"commit" yaml:"commit"`
	// Stdlib is the checksum prefix of the bundled Lua helpers.
	Stdlib string `json:"stdlib" yaml:"stdlib"`
}

// VersionCommand returns the version command. It never contacts a server.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  ReadOnlyFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return cli.Exit(err.Error(), exitInvalidInput)
		}
		if c.Bool("tui") {
			return cli.Exit("--tui is not supported for version command", exitInvalidInput)
		}
		return r.Render(VersionResponse{
			Version:  types.Version,
			Protocol: types.ProtocolVersion,
			Commit:   commit,
			Stdlib:   stdlib.Checksum()[:16],
		})
	}
}
