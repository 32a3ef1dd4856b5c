package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rubiojr/tavern/pkg/api"
	"github.com/rubiojr/tavern/pkg/version"
	"github.com/urfave/cli/v3"
)

// VersionCommand prints the tavern version, and with --server the version a
// running server reports on /health.
func VersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show the tavern version, optionally with a server's",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "Also ask this tavern server for its version",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return printVersion(ctx, os.Stdout, c.String("server"))
		},
	}
}

func printVersion(ctx context.Context, out io.Writer, server string) error {
	fmt.Fprintln(out, version.BuildVersion())
	if server == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/health", nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("asking %s: %w", server, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("asking %s: %s", server, resp.Status)
	}

	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}
	fmt.Fprintf(out, "server %s: version %s, node %d, %d sessions\n", server, health.Version, health.Node, health.Sessions)
	return nil
}
