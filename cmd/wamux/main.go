// Command wamux runs the messaging session orchestrator.
package main

import (
	"fmt"
	"os"

	"wamux/cmd/internal/app"

	"github.com/alecthomas/kong"
)

var version = "dev"

// CLI is the root command line. WAMUX_* environment variables override the config
// file; command flags override both.
type CLI struct {
	Config  string   `short:"c" help:"YAML configuration file" env:"WAMUX_CONFIG_FILE" type:"path"`
	EnvFile []string `name:"env-file" help:"dotenv files to load before reading the environment" type:"path"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the HTTP API and session supervisors"`
	Migrate MigrateCmd `cmd:"" help:"Create the Postgres tables of the configured backends"`
	Version VersionCmd `cmd:"" help:"Print the version"`
}

func (c *CLI) load() (app.Config, error) {
	return app.LoadConfig(c.Config, c.EnvFile...)
}

// ServeCmd runs the server until SIGINT or SIGTERM.
type ServeCmd struct {
	Addr string `help:"Listen address (overrides WAMUX_HTTP_ADDR)"`
}

func (s *ServeCmd) Run(root *CLI) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	if s.Addr != "" {
		cfg.HTTPAddr = s.Addr
	}
	return app.Serve(cfg)
}

// MigrateCmd creates database schemas and exits.
type MigrateCmd struct{}

func (m *MigrateCmd) Run(root *CLI) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	return app.RunMigrate(cfg)
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Println("wamux", version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("wamux"),
		kong.Description("Session orchestrator for a multi-device messaging bridge."),
		kong.Bind(&cli),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "wamux:", err)
		os.Exit(1)
	}
}
