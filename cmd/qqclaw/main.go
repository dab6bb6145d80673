package main

import (
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/qqclaw/internal/config"
	. "github.com/roelfdiedericks/qqclaw/internal/logging"
)

const version = "0.0.1"

// CLI is the top-level command grammar.
type CLI struct {
	Config  string `short:"c" type:"path" help:"Config file (qqclaw.json, .toml or .yaml). Defaults to the search path."`
	Verbose bool   `short:"v" help:"Force debug logging regardless of config."`

	Run     RunCmd     `cmd:"" default:"withargs" help:"Connect the configured accounts and serve. This is the default."`
	Send    SendCmd    `cmd:"" help:"Send one proactive message and exit."`
	Voice   VoiceCmd   `cmd:"" help:"Convert audio to and from the vendor SILK voice format."`
	Archive ArchiveCmd `cmd:"" help:"Inspect or prune the message archive."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

// VersionCmd prints the version and exits.
type VersionCmd struct{}

func (VersionCmd) Run(*CLI) error {
	fmt.Printf("qqclaw %s\n", version)
	return nil
}

// initLogging builds the logger from the flags alone, so problems
// loading the config file are still visible.
func initLogging(cli *CLI) {
	level := LevelInfo
	if cli.Verbose {
		level = LevelDebug
	}
	Init(&Config{Level: level, ShowCaller: true})
}

// setupConfig initializes logging, loads the config file and rebuilds
// the logger from its log section. -v keeps debug on either way.
func setupConfig(cli *CLI) (*config.Config, error) {
	initLogging(cli)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}

	level := ParseLevel(cfg.Log.Level)
	if cli.Verbose {
		level = LevelDebug
	}
	Init(&Config{
		Level:      level,
		ShowCaller: !cfg.Log.NoCaller,
		LogFile:    cfg.Log.File,
	})
	return cfg, nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("qqclaw"),
		kong.Description("Persistent gateway client for QQ bot accounts."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli))
}
