// Command blkfifo runs a block FIFO server in-process and drives it with
// synthetic workloads or recorded traces.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file")
	verbose    = flag.Bool("v", false, "verbose output")
	logFormat  = flag.String("log-format", "", "log format: text or json (overrides the config file)")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(Bench), "")
	subcommands.Register(new(Playback), "")
	subcommands.Register(new(Info), "")
	subcommands.Register(new(DumpConfig), "")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := subcommands.Execute(ctx)
	stop()
	os.Exit(int(code))
}

// setup loads the configuration named by -config and applies the global
// flags to it.
func setup() (*config, error) {
	c, err := loadConfig(*configPath)
	if err != nil {
		return nil, err
	}
	if *verbose {
		c.Log.Level = "debug"
	}
	if *logFormat != "" {
		c.Log.Format = *logFormat
	}
	return c, nil
}
