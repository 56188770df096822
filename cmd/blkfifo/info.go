package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/google/subcommands"

	"github.com/ehrlich-b/go-blkfifo"
)

// Info implements subcommands.Command for the "info" command
type Info struct {
	dev    deviceFlags
	asJSON bool
}

// Name implements subcommands.Command
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command
func (*Info) Synopsis() string {
	return "print the geometry and statistics of the configured device"
}

// Usage implements subcommands.Command
func (*Info) Usage() string {
	return "info [flags]\n"
}

// SetFlags implements subcommands.Command
func (i *Info) SetFlags(f *flag.FlagSet) {
	i.dev.register(f)
	f.BoolVar(&i.asJSON, "json", false, "print JSON")
}

type infoReport struct {
	Server  blkfifo.ServerInfo     `json:"server"`
	Backend string                 `json:"backend"`
	Stats   map[string]interface{} `json:"stats,omitempty"`
}

// Execute implements subcommands.Command
func (i *Info) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := setup()
	if err != nil {
		fatalf("%v", err)
		return subcommands.ExitFailure
	}
	i.dev.apply(&cfg.Device)

	s, err := startSession(ctx, cfg)
	if err != nil {
		fatalf("starting server: %v", err)
		return subcommands.ExitFailure
	}
	defer s.Close()

	report := infoReport{
		Server:  s.srv.Info(),
		Backend: cfg.Device.Backend,
		Stats:   s.stack.stats(),
	}

	if i.asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fatalf("%v", err)
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	}

	si := report.Server
	fmt.Printf("Server:        %s (%s)\n", si.Name, si.State)
	fmt.Printf("Backend:       %s\n", report.Backend)
	fmt.Printf("Size:          %s (%d bytes)\n", formatSize(int64(si.Size)), si.Size)
	fmt.Printf("Block size:    %d\n", si.BlockSize)
	fmt.Printf("Block count:   %d\n", si.BlockCount)
	fmt.Printf("Max transfer:  %s\n", formatSize(int64(si.MaxTransferSize)))
	if len(report.Stats) > 0 {
		keys := make([]string, 0, len(report.Stats))
		for k := range report.Stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("Stats:")
		for _, k := range keys {
			fmt.Printf("  %-20s %v\n", k, report.Stats[k])
		}
	}
	return subcommands.ExitSuccess
}

// DumpConfig implements subcommands.Command for the "config" command
type DumpConfig struct {
	dev deviceFlags
}

// Name implements subcommands.Command
func (*DumpConfig) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command
func (*DumpConfig) Synopsis() string {
	return "print the effective configuration as TOML"
}

// Usage implements subcommands.Command
func (*DumpConfig) Usage() string {
	return "config [flags]\n"
}

// SetFlags implements subcommands.Command
func (d *DumpConfig) SetFlags(f *flag.FlagSet) {
	d.dev.register(f)
}

// Execute implements subcommands.Command
func (d *DumpConfig) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := setup()
	if err != nil {
		fatalf("%v", err)
		return subcommands.ExitFailure
	}
	d.dev.apply(&cfg.Device)
	if err := cfg.write(os.Stdout); err != nil {
		fatalf("%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
