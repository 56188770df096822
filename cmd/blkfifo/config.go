package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ehrlich-b/go-blkfifo"
	"github.com/ehrlich-b/go-blkfifo/backend"
	"github.com/ehrlich-b/go-blkfifo/internal/logging"
)

// config is the blkfifo configuration file. Flags given on the command
// line override the values loaded from it.
type config struct {
	Device deviceConfig `toml:"device"`
	Server serverConfig `toml:"server"`
	Log    logConfig    `toml:"log"`
}

type deviceConfig struct {
	// Backend is one of memory, file, bolt or uring
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	Size        string `toml:"size"`
	BlockSize   uint32 `toml:"block_size"`
	MaxTransfer string `toml:"max_transfer"`
	Workers     int    `toml:"workers"`
	ReadOnly    bool   `toml:"read_only"`
	// NoSync skips the fsync on every bolt commit; Flush syncs instead
	NoSync bool `toml:"no_sync"`
}

type serverConfig struct {
	Name      string `toml:"name"`
	FIFODepth int    `toml:"fifo_depth"`
	Txns      int    `toml:"txns"`
}

type logConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func defaultConfig() *config {
	return &config{
		Device: deviceConfig{
			Backend:     "memory",
			Size:        "64M",
			BlockSize:   blkfifo.DefaultBlockSize,
			MaxTransfer: "64K",
			Workers:     blkfifo.DefaultWorkers,
		},
		Server: serverConfig{
			Name:      "blkfifo",
			FIFODepth: blkfifo.FIFOMaxDepth,
			Txns:      blkfifo.MaxTxnCount,
		},
		Log: logConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (*config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return c, nil
}

// write encodes c as TOML
func (c *config) write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

func (c *config) logger(out io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = c.Log.Format
	if out != nil {
		lc.Output = out
	}
	return logging.NewLogger(lc), nil
}

// stack is an open backend and the block device serving it
type stack struct {
	dev     blkfifo.BlockDevice
	backend blkfifo.Backend // nil for the uring device
	closers []io.Closer
}

func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type statter interface {
	Stats() map[string]interface{}
}

// stats returns the device's statistics, or the backend's when the device
// keeps none
func (s *stack) stats() map[string]interface{} {
	if st, ok := s.dev.(statter); ok {
		return st.Stats()
	}
	if st, ok := s.backend.(blkfifo.StatBackend); ok {
		return st.Stats()
	}
	return nil
}

// openStack opens the configured backend and wraps it in a block device
func openStack(c *deviceConfig, logger *logging.Logger) (*stack, error) {
	size, err := parseSize(c.Size)
	if err != nil {
		return nil, fmt.Errorf("device size: %w", err)
	}
	maxTransfer, err := parseSize(c.MaxTransfer)
	if err != nil {
		return nil, fmt.Errorf("max transfer: %w", err)
	}
	if maxTransfer > 1<<30 {
		return nil, fmt.Errorf("max transfer %s too large", c.MaxTransfer)
	}

	s := &stack{}
	var be blkfifo.Backend
	switch c.Backend {
	case "memory", "":
		be = backend.NewMemory(size)
	case "file":
		if c.Path == "" {
			return nil, errors.New("file backend needs a path")
		}
		be, err = backend.OpenFile(c.Path, backend.FileOptions{Size: size, ReadOnly: c.ReadOnly})
	case "bolt":
		if c.Path == "" {
			return nil, errors.New("bolt backend needs a path")
		}
		be, err = backend.OpenBolt(c.Path, backend.BoltOptions{
			Size:    size,
			NoSync:  c.NoSync,
			Timeout: time.Second,
		})
	case "uring":
		if c.Path == "" {
			return nil, errors.New("uring device needs a path")
		}
		dev, err := blkfifo.OpenUringDevice(blkfifo.UringConfig{
			Path:            c.Path,
			BlockSize:       c.BlockSize,
			MaxTransferSize: uint32(maxTransfer),
			ReadOnly:        c.ReadOnly,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		s.dev = dev
		s.closers = append(s.closers, dev)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
	if err != nil {
		return nil, err
	}
	s.backend = be
	s.closers = append(s.closers, be)

	dev, err := blkfifo.NewDevice(blkfifo.DeviceConfig{
		Backend:         be,
		BlockSize:       c.BlockSize,
		MaxTransferSize: uint32(maxTransfer),
		Workers:         c.Workers,
		Logger:          logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.dev = dev
	s.closers = append(s.closers, dev)
	return s, nil
}

// fatalf reports a command failure on stderr
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "blkfifo: "+format+"\n", args...)
}
