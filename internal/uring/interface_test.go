package uring

import (
	"testing"

	"github.com/ehrlich-b/go-blkfifo/internal/constants"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

func TestConfigDefaults(t *testing.T) {
	config, err := Config{Path: "/dev/null"}.withDefaults()
	if err != nil {
		t.Fatalf("withDefaults failed: %v", err)
	}

	if config.Entries != DefaultEntries {
		t.Errorf("Entries = %d, want %d", config.Entries, DefaultEntries)
	}
	if config.BlockSize != constants.DefaultBlockSize {
		t.Errorf("BlockSize = %d, want %d", config.BlockSize, constants.DefaultBlockSize)
	}
	if config.MaxTransferSize != constants.DefaultMaxTransferSize {
		t.Errorf("MaxTransferSize = %d, want %d", config.MaxTransferSize, constants.DefaultMaxTransferSize)
	}
	if config.Logger == nil {
		t.Error("Logger is nil")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"no path", Config{}},
		{"entries not power of two", Config{Path: "x", Entries: 100}},
		{"block size not power of two", Config{Path: "x", BlockSize: 1000}},
		{"max transfer not block multiple", Config{Path: "x", BlockSize: 4096, MaxTransferSize: 6000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.config.withDefaults(); err == nil || wire.StatusOf(err) != wire.ErrInvalidArgs {
				t.Errorf("withDefaults error = %v, want INVALID_ARGS", err)
			}
			if _, err := Open(tt.config); err == nil {
				t.Error("Open succeeded with invalid config")
			}
		})
	}
}

func TestOpenUnsupported(t *testing.T) {
	if Supported() {
		t.Skip("io_uring support is built in")
	}
	if _, err := Open(Config{Path: "/dev/null"}); err != ErrUnsupported {
		t.Errorf("Open error = %v, want ErrUnsupported", err)
	}
}
