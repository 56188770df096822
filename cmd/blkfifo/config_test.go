package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-blkfifo/internal/logging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	c, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), c)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeFile(t, "blkfifo.toml", `
[device]
backend = "bolt"
path = "/tmp/disk.db"
size = "16M"
no_sync = true

[server]
name = "test"
txns = 32

[log]
level = "debug"
format = "json"
`)
	c, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "bolt", c.Device.Backend)
	assert.Equal(t, "/tmp/disk.db", c.Device.Path)
	assert.Equal(t, "16M", c.Device.Size)
	assert.True(t, c.Device.NoSync)
	assert.Equal(t, "test", c.Server.Name)
	assert.Equal(t, 32, c.Server.Txns)
	assert.Equal(t, "json", c.Log.Format)
	// Unset keys keep their defaults
	assert.Equal(t, "64K", c.Device.MaxTransfer)
	assert.Equal(t, defaultConfig().Server.FIFODepth, c.Server.FIFODepth)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = loadConfig(writeFile(t, "bad.toml", "[device\n"))
	assert.Error(t, err)

	_, err = loadConfig(writeFile(t, "unknown.toml", "[device]\ncolour = \"red\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device.colour")
}

func TestConfigRoundTrip(t *testing.T) {
	c := defaultConfig()
	c.Device.Backend = "file"
	c.Device.Path = "/var/tmp/image"

	var buf bytes.Buffer
	require.NoError(t, c.write(&buf))

	got, err := loadConfig(writeFile(t, "out.toml", buf.String()))
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestDeviceFlagsApply(t *testing.T) {
	c := defaultConfig()
	d := deviceFlags{backend: "file", size: "1G", workers: 2}
	d.apply(&c.Device)
	assert.Equal(t, "file", c.Device.Backend)
	assert.Equal(t, "1G", c.Device.Size)
	assert.Equal(t, 2, c.Device.Workers)
	assert.Equal(t, "64K", c.Device.MaxTransfer)
}

func TestOpenStack(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     deviceConfig
		wantErr bool
	}{
		{"memory", deviceConfig{Backend: "memory", Size: "1M", MaxTransfer: "64K"}, false},
		{"bolt", deviceConfig{Backend: "bolt", Path: filepath.Join(dir, "disk.db"), Size: "1M", MaxTransfer: "64K"}, false},
		{"bolt without path", deviceConfig{Backend: "bolt", Size: "1M", MaxTransfer: "64K"}, true},
		{"unknown", deviceConfig{Backend: "tape", Size: "1M", MaxTransfer: "64K"}, true},
		{"bad size", deviceConfig{Backend: "memory", Size: "lots", MaxTransfer: "64K"}, true},
		{"bad transfer", deviceConfig{Backend: "memory", Size: "1M", MaxTransfer: "3000"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := openStack(&tt.cfg, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.EqualValues(t, 1<<20, st.dev.Query().Size())
			assert.NotEmpty(t, st.stats())
			assert.NoError(t, st.Close())
		})
	}
}

func TestSession(t *testing.T) {
	c := defaultConfig()
	c.Device.Size = "1M"
	c.Log.Level = "error"

	s, err := startSession(context.Background(), c)
	require.NoError(t, err)

	txn, vmoid, buf, err := s.attach(4096)
	require.NoError(t, err)
	copy(buf.Bytes(), "session")

	ctx := context.Background()
	require.NoError(t, s.client.Write(ctx, txn, vmoid, 4096, 0, 0))
	clear(buf.Bytes())
	require.NoError(t, s.client.Read(ctx, txn, vmoid, 4096, 0, 0))
	assert.Equal(t, "session", string(buf.Bytes()[:7]))
	assert.Same(t, s.logger, logging.FromContext(s.context(ctx)))

	assert.NoError(t, s.Close())
}
