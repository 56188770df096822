package device

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-blkfifo/internal/interfaces"
	"github.com/ehrlich-b/go-blkfifo/internal/vmo"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// testBackend is an in-memory backend that records the order of calls.
// When gate is non-nil WriteAt blocks until it is closed.
type testBackend struct {
	mu     sync.Mutex
	data   []byte
	events []string
	gate   chan struct{}
}

func newTestBackend(size int) *testBackend {
	return &testBackend{data: make([]byte, size)}
}

func (b *testBackend) record(ev string) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *testBackend) ReadAt(p []byte, off int64) (int, error) {
	b.record("read")
	b.mu.Lock()
	defer b.mu.Unlock()
	return copy(p, b.data[off:]), nil
}

func (b *testBackend) WriteAt(p []byte, off int64) (int, error) {
	if b.gate != nil {
		<-b.gate
	}
	b.record("write")
	b.mu.Lock()
	defer b.mu.Unlock()
	return copy(b.data[off:], p), nil
}

func (b *testBackend) Size() int64  { return int64(len(b.data)) }
func (b *testBackend) Close() error { return nil }

func (b *testBackend) Flush() error {
	b.record("flush")
	return nil
}

func (b *testBackend) Stats() map[string]interface{} {
	return map[string]interface{}{"size": len(b.data)}
}

func (b *testBackend) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

type result struct {
	cookie any
	err    error
}

func startDevice(t *testing.T, backend interfaces.Backend, workers int) (*Device, chan result) {
	t.Helper()
	dev, err := New(Config{Backend: backend, BlockSize: 512, MaxTransferSize: 8192, Workers: workers})
	require.NoError(t, err)

	results := make(chan result, 64)
	dev.SetCallbacks(func(cookie any, err error) {
		results <- result{cookie, err}
	})
	t.Cleanup(func() { _ = dev.Close() })
	return dev, results
}

func wait(t *testing.T, results chan result) result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return result{}
	}
}

// plainVMO hides the Mapper interface so transfers go through bounce buffers
type plainVMO struct {
	interfaces.VMO
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no backend", Config{}},
		{"block size not power of two", Config{Backend: newTestBackend(4096), BlockSize: 768}},
		{"max transfer not block multiple", Config{Backend: newTestBackend(4096), BlockSize: 512, MaxTransferSize: 1000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, wire.ErrInvalidArgs)
		})
	}
}

func TestQueryRoundsDown(t *testing.T) {
	dev, _ := startDevice(t, newTestBackend(512*10+100), 1)

	info := dev.Query()
	assert.Equal(t, uint32(512), info.BlockSize)
	assert.Equal(t, uint64(10), info.BlockCount)
	assert.Equal(t, uint32(8192), info.MaxTransferSize)
}

func TestRoundTrip(t *testing.T) {
	for _, direct := range []bool{true, false} {
		name := "bounce"
		if direct {
			name = "direct"
		}
		t.Run(name, func(t *testing.T) {
			backend := newTestBackend(64 * 1024)
			dev, results := startDevice(t, backend, 2)

			src := vmo.FromBytes(bytes.Repeat([]byte{0x5A}, 4096))
			dst := vmo.NewMemory(4096)
			var srcVMO, dstVMO interfaces.VMO = src, dst
			if !direct {
				srcVMO, dstVMO = plainVMO{src}, plainVMO{dst}
			}

			dev.Write(0, srcVMO, 2048, 1024, 8192, "w")
			r := wait(t, results)
			require.NoError(t, r.err)
			assert.Equal(t, "w", r.cookie)

			dev.Read(0, dstVMO, 2048, 0, 8192, "r")
			r = wait(t, results)
			require.NoError(t, r.err)
			assert.Equal(t, "r", r.cookie)

			assert.Equal(t, bytes.Repeat([]byte{0x5A}, 2048), dst.Bytes()[:2048])
			assert.Equal(t, make([]byte, 2048), dst.Bytes()[2048:])
		})
	}
}

func TestValidation(t *testing.T) {
	dev, results := startDevice(t, newTestBackend(16*512), 1)
	buf := vmo.NewMemory(16 * 512)

	tests := []struct {
		name      string
		length    uint32
		devOffset uint64
		want      error
	}{
		{"unaligned offset", 512, 100, wire.ErrInvalidArgs},
		{"unaligned length", 100, 0, wire.ErrInvalidArgs},
		{"over max transfer", 16384, 0, wire.ErrInvalidArgs},
		{"past end", 1024, 15 * 512, wire.ErrOutOfRange},
		{"offset past end", 512, 1 << 40, wire.ErrOutOfRange},
		{"last block", 512, 15 * 512, nil},
		{"zero length", 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev.Read(0, buf, tt.length, 0, tt.devOffset, nil)
			r := wait(t, results)
			if tt.want == nil {
				assert.NoError(t, r.err)
			} else {
				assert.ErrorIs(t, r.err, tt.want)
			}
		})
	}
}

func TestSyncFlags(t *testing.T) {
	backend := newTestBackend(64 * 1024)
	dev, results := startDevice(t, backend, 1)
	buf := vmo.NewMemory(4096)

	// Clean device: SyncBefore has nothing to flush
	dev.Read(wire.FlagSyncBefore, buf, 512, 0, 0, nil)
	require.NoError(t, wait(t, results).err)
	assert.Equal(t, []string{"read"}, backend.snapshot())

	dev.Write(wire.FlagSyncAfter, buf, 512, 0, 0, nil)
	require.NoError(t, wait(t, results).err)
	assert.Equal(t, []string{"read", "write", "flush"}, backend.snapshot())

	dev.Write(0, buf, 512, 0, 0, nil)
	require.NoError(t, wait(t, results).err)
	dev.Write(wire.FlagSyncBefore, buf, 512, 0, 512, nil)
	require.NoError(t, wait(t, results).err)
	assert.Equal(t, []string{"read", "write", "flush", "write", "flush", "write"}, backend.snapshot())

	dev.Flush(0, "f")
	r := wait(t, results)
	require.NoError(t, r.err)
	assert.Equal(t, "f", r.cookie)
	assert.Equal(t, "flush", backend.snapshot()[6])
}

func TestFlushWaitsForEarlierWrites(t *testing.T) {
	backend := newTestBackend(64 * 1024)
	backend.gate = make(chan struct{})
	dev, results := startDevice(t, backend, 4)
	buf := vmo.NewMemory(4096)

	dev.Write(0, buf, 512, 0, 0, "w")
	dev.Flush(0, "f")

	// The flush must not overtake the blocked write
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, backend.snapshot())

	close(backend.gate)
	cookies := []any{wait(t, results).cookie, wait(t, results).cookie}
	assert.ElementsMatch(t, []any{"w", "f"}, cookies)
	assert.Equal(t, []string{"write", "flush"}, backend.snapshot())
}

func TestCloseDrainsQueue(t *testing.T) {
	backend := newTestBackend(64 * 1024)
	dev, err := New(Config{Backend: backend, Workers: 2})
	require.NoError(t, err)

	var mu sync.Mutex
	completed := 0
	var lastErr error
	dev.SetCallbacks(func(_ any, err error) {
		mu.Lock()
		defer mu.Unlock()
		completed++
		if err != nil {
			lastErr = err
		}
	})

	buf := vmo.NewMemory(4096)
	for i := 0; i < 20; i++ {
		dev.Write(0, buf, 512, 0, uint64(i)*512, i)
	}
	require.NoError(t, dev.Close())

	mu.Lock()
	assert.Equal(t, 20, completed)
	assert.NoError(t, lastErr)
	mu.Unlock()

	dev.Read(0, buf, 512, 0, 0, "late")
	mu.Lock()
	assert.Equal(t, 21, completed)
	assert.ErrorIs(t, lastErr, wire.ErrBadState)
	mu.Unlock()

	assert.ErrorIs(t, dev.Close(), wire.ErrBadState)
}

func TestStats(t *testing.T) {
	backend := newTestBackend(64 * 1024)
	dev, results := startDevice(t, backend, 1)
	buf := vmo.NewMemory(4096)

	dev.Write(0, buf, 512, 0, 0, nil)
	wait(t, results)
	dev.Read(0, buf, 512, 0, 0, nil)
	wait(t, results)
	dev.Read(0, buf, 100, 0, 0, nil)
	wait(t, results)
	dev.Flush(0, nil)
	wait(t, results)

	stats := dev.Stats()
	assert.Equal(t, uint64(1), stats["writes"])
	assert.Equal(t, uint64(1), stats["reads"])
	assert.Equal(t, uint64(1), stats["flushes"])
	assert.Equal(t, uint64(1), stats["failures"])
	assert.Equal(t, 64*1024, stats["backend.size"])
}

func TestSpan(t *testing.T) {
	m := vmo.NewMemory(1024)

	span, ok := Span(m, 512, 512)
	require.True(t, ok)
	assert.Len(t, span, 512)

	_, ok = Span(m, 768, 512)
	assert.False(t, ok)

	_, ok = Span(plainVMO{m}, 0, 512)
	assert.False(t, ok)
}

type discardBackend struct {
	*testBackend
}

func (b discardBackend) Discard(offset, length int64) error {
	b.record("discard")
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.data[offset : offset+length])
	return nil
}

func TestZeroWritesDiscard(t *testing.T) {
	backend := discardBackend{newTestBackend(64 * 1024)}
	dev, results := startDevice(t, backend, 1)

	data := vmo.FromBytes(bytes.Repeat([]byte{1}, 1024))
	dev.Write(0, data, 1024, 0, 0, nil)
	require.NoError(t, wait(t, results).err)

	zeros := vmo.NewMemory(1024)
	dev.Write(0, plainVMO{zeros}, 512, 0, 0, nil)
	require.NoError(t, wait(t, results).err)

	assert.Equal(t, []string{"write", "discard"}, backend.snapshot())
	assert.Equal(t, make([]byte, 512), backend.data[:512])
	assert.Equal(t, bytes.Repeat([]byte{1}, 512), backend.data[512:1024])
	assert.Equal(t, uint64(1), dev.Stats()["discards"])
}

func TestIsZero(t *testing.T) {
	assert.True(t, isZero(nil))
	assert.True(t, isZero(make([]byte, 4099)))

	b := make([]byte, 4099)
	b[4098] = 1
	assert.False(t, isZero(b))
	b[4098], b[3] = 0, 1
	assert.False(t, isZero(b))
}
