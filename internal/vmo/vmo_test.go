package vmo

import (
	"errors"
	"io"
	"testing"

	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

func TestMemoryReadWrite(t *testing.T) {
	m := NewMemory(64)
	defer m.Close()

	if m.Size() != 64 {
		t.Fatalf("Size() = %d, want 64", m.Size())
	}

	data := []byte("block fifo")
	n, err := m.WriteAt(data, 10)
	if err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("WriteAt wrote %d bytes, want %d", n, len(data))
	}

	buf := make([]byte, len(data))
	if _, err := m.ReadAt(buf, 10); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != string(data) {
		t.Errorf("ReadAt got %q, want %q", buf, data)
	}
	if string(m.Bytes()[10:20]) != string(data) {
		t.Errorf("Bytes() does not reflect the write")
	}
}

func TestMemoryBounds(t *testing.T) {
	m := NewMemory(16)

	tests := []struct {
		name   string
		off    int64
		size   int
		wantN  int
		wantIO bool
	}{
		{"inside", 0, 16, 16, false},
		{"tail", 8, 16, 8, true},
		{"past end", 16, 4, 0, true},
		{"negative", -1, 4, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := m.ReadAt(make([]byte, tt.size), tt.off)
			if n != tt.wantN {
				t.Errorf("ReadAt n = %d, want %d", n, tt.wantN)
			}
			if tt.wantIO && !errors.Is(err, io.EOF) {
				t.Errorf("ReadAt err = %v, want io.EOF", err)
			}
		})
	}

	if _, err := m.WriteAt(make([]byte, 4), 14); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("WriteAt across end err = %v, want ErrOutOfRange", err)
	}
	if got := wire.StatusOf(func() error { _, err := m.WriteAt([]byte{1}, 16); return err }()); got != wire.ErrOutOfRange {
		t.Errorf("StatusOf(out of range write) = %v, want %v", got, wire.ErrOutOfRange)
	}
}

func TestMemoryClose(t *testing.T) {
	m := FromBytes(make([]byte, 8))
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !m.Closed() {
		t.Error("Closed() = false after Close")
	}
	if err := m.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close err = %v, want ErrClosed", err)
	}
	_, err := m.ReadAt(make([]byte, 1), 0)
	if wire.StatusOf(err) != wire.ErrBadHandle {
		t.Errorf("StatusOf(read after close) = %v, want %v", wire.StatusOf(err), wire.ErrBadHandle)
	}
}
