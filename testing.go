package blkfifo

import (
	"errors"
	"io"
	"sync"

	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// MockBackend is an in-memory Backend that counts calls. It is useful for
// unit testing code that consumes backends.
type MockBackend struct {
	mu       sync.RWMutex
	data     []byte
	size     int64
	closed   bool
	flushErr error
	stats    map[string]interface{}

	readCalls    int
	writeCalls   int
	flushCalls   int
	discardCalls int
}

// NewMockBackend creates a mock backend of size bytes
func NewMockBackend(size int64) *MockBackend {
	return &MockBackend{
		data:  make([]byte, size),
		size:  size,
		stats: make(map[string]interface{}),
	}
}

// ReadAt implements Backend
func (m *MockBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls++

	if m.closed {
		return 0, ErrBadState
	}
	if off < 0 {
		return 0, ErrInvalidParameters
	}
	if off >= m.size {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements Backend
func (m *MockBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++

	if m.closed {
		return 0, ErrBadState
	}
	if off < 0 || off > m.size || int64(len(p)) > m.size-off {
		return 0, wire.ErrOutOfRange
	}
	return copy(m.data[off:], p), nil
}

// Size implements Backend
func (m *MockBackend) Size() int64 {
	return m.size
}

// Close implements Backend
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

// Flush implements Backend. It returns the error set with SetFlushError.
func (m *MockBackend) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCalls++
	return m.flushErr
}

// Discard implements DiscardBackend
func (m *MockBackend) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discardCalls++

	if offset >= m.size {
		return nil
	}
	end := min(offset+length, m.size)
	clear(m.data[offset:end])
	return nil
}

// Stats implements StatBackend
func (m *MockBackend) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]interface{}, len(m.stats)+4)
	for k, v := range m.stats {
		stats[k] = v
	}
	stats["read_calls"] = m.readCalls
	stats["write_calls"] = m.writeCalls
	stats["flush_calls"] = m.flushCalls
	stats["discard_calls"] = m.discardCalls
	return stats
}

// IsClosed returns true if the backend has been closed
func (m *MockBackend) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// SetFlushError makes later Flush calls fail with err
func (m *MockBackend) SetFlushError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushErr = err
}

// CallCounts returns the number of times each method has been called
func (m *MockBackend) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"read":    m.readCalls,
		"write":   m.writeCalls,
		"flush":   m.flushCalls,
		"discard": m.discardCalls,
	}
}

// SetCustomStats sets extra entries reported by Stats
func (m *MockBackend) SetCustomStats(stats map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = make(map[string]interface{}, len(stats))
	for k, v := range stats {
		m.stats[k] = v
	}
}

// MockCall records one submission to a MockDevice
type MockCall struct {
	Op        uint32
	Flags     uint32
	Length    uint32
	VmoOffset uint64
	DevOffset uint64
}

// MockDevice is an in-memory BlockDevice for tests. It completes
// operations inline by default; SetAsync completes them on new goroutines
// and Hold queues them until Release.
type MockDevice struct {
	info DeviceInfo

	mu      sync.Mutex
	done    CompletionFunc
	data    []byte
	calls   []MockCall
	held    []func()
	hold    bool
	async   bool
	noFlush bool
	fault   func(MockCall) error
}

// NewMockDevice creates a zeroed device of blocks blocks
func NewMockDevice(blockSize uint32, blocks uint64, maxTransfer uint32) *MockDevice {
	return &MockDevice{
		info: DeviceInfo{BlockSize: blockSize, BlockCount: blocks, MaxTransferSize: maxTransfer},
		data: make([]byte, uint64(blockSize)*blocks),
	}
}

// Query implements BlockDevice
func (d *MockDevice) Query() DeviceInfo {
	return d.info
}

// SetCallbacks implements BlockDevice
func (d *MockDevice) SetCallbacks(done CompletionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done = done
}

// Read implements BlockDevice
func (d *MockDevice) Read(flags uint32, vmo VMO, length uint32, vmoOffset, devOffset uint64, cookie any) {
	d.submit(MockCall{OpRead, flags, length, vmoOffset, devOffset}, vmo, cookie)
}

// Write implements BlockDevice
func (d *MockDevice) Write(flags uint32, vmo VMO, length uint32, vmoOffset, devOffset uint64, cookie any) {
	d.submit(MockCall{OpWrite, flags, length, vmoOffset, devOffset}, vmo, cookie)
}

// Flush implements BlockDevice. Devices created with SetNoFlush complete
// flushes with ErrNotSupported.
func (d *MockDevice) Flush(flags uint32, cookie any) {
	d.submit(MockCall{Op: OpSync, Flags: flags}, nil, cookie)
}

func (d *MockDevice) submit(c MockCall, vmo VMO, cookie any) {
	d.mu.Lock()
	d.calls = append(d.calls, c)
	done := d.done
	run := func() { done(cookie, d.execute(c, vmo)) }
	switch {
	case d.hold:
		d.held = append(d.held, run)
		d.mu.Unlock()
	case d.async:
		d.mu.Unlock()
		go run()
	default:
		d.mu.Unlock()
		run()
	}
}

func (d *MockDevice) execute(c MockCall, vmo VMO) error {
	d.mu.Lock()
	fault, noFlush := d.fault, d.noFlush
	d.mu.Unlock()

	if fault != nil {
		if err := fault(c); err != nil {
			return err
		}
	}
	if c.Op == OpSync {
		if noFlush {
			return wire.ErrNotSupported
		}
		return nil
	}

	if c.DevOffset > uint64(len(d.data)) || uint64(c.Length) > uint64(len(d.data))-c.DevOffset {
		return wire.ErrOutOfRange
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	region := d.data[c.DevOffset : c.DevOffset+uint64(c.Length)]
	var err error
	if c.Op == OpRead {
		_, err = vmo.WriteAt(region, int64(c.VmoOffset))
	} else {
		var n int
		n, err = vmo.ReadAt(region, int64(c.VmoOffset))
		if errors.Is(err, io.EOF) && n == len(region) {
			err = nil
		}
	}
	return err
}

// SetAsync completes operations on new goroutines
func (d *MockDevice) SetAsync(async bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.async = async
}

// SetNoFlush makes flushes fail with ErrNotSupported
func (d *MockDevice) SetNoFlush(noFlush bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noFlush = noFlush
}

// SetFault installs a function consulted before every operation; a non-nil
// result fails the operation.
func (d *MockDevice) SetFault(fault func(MockCall) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault = fault
}

// Hold queues completions until Release is called
func (d *MockDevice) Hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hold = true
}

// Release stops holding and completes everything queued, in order
func (d *MockDevice) Release() {
	d.mu.Lock()
	held := d.held
	d.held = nil
	d.hold = false
	d.mu.Unlock()

	for _, run := range held {
		run()
	}
}

// Held returns the number of queued completions
func (d *MockDevice) Held() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

// Calls returns a copy of every submission so far
func (d *MockDevice) Calls() []MockCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MockCall(nil), d.calls...)
}

// Bytes returns a copy of the device contents
func (d *MockDevice) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.data...)
}

var (
	_ Backend        = (*MockBackend)(nil)
	_ DiscardBackend = (*MockBackend)(nil)
	_ StatBackend    = (*MockBackend)(nil)
	_ BlockDevice    = (*MockDevice)(nil)
)
