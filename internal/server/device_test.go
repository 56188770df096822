package server

import (
	"sync"

	"github.com/ehrlich-b/go-blkfifo/internal/interfaces"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// call records one device submission
type call struct {
	op        uint32
	flags     uint32
	length    uint32
	vmoOffset uint64
	devOffset uint64
	vmo       interfaces.VMO
	cookie    any
	seq       int // zero-based submission index
}

// fakeDevice is an in-memory BlockDevice. By default it completes every
// operation before the submitting call returns; with hold set, completions
// are queued until release is called.
type fakeDevice struct {
	info interfaces.DeviceInfo

	mu      sync.Mutex
	done    interfaces.CompletionFunc
	data    []byte
	calls   []call
	held    []call
	hold    bool
	async   bool // complete on a new goroutine
	noFlush bool
	fail    func(c call) error
}

func newFakeDevice(blockSize uint32, blocks uint64, maxXfer uint32) *fakeDevice {
	return &fakeDevice{
		info: interfaces.DeviceInfo{BlockSize: blockSize, BlockCount: blocks, MaxTransferSize: maxXfer},
		data: make([]byte, uint64(blockSize)*blocks),
	}
}

func (d *fakeDevice) Query() interfaces.DeviceInfo { return d.info }

func (d *fakeDevice) SetCallbacks(done interfaces.CompletionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done = done
}

func (d *fakeDevice) Read(flags uint32, vmo interfaces.VMO, length uint32, vmoOffset, devOffset uint64, cookie any) {
	d.submit(call{op: wire.OpRead, flags: flags, length: length, vmoOffset: vmoOffset, devOffset: devOffset, vmo: vmo, cookie: cookie})
}

func (d *fakeDevice) Write(flags uint32, vmo interfaces.VMO, length uint32, vmoOffset, devOffset uint64, cookie any) {
	d.submit(call{op: wire.OpWrite, flags: flags, length: length, vmoOffset: vmoOffset, devOffset: devOffset, vmo: vmo, cookie: cookie})
}

func (d *fakeDevice) Flush(flags uint32, cookie any) {
	d.submit(call{op: wire.OpSync, flags: flags, cookie: cookie})
}

func (d *fakeDevice) submit(c call) {
	d.mu.Lock()
	c.seq = len(d.calls)
	d.calls = append(d.calls, c)
	if d.hold {
		d.held = append(d.held, c)
		d.mu.Unlock()
		return
	}
	err := d.execLocked(c)
	done, async := d.done, d.async
	d.mu.Unlock()

	if async {
		go done(c.cookie, err)
		return
	}
	done(c.cookie, err)
}

func (d *fakeDevice) execLocked(c call) error {
	if d.fail != nil {
		if err := d.fail(c); err != nil {
			return err
		}
	}
	switch c.op {
	case wire.OpSync:
		if d.noFlush {
			return wire.ErrNotSupported
		}
		return nil
	case wire.OpRead:
		if c.devOffset+uint64(c.length) > uint64(len(d.data)) {
			return wire.ErrOutOfRange
		}
		_, err := c.vmo.WriteAt(d.data[c.devOffset:c.devOffset+uint64(c.length)], int64(c.vmoOffset))
		return err
	case wire.OpWrite:
		if c.devOffset+uint64(c.length) > uint64(len(d.data)) {
			return wire.ErrOutOfRange
		}
		_, err := c.vmo.ReadAt(d.data[c.devOffset:c.devOffset+uint64(c.length)], int64(c.vmoOffset))
		return err
	}
	return wire.ErrNotSupported
}

// release completes every held operation in submission order. Operations
// submitted by those completions are held again.
func (d *fakeDevice) release() int {
	d.mu.Lock()
	held := d.held
	d.held = nil
	type result struct {
		cookie any
		err    error
	}
	results := make([]result, 0, len(held))
	for _, c := range held {
		results = append(results, result{c.cookie, d.execLocked(c)})
	}
	done := d.done
	d.mu.Unlock()

	for _, r := range results {
		done(r.cookie, r.err)
	}
	return len(results)
}

func (d *fakeDevice) setHold(hold bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hold = hold
}

func (d *fakeDevice) heldCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

func (d *fakeDevice) snapshot() []call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]call(nil), d.calls...)
}

func (d *fakeDevice) bytes(off, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.data[off:off+n]...)
}
