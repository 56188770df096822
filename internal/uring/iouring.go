//go:build linux && iouring

package uring

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/iceber/iouring-go"

	"github.com/ehrlich-b/go-blkfifo/internal/device"
	"github.com/ehrlich-b/go-blkfifo/internal/interfaces"
	"github.com/ehrlich-b/go-blkfifo/internal/logging"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// Device submits transfers to a file through io_uring. Completions are
// reaped on a single goroutine which runs the completion callback.
//
// FlagSyncBefore and flushes are submitted with IOSQE_IO_DRAIN so they start
// only after every earlier submission has completed. FlagSyncAfter issues a
// drained fdatasync once the transfer itself has succeeded.
type Device struct {
	file   *os.File
	fd     int
	ring   *iouring.IOURing
	info   interfaces.DeviceInfo
	logger *logging.Logger

	results chan iouring.Result
	reaped  chan struct{}

	mu      sync.Mutex
	done    interfaces.CompletionFunc
	closed  bool
	pending sync.WaitGroup
}

// request tracks one submission through possibly several ring operations
type request struct {
	kind      uint32
	flags     uint32
	vmo       interfaces.VMO
	length    uint32
	vmoOffset uint64
	devOffset uint64 // advances on short transfers
	buf       []byte // bytes still to transfer
	bounce    []byte // pooled buffer, nil when transferring in place
	syncing   bool   // trailing fdatasync in flight
	cookie    any
}

// Supported reports whether io_uring support was built in
func Supported() bool { return true }

// Open opens config.Path and sets up a ring for it
func Open(config Config) (*Device, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}

	flags := os.O_RDWR
	if config.ReadOnly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(config.Path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("uring: open %s: %w", config.Path, err)
	}
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("uring: size of %s: %w", config.Path, err)
	}

	ring, err := iouring.New(uint(config.Entries))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("uring: create ring: %w", err)
	}

	d := &Device{
		file: file,
		fd:   int(file.Fd()),
		ring: ring,
		info: interfaces.DeviceInfo{
			BlockSize:       config.BlockSize,
			BlockCount:      uint64(size) / uint64(config.BlockSize),
			MaxTransferSize: config.MaxTransferSize,
		},
		logger:  config.Logger,
		results: make(chan iouring.Result, 2*config.Entries),
		reaped:  make(chan struct{}),
	}
	go d.reap()

	d.logger.Info("opened io_uring device", "path", config.Path, "entries", config.Entries,
		"blocks", d.info.BlockCount)
	return d, nil
}

// Query returns the device geometry
func (d *Device) Query() interfaces.DeviceInfo {
	return d.info
}

// SetCallbacks installs the completion callback
func (d *Device) SetCallbacks(done interfaces.CompletionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done = done
}

func (d *Device) Read(flags uint32, vmo interfaces.VMO, length uint32, vmoOffset, devOffset uint64, cookie any) {
	d.start(&request{kind: wire.OpRead, flags: flags, vmo: vmo, length: length,
		vmoOffset: vmoOffset, devOffset: devOffset, cookie: cookie})
}

func (d *Device) Write(flags uint32, vmo interfaces.VMO, length uint32, vmoOffset, devOffset uint64, cookie any) {
	d.start(&request{kind: wire.OpWrite, flags: flags, vmo: vmo, length: length,
		vmoOffset: vmoOffset, devOffset: devOffset, cookie: cookie})
}

func (d *Device) Flush(flags uint32, cookie any) {
	d.start(&request{kind: wire.OpSync, flags: flags, cookie: cookie})
}

func (d *Device) start(req *request) {
	d.mu.Lock()
	done := d.done
	if d.closed {
		d.mu.Unlock()
		done(req.cookie, wire.ErrBadState)
		return
	}
	d.pending.Add(1)
	d.mu.Unlock()

	if req.kind != wire.OpSync {
		if err := device.CheckTransfer(d.info, req.devOffset, req.length); err != nil {
			d.finish(req, err)
			return
		}
		if req.length == 0 {
			d.finish(req, nil)
			return
		}
		if err := d.stage(req); err != nil {
			d.finish(req, err)
			return
		}
	}
	d.issue(req)
}

// stage points req.buf at the VMO bytes, or at a bounce buffer filled from
// the VMO for writes.
func (d *Device) stage(req *request) error {
	if span, ok := device.Span(req.vmo, req.vmoOffset, req.length); ok {
		req.buf = span
		return nil
	}
	req.bounce = device.GetBuffer(req.length)
	req.buf = req.bounce
	if req.kind == wire.OpWrite {
		n, err := req.vmo.ReadAt(req.bounce, int64(req.vmoOffset))
		if n == len(req.bounce) {
			return nil
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

// issue submits the next ring operation for req
func (d *Device) issue(req *request) {
	var prep iouring.PrepRequest
	switch {
	case req.kind == wire.OpSync || req.syncing:
		prep = iouring.Fdatasync(d.fd).WithDrain()
	case req.kind == wire.OpRead:
		prep = iouring.Pread(d.fd, req.buf, req.devOffset)
	default:
		prep = iouring.Pwrite(d.fd, req.buf, req.devOffset)
	}
	if req.flags&wire.FlagSyncBefore != 0 && !req.syncing && req.kind != wire.OpSync {
		prep = prep.WithDrain()
	}

	if _, err := d.ring.SubmitRequest(prep.WithInfo(req), d.results); err != nil {
		d.finish(req, fmt.Errorf("uring: submit: %w", err))
	}
}

func (d *Device) reap() {
	defer close(d.reaped)
	for res := range d.results {
		req := res.GetRequestInfo().(*request)
		d.handle(req, res)
	}
}

func (d *Device) handle(req *request, res iouring.Result) {
	if req.kind == wire.OpSync || req.syncing {
		d.finish(req, res.Err())
		return
	}

	n, err := res.ReturnInt()
	if err != nil {
		d.finish(req, err)
		return
	}
	if n < len(req.buf) {
		if n == 0 {
			d.finish(req, io.ErrUnexpectedEOF)
			return
		}
		req.buf = req.buf[n:]
		req.devOffset += uint64(n)
		d.issue(req)
		return
	}

	if req.kind == wire.OpRead && req.bounce != nil {
		if _, err := req.vmo.WriteAt(req.bounce, int64(req.vmoOffset)); err != nil {
			d.finish(req, err)
			return
		}
	}
	if req.kind == wire.OpWrite && req.flags&wire.FlagSyncAfter != 0 {
		req.syncing = true
		d.issue(req)
		return
	}
	d.finish(req, nil)
}

func (d *Device) finish(req *request, err error) {
	if req.bounce != nil {
		device.PutBuffer(req.bounce)
		req.bounce, req.buf = nil, nil
	}
	if err != nil {
		d.logger.Debug("io_uring request failed", "op", wire.OpName(req.kind),
			"dev_offset", req.devOffset, "length", req.length, "err", err)
	}

	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	done(req.cookie, err)
	d.pending.Done()
}

// Close waits for outstanding requests, then tears down the ring and file
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return wire.ErrBadState
	}
	d.closed = true
	d.mu.Unlock()

	d.pending.Wait()
	err := d.ring.Close()
	close(d.results)
	<-d.reaped
	if cerr := d.file.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ interfaces.BlockDevice = (*Device)(nil)
