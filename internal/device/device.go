// Package device adapts a synchronous storage Backend to the asynchronous
// BlockDevice protocol driven by the server.
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-blkfifo/internal/constants"
	"github.com/ehrlich-b/go-blkfifo/internal/interfaces"
	"github.com/ehrlich-b/go-blkfifo/internal/logging"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// Config describes an async device
type Config struct {
	Backend interfaces.Backend

	BlockSize       uint32 // Logical block size in bytes (default: 512)
	MaxTransferSize uint32 // Largest single transfer in bytes (default: 64KB)
	Workers         int    // Worker goroutines (default: 4)

	Logger *logging.Logger
}

// op is one queued submission
type op struct {
	kind      uint32 // wire.OpRead, wire.OpWrite or wire.OpSync
	flags     uint32
	vmo       interfaces.VMO
	length    uint32
	vmoOffset uint64
	devOffset uint64
	cookie    any
}

func (o *op) exclusive() bool {
	return o.kind == wire.OpSync || o.flags&(wire.FlagSyncBefore|wire.FlagSyncAfter) != 0
}

// Device runs backend I/O on a pool of worker goroutines. Submissions never
// block; they are queued and completed through the installed callback.
//
// Ordering: an operation carrying FlagSyncBefore or FlagSyncAfter, and every
// flush, runs alone. It starts only after all earlier operations finished
// and no later operation starts before it completes.
type Device struct {
	backend interfaces.Backend
	info    interfaces.DeviceInfo
	logger  *logging.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []op
	done   interfaces.CompletionFunc
	closed bool

	order sync.RWMutex
	dirty atomic.Bool
	g     errgroup.Group

	reads, writes, flushes, discards, failures atomic.Uint64
}

// New starts a device over cfg.Backend. The backend size is rounded down
// to a whole number of blocks.
func New(cfg Config) (*Device, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("device: no backend: %w", wire.ErrInvalidArgs)
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = constants.DefaultBlockSize
	}
	if cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return nil, fmt.Errorf("device: block size %d is not a power of two: %w", cfg.BlockSize, wire.ErrInvalidArgs)
	}
	if cfg.MaxTransferSize == 0 {
		cfg.MaxTransferSize = constants.DefaultMaxTransferSize
	}
	if cfg.MaxTransferSize%cfg.BlockSize != 0 {
		return nil, fmt.Errorf("device: max transfer %d is not a multiple of block size %d: %w",
			cfg.MaxTransferSize, cfg.BlockSize, wire.ErrInvalidArgs)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = constants.DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	d := &Device{
		backend: cfg.Backend,
		info: interfaces.DeviceInfo{
			BlockSize:       cfg.BlockSize,
			BlockCount:      uint64(cfg.Backend.Size()) / uint64(cfg.BlockSize),
			MaxTransferSize: cfg.MaxTransferSize,
		},
		logger: cfg.Logger,
	}
	d.cond = sync.NewCond(&d.mu)
	for i := 0; i < cfg.Workers; i++ {
		d.g.Go(d.worker)
	}
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

// Read queues a transfer from the device into vmo
func (d *Device) Read(flags uint32, vmo interfaces.VMO, length uint32, vmoOffset, devOffset uint64, cookie any) {
	d.enqueue(op{kind: wire.OpRead, flags: flags, vmo: vmo, length: length,
		vmoOffset: vmoOffset, devOffset: devOffset, cookie: cookie})
}

// Write queues a transfer from vmo to the device
func (d *Device) Write(flags uint32, vmo interfaces.VMO, length uint32, vmoOffset, devOffset uint64, cookie any) {
	d.enqueue(op{kind: wire.OpWrite, flags: flags, vmo: vmo, length: length,
		vmoOffset: vmoOffset, devOffset: devOffset, cookie: cookie})
}

// Flush queues a flush of the backend
func (d *Device) Flush(flags uint32, cookie any) {
	d.enqueue(op{kind: wire.OpSync, flags: flags, cookie: cookie})
}

func (d *Device) enqueue(o op) {
	d.mu.Lock()
	if d.closed {
		done := d.done
		d.mu.Unlock()
		done(o.cookie, wire.ErrBadState)
		return
	}
	d.queue = append(d.queue, o)
	d.mu.Unlock()
	d.cond.Signal()
}

// worker executes queued operations until the device is closed and the
// queue is drained. The ordering lock is taken while the queue lock is
// held so operations acquire it in submission order.
func (d *Device) worker() error {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return nil
		}
		o := d.queue[0]
		d.queue[0] = op{}
		d.queue = d.queue[1:]

		exclusive := o.exclusive()
		if exclusive {
			d.order.Lock()
		} else {
			d.order.RLock()
		}
		done := d.done
		d.mu.Unlock()

		err := d.execute(&o)

		if exclusive {
			d.order.Unlock()
		} else {
			d.order.RUnlock()
		}
		if err != nil {
			d.failures.Add(1)
		}
		done(o.cookie, err)
	}
}

func (d *Device) execute(o *op) error {
	if o.kind == wire.OpSync {
		d.flushes.Add(1)
		return d.flush()
	}
	if err := d.validate(o); err != nil {
		d.logger.Debug("rejected transfer", "op", wire.OpName(o.kind), "dev_offset", o.devOffset,
			"length", o.length, "err", err)
		return err
	}

	if o.flags&wire.FlagSyncBefore != 0 && d.dirty.Load() {
		if err := d.flush(); err != nil {
			return err
		}
	}

	var err error
	if o.kind == wire.OpRead {
		d.reads.Add(1)
		err = d.read(o)
	} else {
		d.writes.Add(1)
		err = d.write(o)
	}
	if err != nil {
		return err
	}

	if o.flags&wire.FlagSyncAfter != 0 && d.dirty.Load() {
		return d.flush()
	}
	return nil
}

// validate checks alignment and range against the device geometry
func (d *Device) validate(o *op) error {
	return CheckTransfer(d.info, o.devOffset, o.length)
}

// CheckTransfer reports whether a transfer of length bytes at devOffset is
// block aligned, within the transfer limit and inside the device.
func CheckTransfer(info interfaces.DeviceInfo, devOffset uint64, length uint32) error {
	bs := uint64(info.BlockSize)
	if devOffset%bs != 0 || uint64(length)%bs != 0 {
		return wire.ErrInvalidArgs
	}
	if info.MaxTransferSize != 0 && length > info.MaxTransferSize {
		return wire.ErrInvalidArgs
	}
	size := info.Size()
	if uint64(length) > size || devOffset > size-uint64(length) {
		return wire.ErrOutOfRange
	}
	return nil
}

func (d *Device) read(o *op) error {
	if o.length == 0 {
		return nil
	}
	if span, ok := Span(o.vmo, o.vmoOffset, o.length); ok {
		return readFull(d.backend, span, o.devOffset)
	}

	buf := GetBuffer(o.length)
	defer PutBuffer(buf)
	if err := readFull(d.backend, buf, o.devOffset); err != nil {
		return err
	}
	_, err := o.vmo.WriteAt(buf, int64(o.vmoOffset))
	return err
}

func (d *Device) write(o *op) error {
	if o.length == 0 {
		return nil
	}
	d.dirty.Store(true)

	data, ok := Span(o.vmo, o.vmoOffset, o.length)
	if !ok {
		buf := GetBuffer(o.length)
		defer PutBuffer(buf)
		if n, err := o.vmo.ReadAt(buf, int64(o.vmoOffset)); err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
			return err
		}
		data = buf
	}

	// Zero blocks are discarded so sparse backends stay sparse
	if db, ok := d.backend.(interfaces.DiscardBackend); ok && isZero(data) {
		d.discards.Add(1)
		return db.Discard(int64(o.devOffset), int64(o.length))
	}
	_, err := d.backend.WriteAt(data, int64(o.devOffset))
	return err
}

func isZero(b []byte) bool {
	for len(b) >= 8 {
		if binary.LittleEndian.Uint64(b) != 0 {
			return false
		}
		b = b[8:]
	}
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (d *Device) flush() error {
	d.dirty.Store(false)
	if err := d.backend.Flush(); err != nil {
		d.dirty.Store(true)
		return err
	}
	return nil
}

// readFull reads len(p) bytes at off, accepting io.EOF on a complete read
func readFull(b interfaces.Backend, p []byte, off uint64) error {
	n, err := b.ReadAt(p, int64(off))
	if n == len(p) && (err == nil || errors.Is(err, io.EOF)) {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// Span returns the bytes [off, off+n) of vmo when it can be addressed
// directly, for transfers without a bounce buffer.
func Span(vmo interfaces.VMO, off uint64, n uint32) ([]byte, bool) {
	m, ok := vmo.(interfaces.Mapper)
	if !ok {
		return nil, false
	}
	b := m.Bytes()
	if off > uint64(len(b)) || uint64(n) > uint64(len(b))-off {
		return nil, false
	}
	return b[off : off+uint64(n)], true
}

// Stats reports operation counters and, when available, backend statistics
func (d *Device) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"reads":    d.reads.Load(),
		"writes":   d.writes.Load(),
		"flushes":  d.flushes.Load(),
		"discards": d.discards.Load(),
		"failures": d.failures.Load(),
	}
	if sb, ok := d.backend.(interfaces.StatBackend); ok {
		for k, v := range sb.Stats() {
			stats["backend."+k] = v
		}
	}
	return stats
}

// Close stops accepting work, finishes everything already queued and waits
// for the workers to exit. It does not close the backend.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return wire.ErrBadState
	}
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()
	return d.g.Wait()
}

var _ interfaces.BlockDevice = (*Device)(nil)
