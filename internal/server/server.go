// Package server multiplexes block I/O requests read from a FIFO onto an
// asynchronous block device and answers each transaction group with a
// single response.
package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-blkfifo/internal/constants"
	"github.com/ehrlich-b/go-blkfifo/internal/fifo"
	"github.com/ehrlich-b/go-blkfifo/internal/interfaces"
	"github.com/ehrlich-b/go-blkfifo/internal/logging"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// SignalTerminate asserted on the server endpoint stops the dispatch loop.
// Clients may set it too, through SignalPeer.
const SignalTerminate = fifo.SignalUser0

type state int

const (
	stateIdle state = iota
	stateServing
	stateClosed
)

// Config describes a server
type Config struct {
	// Device receives every read, write and flush
	Device interfaces.BlockDevice

	// Name identifies the server in logs
	Name string

	// FIFODepth is the number of records the FIFO holds in each direction (default: FIFOMaxDepth)
	FIFODepth int

	// TxnCount is the number of transaction slots (default and maximum: MaxTxnCount)
	TxnCount int

	// MaxVmoid bounds buffer handles to [1, MaxVmoid) (default: VmoidMax)
	MaxVmoid uint32

	Logger   *logging.Logger
	Observer interfaces.Observer
}

// Server owns the server end of a block FIFO
type Server struct {
	name     string
	dev      interfaces.BlockDevice
	info     interfaces.DeviceInfo
	fifo     *fifo.Endpoint
	logger   *logging.Logger
	observer interfaces.Observer

	// mu guards the buffer registry, the transaction table and state.
	// It is never held across a device submission or a FIFO write.
	mu      sync.Mutex
	buffers *registry
	txns    []*Transaction
	state   state

	inflight  sync.WaitGroup
	depth     atomic.Int32
	serveDone chan struct{}
}

// New creates a server for cfg.Device and returns it together with the
// client end of its FIFO.
func New(cfg Config) (*Server, *fifo.Endpoint, error) {
	if cfg.Device == nil {
		return nil, nil, fmt.Errorf("server: no device: %w", wire.ErrInvalidArgs)
	}
	if cfg.FIFODepth <= 0 {
		cfg.FIFODepth = constants.FIFOMaxDepth
	}
	if cfg.TxnCount <= 0 || cfg.TxnCount > constants.MaxTxnCount {
		cfg.TxnCount = constants.MaxTxnCount
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	serverEnd, clientEnd, err := fifo.Create(cfg.FIFODepth, constants.FIFOElemSize)
	if err != nil {
		return nil, nil, fmt.Errorf("server: create fifo: %w", err)
	}

	s := &Server{
		name:      cfg.Name,
		dev:       cfg.Device,
		info:      cfg.Device.Query(),
		fifo:      serverEnd,
		logger:    cfg.Logger.WithServer(cfg.Name),
		observer:  cfg.Observer,
		buffers:   newRegistry(cfg.MaxVmoid),
		txns:      make([]*Transaction, cfg.TxnCount),
		serveDone: make(chan struct{}),
	}
	return s, clientEnd, nil
}

// Info returns the device geometry captured at creation
func (s *Server) Info() interfaces.DeviceInfo {
	return s.info
}

// AttachVMO registers vmo and returns its handle. On success the server
// owns vmo and closes it once it is detached and no longer in use.
func (s *Server) AttachVMO(vmo interfaces.VMO) (uint16, error) {
	if vmo == nil {
		return 0, wire.ErrInvalidArgs
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return 0, wire.ErrBadState
	}
	b, err := s.buffers.attach(vmo)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("attached vmo", "vmoid", b.ID(), "size", b.Size())
	return b.ID(), nil
}

// AllocateTxn reserves the lowest free transaction slot
func (s *Server) AllocateTxn() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return 0, wire.ErrBadState
	}
	for i, t := range s.txns {
		if t == nil {
			s.txns[i] = newTransaction(s, uint16(i))
			return uint16(i), nil
		}
	}
	return 0, wire.ErrNoResources
}

// FreeTxn releases a transaction slot. Messages already in flight on the
// freed transaction still complete; later requests naming it are rejected.
func (s *Server) FreeTxn(txnid uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(txnid) >= len(s.txns) || s.txns[txnid] == nil {
		return wire.ErrInvalidArgs
	}
	s.txns[txnid] = nil
	return nil
}

// BufferCount returns the number of registered buffers
func (s *Server) BufferCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers.len()
}

// TxnCount returns the number of allocated transaction slots
func (s *Server) TxnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.txns {
		if t != nil {
			n++
		}
	}
	return n
}

// Inflight returns the number of messages submitted to the device and not yet completed
func (s *Server) Inflight() int {
	return int(s.depth.Load())
}

// Serve reads requests until the terminate signal is set, the client end
// is closed or ctx is cancelled, all of which return nil. Any other read
// failure is fatal and returned. Serve may be called once.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return wire.ErrBadState
	}
	s.state = stateServing
	s.mu.Unlock()
	defer close(s.serveDone)

	s.dev.SetCallbacks(s.onComplete)
	s.logger.Info("serving", "block_size", s.info.BlockSize, "block_count", s.info.BlockCount,
		"max_transfer", s.info.MaxTransferSize)

	buf := make([]byte, s.fifo.Depth()*s.fifo.ElemSize())
	reqs := make([]wire.Request, s.fifo.Depth())
	for {
		n, err := s.read(ctx, buf)
		if err != nil {
			if errors.Is(err, wire.ErrPeerClosed) || errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) {
				s.logger.Info("dispatch loop stopped", "reason", err.Error())
				return nil
			}
			s.logger.WithError(err).Error("dispatch loop failed")
			return err
		}

		n = wire.DecodeRequests(buf[:n*s.fifo.ElemSize()], reqs)
		if s.logger.Enabled(logging.LevelDebug) {
			s.logger.Debug("read batch", "count", n)
		}
		for i := 0; i < n; i++ {
			s.process(&reqs[i])
		}
	}
}

// read blocks until at least one request record is available
func (s *Server) read(ctx context.Context, buf []byte) (int, error) {
	for {
		n, err := s.fifo.Read(buf)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, fifo.ErrPeerClosed):
			return 0, wire.ErrPeerClosed
		case !errors.Is(err, fifo.ErrShouldWait):
			return 0, err
		}

		observed, err := s.fifo.Wait(ctx, fifo.SignalReadable|fifo.SignalPeerClosed|SignalTerminate)
		if err != nil {
			return 0, err
		}
		if observed&(fifo.SignalPeerClosed|SignalTerminate) != 0 {
			return 0, wire.ErrPeerClosed
		}
	}
}

// process handles one request. Validation failures are answered out of
// band when the request asked for a reply and dropped otherwise.
func (s *Server) process(req *wire.Request) {
	op := req.Op()
	wantsReply := req.WantsReply()
	log := s.logger.WithRequest(req.Txnid, wire.OpName(req.Opcode))

	s.mu.Lock()
	iobuf, ok := s.buffers.lookup(req.Vmoid)
	if !ok {
		s.mu.Unlock()
		log.Debug("unknown vmoid", "vmoid", req.Vmoid)
		s.rejectIf(wantsReply, wire.ErrIO, req.Txnid)
		return
	}
	var txn *Transaction
	if int(req.Txnid) < len(s.txns) {
		txn = s.txns[req.Txnid]
	}
	if txn == nil {
		s.mu.Unlock()
		log.Debug("unknown transaction")
		s.rejectIf(wantsReply, wire.ErrIO, req.Txnid)
		return
	}
	switch op {
	case wire.OpRead, wire.OpWrite, wire.OpSync:
		iobuf.incRef()
	case wire.OpCloseVMO:
		s.buffers.detach(req.Vmoid)
	}
	s.mu.Unlock()

	switch op {
	case wire.OpRead, wire.OpWrite:
		s.processIO(req, txn, iobuf, log)
	case wire.OpSync:
		s.processSync(req, txn, iobuf, log)
	case wire.OpCloseVMO:
		log.Debug("detached vmo", "vmoid", req.Vmoid)
		s.release(iobuf)
		if wantsReply {
			s.reply(wire.Response{Status: wire.OK, Txnid: req.Txnid}, true)
		}
	default:
		log.Warn("unrecognized operation", "opcode", fmt.Sprintf("%#x", req.Opcode))
		s.rejectIf(wantsReply, wire.ErrNotSupported, req.Txnid)
	}
}

func (s *Server) processIO(req *wire.Request, txn *Transaction, iobuf *IoBuffer, log *logging.Logger) {
	wantsReply := req.WantsReply()
	if req.Length > math.MaxUint32 {
		s.release(iobuf)
		log.Debug("transfer too large", "length", req.Length)
		s.rejectIf(wantsReply, wire.ErrInvalidArgs, req.Txnid)
		return
	}

	msg, err := txn.enqueue(wantsReply)
	if err != nil {
		s.release(iobuf)
		log.Debug("reply already pending")
		s.rejectIf(wantsReply, wire.StatusOf(err), req.Txnid)
		return
	}
	s.admit(msg, req.Op(), iobuf)

	if st := iobuf.validateRange(req.Length, req.VmoOffset); st != wire.OK {
		log.Debug("buffer range invalid", "vmo_offset", req.VmoOffset, "length", req.Length)
		txn.complete(msg, st)
		return
	}

	length := uint32(req.Length)
	flags := msg.flags
	if maxXfer := s.info.MaxTransferSize; maxXfer != 0 && length > maxXfer {
		msg.lenRemaining = length - maxXfer
		msg.vmoOffset = req.VmoOffset + uint64(maxXfer)
		msg.devOffset = req.DevOffset + uint64(maxXfer)
		length = maxXfer
		// Only the final chunk of a group-ending message syncs after.
		flags &^= wire.FlagSyncAfter
		s.observer.ObserveSplit(uint32((uint64(msg.lenRemaining) + uint64(maxXfer) - 1) / uint64(maxXfer)))
	}
	s.submit(msg, flags, length, req.VmoOffset, req.DevOffset)
}

// processSync folds a device flush into the transaction group
func (s *Server) processSync(req *wire.Request, txn *Transaction, iobuf *IoBuffer, log *logging.Logger) {
	msg, err := txn.enqueue(req.WantsReply())
	if err != nil {
		s.release(iobuf)
		log.Debug("reply already pending")
		s.rejectIf(req.WantsReply(), wire.StatusOf(err), req.Txnid)
		return
	}
	s.admit(msg, wire.OpSync, iobuf)
	s.submit(msg, msg.flags, 0, 0, 0)
}

// admit hands the buffer reference to msg and counts it as in flight
func (s *Server) admit(msg *Message, op uint32, iobuf *IoBuffer) {
	msg.opcode = op
	msg.iobuf = iobuf
	msg.start = time.Now()
	s.inflight.Add(1)
	s.observer.ObserveQueueDepth(uint32(s.depth.Add(1)))
}

func (s *Server) submit(msg *Message, flags, length uint32, vmoOffset, devOffset uint64) {
	msg.length = length
	msg.start = time.Now()
	switch msg.opcode {
	case wire.OpRead:
		s.dev.Read(flags, msg.iobuf.VMO(), length, vmoOffset, devOffset, msg)
	case wire.OpWrite:
		s.dev.Write(flags, msg.iobuf.VMO(), length, vmoOffset, devOffset, msg)
	case wire.OpSync:
		s.dev.Flush(flags, msg)
	}
}

// onComplete is the device completion callback
func (s *Server) onComplete(cookie any, err error) {
	msg, ok := cookie.(*Message)
	if !ok || msg == nil || msg.txn == nil {
		s.logger.Error("completion for unknown cookie", "cookie", fmt.Sprintf("%T", cookie))
		return
	}
	msg.txn.complete(msg, wire.StatusOf(err))
}

// finish drops a completed message's buffer reference
func (s *Server) finish(iobuf *IoBuffer) {
	s.release(iobuf)
	s.depth.Add(-1)
	s.inflight.Done()
}

func (s *Server) release(iobuf *IoBuffer) {
	if err := iobuf.decRef(); err != nil {
		s.logger.Warn("closing vmo failed", "vmoid", iobuf.ID(), "err", err)
	}
}

func (s *Server) rejectIf(wantsReply bool, status wire.Status, txnid uint16) {
	if wantsReply {
		s.reply(wire.Response{Status: status, Txnid: txnid}, true)
	}
}

// reply writes one response record. A failed write only costs the client
// its notification, so it is logged and the server carries on.
func (s *Server) reply(resp wire.Response, oob bool) {
	var buf [wire.RecordSize]byte
	wire.PutResponse(buf[:], &resp)
	_, err := s.fifo.Write(buf[:])
	s.observer.ObserveReply(oob, err == nil)
	if err != nil {
		s.logger.WithTxn(resp.Txnid).Error("could not write response",
			"status", resp.Status.String(), "err", err)
	}
}

func (s *Server) observeChunk(msg *Message, status wire.Status) {
	latency := uint64(time.Since(msg.start).Nanoseconds())
	ok := status == wire.OK
	switch msg.opcode {
	case wire.OpRead:
		s.observer.ObserveRead(uint64(msg.length), latency, ok)
	case wire.OpWrite:
		s.observer.ObserveWrite(uint64(msg.length), latency, ok)
	case wire.OpSync:
		s.observer.ObserveFlush(latency, ok)
	}
}

// ShutDown asks the dispatch loop to stop at its next wake-up
func (s *Server) ShutDown() {
	if err := s.fifo.Signal(0, SignalTerminate); err != nil && !errors.Is(err, fifo.ErrClosed) {
		s.logger.Warn("could not signal terminate", "err", err)
	}
}

// Close stops the dispatch loop, waits for every in-flight message to
// complete, then releases all buffers and transactions and closes the
// server end of the FIFO.
func (s *Server) Close() error {
	s.mu.Lock()
	prev := s.state
	s.state = stateClosed
	s.mu.Unlock()
	if prev == stateClosed {
		return wire.ErrBadState
	}

	s.ShutDown()
	if prev == stateServing {
		<-s.serveDone
	}
	s.inflight.Wait()

	s.mu.Lock()
	buffers := s.buffers.drain()
	for i := range s.txns {
		s.txns[i] = nil
	}
	s.mu.Unlock()

	var firstErr error
	for _, b := range buffers {
		if err := b.decRef(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close vmo %d: %w", b.ID(), err)
		}
	}
	if err := s.fifo.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.logger.Info("server closed", "buffers", len(buffers))
	return firstErr
}

type nopObserver struct{}

func (nopObserver) ObserveRead(uint64, uint64, bool)  {}
func (nopObserver) ObserveWrite(uint64, uint64, bool) {}
func (nopObserver) ObserveFlush(uint64, bool)         {}
func (nopObserver) ObserveReply(bool, bool)           {}
func (nopObserver) ObserveSplit(uint32)               {}
func (nopObserver) ObserveQueueDepth(uint32)          {}
