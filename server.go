// Package blkfifo serves block I/O requests multiplexed over a FIFO.
//
// A client registers shared buffers (VMOs) and transaction slots with a
// Server, then writes fixed-size request records to the FIFO. The server
// validates each request, splits transfers larger than the device limit,
// submits them to an asynchronous BlockDevice and answers every
// transaction group with a single response record.
package blkfifo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-blkfifo/internal/constants"
	"github.com/ehrlich-b/go-blkfifo/internal/logging"
	"github.com/ehrlich-b/go-blkfifo/internal/server"
)

// Params contains parameters for creating a server
type Params struct {
	// Device executes reads, writes and flushes
	Device BlockDevice

	Name      string // Identifies the server in logs
	FIFODepth int    // Records per FIFO direction (default: 128)
	TxnCount  int    // Transaction slots (default and maximum: 256)
	MaxVmoid  uint32 // Buffer handles are allocated below this (default: 0xFFFF)
}

// DefaultParams returns default parameters for device
func DefaultParams(device BlockDevice) Params {
	return Params{
		Device:    device,
		Name:      "blkfifo",
		FIFODepth: constants.FIFOMaxDepth,
		TxnCount:  constants.MaxTxnCount,
		MaxVmoid:  constants.VmoidMax,
	}
}

// Options contains additional options for server creation
type Options struct {
	// Context for cancellation (if nil, uses the ctx passed to CreateAndServe)
	Context context.Context

	// Logger for server messages (if nil, uses logging.Default)
	Logger *Logger

	// Observer for metrics collection (if nil, records into the server's Metrics)
	Observer Observer
}

// ServerState is the lifecycle state of a Server
type ServerState string

const (
	// ServerStateServing indicates the dispatch loop is running
	ServerStateServing ServerState = "serving"
	// ServerStateStopped indicates the dispatch loop has returned
	ServerStateStopped ServerState = "stopped"
)

// Server is a running block FIFO server
type Server struct {
	srv    *server.Server
	fifo   *FIFO
	params Params
	logger *Logger

	cancel context.CancelFunc
	done   chan struct{}
	err    error // Serve result, valid once done is closed

	metrics  *Metrics
	observer Observer

	stopOnce sync.Once
	stopErr  error
}

// CreateAndServe creates a server with the given parameters and starts its
// dispatch loop on a new goroutine. The loop runs until the context is
// cancelled, StopAndDelete is called, the client end of the FIFO is closed
// or the client sets SignalTerminate.
//
// Example:
//
//	dev, _ := blkfifo.NewDevice(blkfifo.DeviceConfig{Backend: backend.NewMemory(64 << 20)})
//	srv, err := blkfifo.CreateAndServe(ctx, blkfifo.DefaultParams(dev), nil)
//	fifo := srv.ClientFIFO()
func CreateAndServe(ctx context.Context, params Params, options *Options) (*Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}
	if params.Device == nil {
		return nil, NewError("CREATE", ErrCodeInvalidParameters, "no device")
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	srv, clientEnd, err := server.New(server.Config{
		Device:    params.Device,
		Name:      params.Name,
		FIFODepth: params.FIFODepth,
		TxnCount:  params.TxnCount,
		MaxVmoid:  params.MaxVmoid,
		Logger:    logger,
		Observer:  observer,
	})
	if err != nil {
		return nil, WrapError("CREATE", err)
	}

	s := &Server{
		srv:      srv,
		fifo:     clientEnd,
		params:   params,
		logger:   logger,
		done:     make(chan struct{}),
		metrics:  metrics,
		observer: observer,
	}

	var serveCtx context.Context
	serveCtx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		s.err = srv.Serve(serveCtx)
	}()

	logger.Info("server created", "name", params.Name, "blocks", srv.Info().BlockCount)
	return s, nil
}

// ClientFIFO returns the client end of the server's FIFO
func (s *Server) ClientFIFO() *FIFO {
	return s.fifo
}

// AttachVMO registers vmo and returns its handle
func (s *Server) AttachVMO(vmo VMO) (uint16, error) {
	id, err := s.srv.AttachVMO(vmo)
	if err != nil {
		return 0, WrapError("ATTACH_VMO", err)
	}
	return id, nil
}

// AllocateTxn reserves a transaction slot
func (s *Server) AllocateTxn() (uint16, error) {
	id, err := s.srv.AllocateTxn()
	if err != nil {
		return 0, WrapError("ALLOCATE_TXN", err)
	}
	return id, nil
}

// FreeTxn releases a transaction slot
func (s *Server) FreeTxn(txnid uint16) error {
	if err := s.srv.FreeTxn(txnid); err != nil {
		e := WrapError("FREE_TXN", err)
		e.Txn = int(txnid)
		return e
	}
	return nil
}

// Done is closed when the dispatch loop returns
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the dispatch loop's result once Done is closed
func (s *Server) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// State returns the current state of the server
func (s *Server) State() ServerState {
	if s == nil {
		return ServerStateStopped
	}
	select {
	case <-s.done:
		return ServerStateStopped
	default:
		return ServerStateServing
	}
}

// IsRunning reports whether the dispatch loop is running
func (s *Server) IsRunning() bool {
	return s.State() == ServerStateServing
}

// ServerInfo describes a server
type ServerInfo struct {
	Name            string      `json:"name"`
	State           ServerState `json:"state"`
	BlockSize       uint32      `json:"block_size"`
	BlockCount      uint64      `json:"block_count"`
	MaxTransferSize uint32      `json:"max_transfer_size"`
	Size            uint64      `json:"size"`
	Buffers         int         `json:"buffers"`
	Txns            int         `json:"txns"`
	Inflight        int         `json:"inflight"`
}

// Info returns information about the server
func (s *Server) Info() ServerInfo {
	if s == nil {
		return ServerInfo{}
	}
	dev := s.srv.Info()
	return ServerInfo{
		Name:            s.params.Name,
		State:           s.State(),
		BlockSize:       dev.BlockSize,
		BlockCount:      dev.BlockCount,
		MaxTransferSize: dev.MaxTransferSize,
		Size:            dev.Size(),
		Buffers:         s.srv.BufferCount(),
		Txns:            s.srv.TxnCount(),
		Inflight:        s.srv.Inflight(),
	}
}

// Metrics returns the server's metrics. They stay empty when a custom
// Observer was supplied.
func (s *Server) Metrics() *Metrics {
	if s == nil {
		return nil
	}
	return s.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the server's metrics
func (s *Server) MetricsSnapshot() MetricsSnapshot {
	if s == nil || s.metrics == nil {
		return MetricsSnapshot{}
	}
	return s.metrics.Snapshot()
}

// StopAndDelete stops the dispatch loop, waits for in-flight operations
// and releases every buffer and transaction. The device is not closed.
// ctx bounds the wait for the dispatch loop; without a deadline
// constants.ShutdownTimeout applies.
func StopAndDelete(ctx context.Context, s *Server) error {
	if s == nil {
		return ErrInvalidParameters
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, constants.ShutdownTimeout)
		defer cancel()
	}

	s.stopOnce.Do(func() {
		s.srv.ShutDown()
		select {
		case <-s.done:
		case <-ctx.Done():
			// The loop checks its context on every wait
			s.cancel()
			select {
			case <-s.done:
			case <-time.After(constants.ShutdownTimeout):
				s.stopErr = NewError("STOP", ErrCodeTimeout, "dispatch loop did not stop")
				return
			}
		}
		s.cancel()
		s.metrics.Stop()

		if err := s.srv.Close(); err != nil {
			s.stopErr = WrapError("STOP", err)
			return
		}
		if s.err != nil {
			s.stopErr = WrapError("SERVE", s.err)
		}
		s.logger.Info("server stopped", "name", s.params.Name)
	})
	return s.stopErr
}

// String implements fmt.Stringer
func (s *Server) String() string {
	return fmt.Sprintf("blkfifo.Server(%s, %s)", s.params.Name, s.State())
}
