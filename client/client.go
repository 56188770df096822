// Package client issues transactions against a block FIFO server.
//
// A Client owns the client end of a server's FIFO. Requests belonging to
// one transaction are written as a batch whose last record carries
// OpTxnEnd; a reader goroutine routes every response to the transaction
// waiting on its txnid.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-blkfifo/internal/constants"
	"github.com/ehrlich-b/go-blkfifo/internal/fifo"
	"github.com/ehrlich-b/go-blkfifo/internal/logging"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

var (
	// ErrClosed is returned by operations on a closed Client
	ErrClosed = errors.New("client: closed")
	// ErrBusy is returned when a transaction is already outstanding on a txnid
	ErrBusy = errors.New("client: transaction in progress")
	// ErrTooLarge is returned for batches longer than one transaction group
	ErrTooLarge = errors.New("client: too many requests in transaction")
)

// Options configures a Client
type Options struct {
	Logger *logging.Logger

	// Timeout bounds a transaction whose context has no deadline
	// (default: 30s; negative disables)
	Timeout time.Duration
}

// Client multiplexes transactions over one FIFO endpoint
type Client struct {
	ep      *fifo.Endpoint
	logger  *logging.Logger
	timeout time.Duration

	writeMu sync.Mutex // keeps each batch contiguous on the FIFO

	mu      sync.Mutex
	pending map[uint16]chan wire.Response
	err     error // set once the reader stops

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a client on ep. The client takes ownership of ep and closes it
// in Close.
func New(ep *fifo.Endpoint, opts *Options) *Client {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = constants.ClientReplyTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ep:      ep,
		logger:  logger,
		timeout: timeout,
		pending: make(map[uint16]chan wire.Response),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Transaction sends reqs as one transaction group and waits for its reply.
// Every request is stamped with the txnid of the first; OpTxnEnd is cleared
// on all but the last. The merged status is returned as a wire.Status error.
//
// If ctx ends after the batch was queued, or partly queued, the batch is
// completed and the txnid stays busy until the server replies.
func (c *Client) Transaction(ctx context.Context, reqs []wire.Request) error {
	if len(reqs) == 0 {
		return nil
	}
	if len(reqs) > constants.MaxTxnMessages {
		return ErrTooLarge
	}

	batch := make([]wire.Request, len(reqs))
	copy(batch, reqs)
	txnid := batch[0].Txnid
	for i := range batch {
		batch[i].Txnid = txnid
		batch[i].Opcode &^= wire.OpTxnEnd
	}
	batch[len(batch)-1].Opcode |= wire.OpTxnEnd

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ch, err := c.register(txnid)
	if err != nil {
		return err
	}

	if err := c.write(ctx, wire.EncodeRequests(batch)); err != nil {
		c.unregister(txnid)
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return c.readErr()
		}
		if resp.Status != wire.OK {
			c.logger.Debug("transaction failed", "txn", txnid, "status", resp.Status.String())
		}
		return resp.Status.Err()
	case <-ctx.Done():
		// The reply may still arrive; the slot stays busy until it does
		return ctx.Err()
	}
}

// Read reads length bytes at devOffset into the buffer vmoid at vmoOffset
func (c *Client) Read(ctx context.Context, txnid, vmoid uint16, length, vmoOffset, devOffset uint64) error {
	return c.Transaction(ctx, []wire.Request{{
		Opcode: wire.OpRead, Txnid: txnid, Vmoid: vmoid,
		Length: length, VmoOffset: vmoOffset, DevOffset: devOffset,
	}})
}

// Write writes length bytes from the buffer vmoid at vmoOffset to devOffset
func (c *Client) Write(ctx context.Context, txnid, vmoid uint16, length, vmoOffset, devOffset uint64) error {
	return c.Transaction(ctx, []wire.Request{{
		Opcode: wire.OpWrite, Txnid: txnid, Vmoid: vmoid,
		Length: length, VmoOffset: vmoOffset, DevOffset: devOffset,
	}})
}

// Sync flushes the device. The server requires a registered vmoid even
// though no data moves.
func (c *Client) Sync(ctx context.Context, txnid, vmoid uint16) error {
	return c.Transaction(ctx, []wire.Request{{Opcode: wire.OpSync, Txnid: txnid, Vmoid: vmoid}})
}

// CloseVMO asks the server to release the buffer vmoid
func (c *Client) CloseVMO(ctx context.Context, txnid, vmoid uint16) error {
	return c.Transaction(ctx, []wire.Request{{Opcode: wire.OpCloseVMO, Txnid: txnid, Vmoid: vmoid}})
}

// Terminate asks the server to stop its dispatch loop
func (c *Client) Terminate() error {
	return c.ep.SignalPeer(0, fifo.SignalUser0)
}

// Close stops the reader, fails outstanding transactions and closes the endpoint
func (c *Client) Close() error {
	c.mu.Lock()
	if c.err == ErrClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	err := c.ep.Close()
	c.cancel()
	<-c.done

	c.mu.Lock()
	c.err = ErrClosed
	c.mu.Unlock()
	if errors.Is(err, fifo.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) register(txnid uint16) (chan wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}
	if _, busy := c.pending[txnid]; busy {
		return nil, fmt.Errorf("%w: txn %d", ErrBusy, txnid)
	}
	ch := make(chan wire.Response, 1)
	c.pending[txnid] = ch
	return ch, nil
}

func (c *Client) unregister(txnid uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, txnid)
}

func (c *Client) readErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

// write puts buf on the FIFO, waiting for room as needed. ctx only bounds
// the wait for the first record: once part of a batch is queued the rest
// follows, since an unterminated group would be merged into the next
// transaction on the same txnid.
func (c *Client) write(ctx context.Context, buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for len(buf) > 0 {
		n, err := c.ep.Write(buf)
		switch {
		case err == nil:
			buf = buf[n*wire.RecordSize:]
			ctx = c.ctx
		case errors.Is(err, fifo.ErrShouldWait):
			sig, werr := c.ep.Wait(ctx, fifo.SignalWritable|fifo.SignalPeerClosed)
			if werr != nil {
				return werr
			}
			if sig&fifo.SignalWritable == 0 {
				return wire.ErrPeerClosed
			}
		case errors.Is(err, fifo.ErrPeerClosed):
			return wire.ErrPeerClosed
		case errors.Is(err, fifo.ErrClosed):
			return ErrClosed
		default:
			return err
		}
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)

	buf := make([]byte, constants.FIFOMaxDepth*wire.RecordSize)
	var resp wire.Response
	for {
		n, err := c.ep.Read(buf)
		if errors.Is(err, fifo.ErrShouldWait) {
			if _, err = c.ep.Wait(c.ctx, fifo.SignalReadable|fifo.SignalPeerClosed); err != nil {
				c.stop(ErrClosed)
				return
			}
			continue
		}
		if err != nil {
			if errors.Is(err, fifo.ErrPeerClosed) {
				c.stop(wire.ErrPeerClosed)
			} else {
				c.stop(ErrClosed)
			}
			return
		}

		for i := 0; i < n; i++ {
			if err := wire.GetResponse(buf[i*wire.RecordSize:], &resp); err != nil {
				c.logger.Warn("malformed response", "error", err)
				continue
			}
			c.deliver(resp)
		}
	}
}

func (c *Client) deliver(resp wire.Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.Txnid]
	delete(c.pending, resp.Txnid)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("unsolicited response", "txn", resp.Txnid, "status", resp.Status.String())
		return
	}
	ch <- resp
}

// stop fails every outstanding transaction with err
func (c *Client) stop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		c.err = err
	}
	for txnid, ch := range c.pending {
		close(ch)
		delete(c.pending, txnid)
	}
}
