package main

import (
	"context"
	"errors"
	"flag"

	"github.com/ehrlich-b/go-blkfifo"
	"github.com/ehrlich-b/go-blkfifo/client"
	"github.com/ehrlich-b/go-blkfifo/internal/logging"
)

// deviceFlags override the [device] section of the configuration
type deviceFlags struct {
	backend     string
	path        string
	size        string
	maxTransfer string
	workers     int
}

func (d *deviceFlags) register(f *flag.FlagSet) {
	f.StringVar(&d.backend, "backend", "", "storage: memory, file, bolt or uring")
	f.StringVar(&d.path, "path", "", "image path for the file, bolt and uring backends")
	f.StringVar(&d.size, "size", "", "device size (e.g. 64M, 1G)")
	f.StringVar(&d.maxTransfer, "max-transfer", "", "largest single device transfer")
	f.IntVar(&d.workers, "workers", 0, "device worker goroutines")
}

func (d *deviceFlags) apply(c *deviceConfig) {
	if d.backend != "" {
		c.Backend = d.backend
	}
	if d.path != "" {
		c.Path = d.path
	}
	if d.size != "" {
		c.Size = d.size
	}
	if d.maxTransfer != "" {
		c.MaxTransfer = d.maxTransfer
	}
	if d.workers > 0 {
		c.Workers = d.workers
	}
}

// session is a running server with a connected client
type session struct {
	cfg    *config
	logger *logging.Logger
	stack  *stack
	srv    *blkfifo.Server
	client *client.Client
}

// startSession opens the configured device, serves it and connects a client
func startSession(ctx context.Context, cfg *config) (*session, error) {
	logger, err := cfg.logger(nil)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logger)

	st, err := openStack(&cfg.Device, logger)
	if err != nil {
		return nil, err
	}

	params := blkfifo.DefaultParams(st.dev)
	params.Name = cfg.Server.Name
	params.FIFODepth = cfg.Server.FIFODepth
	params.TxnCount = cfg.Server.Txns

	srv, err := blkfifo.CreateAndServe(ctx, params, &blkfifo.Options{Logger: logger.WithServer(cfg.Server.Name)})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &session{
		cfg:    cfg,
		logger: logger,
		stack:  st,
		srv:    srv,
		client: client.New(srv.ClientFIFO(), &client.Options{Logger: logger}),
	}, nil
}

// context returns parent carrying the session logger
func (s *session) context(parent context.Context) context.Context {
	return logging.NewContext(parent, s.logger)
}

// attach allocates a transaction slot and a registered buffer of size bytes
func (s *session) attach(size uint64) (txn, vmoid uint16, buf *blkfifo.MemoryVMO, err error) {
	if txn, err = s.srv.AllocateTxn(); err != nil {
		return 0, 0, nil, err
	}
	buf = blkfifo.NewMemoryVMO(size)
	if vmoid, err = s.srv.AttachVMO(buf); err != nil {
		return 0, 0, nil, err
	}
	return txn, vmoid, buf, nil
}

func (s *session) Close() error {
	var errs []error
	if err := s.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := blkfifo.StopAndDelete(context.Background(), s.srv); err != nil {
		errs = append(errs, err)
	}
	if err := s.stack.Close(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Close()
	return errors.Join(errs...)
}
