package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-blkfifo"
	"github.com/ehrlich-b/go-blkfifo/internal/logging"
)

// Bench implements subcommands.Command for the "bench" command
type Bench struct {
	dev deviceFlags

	xfer        string
	total       string
	iters       int
	outstanding int
	linear      bool
	writePct    int
	waitMin     time.Duration
	waitMax     time.Duration
	verify      bool
	seed        int64
}

// Name implements subcommands.Command
func (*Bench) Name() string {
	return "bench"
}

// Synopsis implements subcommands.Command
func (*Bench) Synopsis() string {
	return "measure transaction latency against an in-process server"
}

// Usage implements subcommands.Command
func (*Bench) Usage() string {
	return `bench [flags]

Runs a read/write workload through the FIFO and reports throughput and
latency percentiles.
`
}

// SetFlags implements subcommands.Command
func (b *Bench) SetFlags(f *flag.FlagSet) {
	b.dev.register(f)
	f.StringVar(&b.xfer, "bs", "64K", "transfer size per operation (multiple of 4K)")
	f.StringVar(&b.total, "tt", "", "byte range to exercise (default: whole device)")
	f.IntVar(&b.iters, "it", 0, "operations to perform (default: range / transfer size)")
	f.IntVar(&b.outstanding, "mo", 8, "maximum outstanding transactions (1..128)")
	f.BoolVar(&b.linear, "linear", false, "transfer in linear order instead of randomly")
	f.IntVar(&b.writePct, "write", 50, "percentage of operations that write")
	f.DurationVar(&b.waitMin, "wt-min", 0, "minimum wait between operations")
	f.DurationVar(&b.waitMax, "wt-max", 0, "maximum wait between operations")
	f.BoolVar(&b.verify, "verify", false, "read back every write and compare")
	f.Int64Var(&b.seed, "seed", 7234509, "random seed")
}

// benchPlan is the validated workload
type benchPlan struct {
	xfer        uint64
	span        uint64 // bytes each worker owns
	perWorker   int
	outstanding int
}

func (b *Bench) plan(deviceSize uint64, blockSize uint32) (*benchPlan, error) {
	xfer, err := parseSize(b.xfer)
	if err != nil {
		return nil, fmt.Errorf("transfer size: %w", err)
	}
	if xfer <= 0 || xfer%4096 != 0 || xfer%int64(blockSize) != 0 {
		return nil, fmt.Errorf("transfer size must be a non-zero multiple of 4K")
	}
	if b.outstanding < 1 || b.outstanding > 128 {
		return nil, fmt.Errorf("max outstanding must be between 1 and 128")
	}
	if b.writePct < 0 || b.writePct > 100 {
		return nil, fmt.Errorf("write percentage must be between 0 and 100")
	}
	if b.waitMax < b.waitMin {
		return nil, fmt.Errorf("wait range is empty")
	}

	total := deviceSize
	if b.total != "" {
		tt, err := parseSize(b.total)
		if err != nil {
			return nil, fmt.Errorf("total: %w", err)
		}
		if uint64(tt) > deviceSize {
			return nil, fmt.Errorf("total %s exceeds device size %s", formatSize(tt), formatSize(int64(deviceSize)))
		}
		total = uint64(tt)
	}

	// Each worker owns a disjoint stripe so -verify never races
	span := total / uint64(b.outstanding) / uint64(xfer) * uint64(xfer)
	if span == 0 {
		return nil, fmt.Errorf("range too small for %d workers of %s", b.outstanding, formatSize(xfer))
	}

	iters := b.iters
	if iters <= 0 {
		iters = int(total / uint64(xfer))
	}
	perWorker := (iters + b.outstanding - 1) / b.outstanding

	return &benchPlan{xfer: uint64(xfer), span: span, perWorker: perWorker, outstanding: b.outstanding}, nil
}

// Execute implements subcommands.Command
func (b *Bench) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := setup()
	if err != nil {
		fatalf("%v", err)
		return subcommands.ExitFailure
	}
	b.dev.apply(&cfg.Device)

	s, err := startSession(ctx, cfg)
	if err != nil {
		fatalf("starting server: %v", err)
		return subcommands.ExitFailure
	}
	defer s.Close()
	ctx = s.context(ctx)

	info := s.srv.Info()
	p, err := b.plan(info.Size, info.BlockSize)
	if err != nil {
		fatalf("%v", err)
		return subcommands.ExitUsageError
	}

	s.logger.Info("starting bench", "workers", p.outstanding, "ops_per_worker", p.perWorker,
		"xfer", formatSize(int64(p.xfer)), "linear", b.linear, "verify", b.verify)

	workers := make([]*benchWorker, p.outstanding)
	for w := range workers {
		txn, vmoid, buf, err := s.attach(2 * p.xfer)
		if err != nil {
			fatalf("attaching worker %d: %v", w, err)
			return subcommands.ExitFailure
		}
		workers[w] = &benchWorker{
			b: b, p: p, s: s,
			txn: txn, vmoid: vmoid, buf: buf,
			base: uint64(w) * p.span,
			rng:  rand.New(rand.NewSource(b.seed + int64(w))),
		}
	}

	var moved, ops, mismatches atomic.Uint64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, wk := range workers {
		g.Go(func() error {
			n, err := wk.run(gctx, &mismatches)
			ops.Add(uint64(n))
			moved.Add(uint64(n) * p.xfer)
			return err
		})
	}
	err = g.Wait()
	elapsed := time.Since(start)

	snap := s.srv.MetricsSnapshot()
	fmt.Fprintf(os.Stdout, "%d bytes in %v: %s\n", moved.Load(), elapsed.Round(time.Microsecond), formatRate(moved.Load(), elapsed))
	fmt.Fprintf(os.Stdout, "%d ops in %v: %.0f ops/s\n", ops.Load(), elapsed.Round(time.Microsecond), float64(ops.Load())/elapsed.Seconds())
	fmt.Fprintf(os.Stdout, "device ops: %d reads, %d writes, %d flushes, %d errors\n",
		snap.ReadOps, snap.WriteOps, snap.FlushOps, snap.ReadErrors+snap.WriteErrors+snap.FlushErrors)
	fmt.Fprintf(os.Stdout, "latency: avg %v p50 %v p99 %v p99.9 %v\n",
		time.Duration(snap.AvgLatencyNs), time.Duration(snap.LatencyP50Ns),
		time.Duration(snap.LatencyP99Ns), time.Duration(snap.LatencyP999Ns))
	fmt.Fprintf(os.Stdout, "queue depth: avg %.1f max %d, split chunks %d\n",
		snap.AvgQueueDepth, snap.MaxQueueDepth, snap.SplitChunks)
	if b.verify {
		fmt.Fprintf(os.Stdout, "verify: %d mismatches\n", mismatches.Load())
	}

	if err != nil {
		fatalf("bench: %v", err)
		return subcommands.ExitFailure
	}
	if mismatches.Load() > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type benchWorker struct {
	b *Bench
	p *benchPlan
	s *session

	txn, vmoid uint16
	buf        *blkfifo.MemoryVMO // [0, xfer) is written from, [xfer, 2*xfer) read into
	base       uint64
	rng        *rand.Rand
}

func (w *benchWorker) offset(i int) uint64 {
	slots := w.p.span / w.p.xfer
	if w.b.linear {
		return w.base + uint64(i)%slots*w.p.xfer
	}
	return w.base + uint64(w.rng.Int63n(int64(slots)))*w.p.xfer
}

func (w *benchWorker) wait(ctx context.Context) error {
	d := w.b.waitMin
	if span := w.b.waitMax - w.b.waitMin; span > 0 {
		d += time.Duration(w.rng.Int63n(int64(span)))
	}
	if d == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *benchWorker) run(ctx context.Context, mismatches *atomic.Uint64) (int, error) {
	c := w.s.client
	log := logging.FromContext(ctx).WithTxn(w.txn)
	xfer := w.p.xfer
	for i := 0; i < w.p.perWorker; i++ {
		if err := w.wait(ctx); err != nil {
			return i, err
		}
		off := w.offset(i)

		if w.rng.Intn(100) >= w.b.writePct {
			if err := c.Read(ctx, w.txn, w.vmoid, xfer, xfer, off); err != nil {
				return i, fmt.Errorf("read at %d: %w", off, err)
			}
			continue
		}

		fillPattern(w.buf.Bytes()[:xfer], off, uint64(i))
		if err := c.Write(ctx, w.txn, w.vmoid, xfer, 0, off); err != nil {
			return i, fmt.Errorf("write at %d: %w", off, err)
		}
		if !w.b.verify {
			continue
		}
		if err := c.Read(ctx, w.txn, w.vmoid, xfer, xfer, off); err != nil {
			return i, fmt.Errorf("verify read at %d: %w", off, err)
		}
		data := w.buf.Bytes()
		if !bytes.Equal(data[:xfer], data[xfer:2*xfer]) {
			mismatches.Add(1)
			log.Error("data mismatch", "offset", off, "iteration", i)
		}
	}
	return w.p.perWorker, nil
}

// fillPattern stamps every 8 bytes of p with its device offset mixed with seq
func fillPattern(p []byte, devOffset, seq uint64) {
	for i := 0; i+8 <= len(p); i += 8 {
		binary.LittleEndian.PutUint64(p[i:], (devOffset+uint64(i))^(seq<<48))
	}
}
