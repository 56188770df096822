package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-blkfifo/internal/logging"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// maxTraceThreads bounds the number of distinct thread ids in a trace
const maxTraceThreads = 100

// traceReq is one recorded request
type traceReq struct {
	at        time.Duration // from the earliest request in the trace
	op        uint32
	devOffset uint64
	length    uint64
	tid       uint64
}

// trace is a parsed trace split into per-thread streams ordered by time
type trace struct {
	threads [][]traceReq
	total   int
	skipped int
}

// parseTrace reads records of the form
//
//	block,<timestamp ns>,<device offset>,<length>,<thread id>[,<op>]
//
// where op is read, write, sync or a numeric opcode (default read).
// Records of other categories, blank lines and lines starting with # are
// ignored. Offsets are rounded down and lengths up to blockSize; requests
// reaching past deviceSize are dropped.
func parseTrace(r io.Reader, blockSize uint32, deviceSize uint64) (*trace, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'
	cr.TrimLeadingSpace = true

	bs := uint64(blockSize)
	var reqs []traceReq
	t := &trace{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)
		if rec[0] != "block" {
			t.skipped++
			continue
		}
		if len(rec) < 5 || len(rec) > 6 {
			return nil, fmt.Errorf("line %d: want 5 or 6 fields, got %d", line, len(rec))
		}

		var nums [4]uint64
		for i := range nums {
			if nums[i], err = strconv.ParseUint(strings.TrimSpace(rec[i+1]), 10, 64); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		req := traceReq{
			at:        time.Duration(nums[0]),
			op:        wire.OpRead,
			devOffset: nums[1] / bs * bs,
			tid:       nums[3],
		}
		if len(rec) == 6 {
			if req.op, err = parseTraceOp(rec[5]); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		if req.op != wire.OpSync {
			req.length = (nums[2] + bs - 1) / bs * bs
			if req.length == 0 || req.devOffset > deviceSize || req.length > deviceSize-req.devOffset {
				t.skipped++
				continue
			}
		}
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		return nil, errors.New("trace has no requests")
	}

	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].at < reqs[j].at })
	origin := reqs[0].at
	byTid := make(map[uint64]int)
	for _, req := range reqs {
		req.at -= origin
		idx, ok := byTid[req.tid]
		if !ok {
			if len(t.threads) == maxTraceThreads {
				return nil, fmt.Errorf("trace has more than %d threads", maxTraceThreads)
			}
			idx = len(t.threads)
			byTid[req.tid] = idx
			t.threads = append(t.threads, nil)
		}
		t.threads[idx] = append(t.threads[idx], req)
	}
	t.total = len(reqs)
	return t, nil
}

func parseTraceOp(s string) (uint32, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "r":
		return wire.OpRead, nil
	case "write", "w":
		return wire.OpWrite, nil
	case "sync", "flush":
		return wire.OpSync, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil || (n != wire.OpRead && n != wire.OpWrite && n != wire.OpSync) {
		return 0, fmt.Errorf("bad opcode %q", s)
	}
	return uint32(n), nil
}

// Playback implements subcommands.Command for the "playback" command
type Playback struct {
	dev      deviceFlags
	relative bool
}

// Name implements subcommands.Command
func (*Playback) Name() string {
	return "playback"
}

// Synopsis implements subcommands.Command
func (*Playback) Synopsis() string {
	return "replay a recorded block trace against an in-process server"
}

// Usage implements subcommands.Command
func (*Playback) Usage() string {
	return `playback [flags] <trace.csv>

Each line of the trace is block,<ns>,<dev_off>,<len>,<tid>[,<op>]. Every
thread id is replayed by its own transaction, issuing requests at their
recorded times.
`
}

// SetFlags implements subcommands.Command
func (p *Playback) SetFlags(f *flag.FlagSet) {
	p.dev.register(f)
	f.BoolVar(&p.relative, "r", false, "keep relative timing after an overrun instead of absolute timing")
}

// Execute implements subcommands.Command
func (p *Playback) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := setup()
	if err != nil {
		fatalf("%v", err)
		return subcommands.ExitFailure
	}
	p.dev.apply(&cfg.Device)

	in, err := os.Open(f.Arg(0))
	if err != nil {
		fatalf("opening trace: %v", err)
		return subcommands.ExitFailure
	}
	defer in.Close()

	s, err := startSession(ctx, cfg)
	if err != nil {
		fatalf("starting server: %v", err)
		return subcommands.ExitFailure
	}
	defer s.Close()
	ctx = s.context(ctx)

	info := s.srv.Info()
	tr, err := parseTrace(in, info.BlockSize, info.Size)
	if err != nil {
		fatalf("parsing trace: %v", err)
		return subcommands.ExitFailure
	}
	s.logger.Info("replaying trace", "requests", tr.total, "threads", len(tr.threads), "skipped", tr.skipped)

	res, err := replay(ctx, s, tr, p.relative)
	if err != nil {
		fatalf("playback: %v", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stdout, "Finished %d requests in %v with %d overruns and %d failures\n",
		tr.total, res.elapsed.Round(time.Microsecond), res.overruns, res.failures)
	if res.failures > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type replayResult struct {
	elapsed  time.Duration
	overruns uint64
	failures uint64
}

// replay issues every thread's requests on its own transaction. Failed
// requests are logged and counted; playback continues.
func replay(ctx context.Context, s *session, tr *trace, relative bool) (*replayResult, error) {
	type stream struct {
		reqs       []traceReq
		txn, vmoid uint16
	}
	streams := make([]stream, len(tr.threads))
	for i, reqs := range tr.threads {
		var size uint64 = 1
		for _, r := range reqs {
			size = max(size, r.length)
		}
		txn, vmoid, _, err := s.attach(size)
		if err != nil {
			return nil, fmt.Errorf("thread %d: %w", reqs[0].tid, err)
		}
		streams[i] = stream{reqs: reqs, txn: txn, vmoid: vmoid}
	}

	var overruns, failures atomic.Uint64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, st := range streams {
		g.Go(func() error {
			log := logging.FromContext(gctx).WithTxn(st.txn)
			var shift time.Duration
			for i, r := range st.reqs {
				due := r.at + shift
				if wait := due - time.Since(start); wait > 0 {
					t := time.NewTimer(wait)
					select {
					case <-t.C:
					case <-gctx.Done():
						t.Stop()
						return gctx.Err()
					}
				}

				err := s.client.Transaction(gctx, []wire.Request{{
					Opcode: r.op, Txnid: st.txn, Vmoid: st.vmoid,
					Length: r.length, DevOffset: r.devOffset,
				}})
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					failures.Add(1)
					log.Warn("request failed", "tid", r.tid, "index", i,
						"op", wire.OpName(r.op), "status", wire.StatusOf(err).String())
				}

				if i+1 < len(st.reqs) {
					if now := time.Since(start); now > st.reqs[i+1].at+shift {
						overruns.Add(1)
						if relative {
							shift += now - (r.at + shift)
						}
					}
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return &replayResult{elapsed: time.Since(start), overruns: overruns.Load(), failures: failures.Load()}, err
}
