package main

import (
	"context"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBenchPlan(t *testing.T) {
	b := &Bench{xfer: "64K", outstanding: 4, writePct: 50}
	p, err := b.plan(1<<20, 512)
	require.NoError(t, err)
	assert.EqualValues(t, 64<<10, p.xfer)
	assert.EqualValues(t, 256<<10, p.span)
	assert.Equal(t, 4, p.perWorker)

	b.iters = 10
	p, err = b.plan(1<<20, 512)
	require.NoError(t, err)
	assert.Equal(t, 3, p.perWorker)
}

func TestBenchPlanErrors(t *testing.T) {
	tests := []struct {
		name string
		b    Bench
	}{
		{"unaligned", Bench{xfer: "6000", outstanding: 1}},
		{"zero", Bench{xfer: "0", outstanding: 1}},
		{"too many workers", Bench{xfer: "4K", outstanding: 129}},
		{"no workers", Bench{xfer: "4K", outstanding: 0}},
		{"write pct", Bench{xfer: "4K", outstanding: 1, writePct: 101}},
		{"wait range", Bench{xfer: "4K", outstanding: 1, waitMin: time.Second}},
		{"total too big", Bench{xfer: "4K", outstanding: 1, total: "2M"}},
		{"range too small", Bench{xfer: "64K", outstanding: 32, total: "1M"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.plan(1<<20, 512)
			assert.Error(t, err)
		})
	}
}

func TestBenchWorkerVerify(t *testing.T) {
	c := defaultConfig()
	c.Device.Size = "1M"
	c.Device.MaxTransfer = "16K"
	c.Log.Level = "error"

	s, err := startSession(context.Background(), c)
	require.NoError(t, err)
	defer s.Close()

	b := &Bench{xfer: "64K", outstanding: 2, writePct: 100, verify: true, linear: true}
	p, err := b.plan(s.srv.Info().Size, 512)
	require.NoError(t, err)

	txn, vmoid, buf, err := s.attach(2 * p.xfer)
	require.NoError(t, err)
	w := &benchWorker{b: b, p: p, s: s, txn: txn, vmoid: vmoid, buf: buf, rng: rand.New(rand.NewSource(1))}

	var mismatches atomic.Uint64
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := w.run(s.context(ctx), &mismatches)
	require.NoError(t, err)
	assert.Equal(t, p.perWorker, n)
	assert.Zero(t, mismatches.Load())

	// 64K transfers over a 16K device limit split into four chunks
	snap := s.srv.MetricsSnapshot()
	assert.EqualValues(t, 4*n, snap.WriteOps)
	assert.EqualValues(t, 3*2*n, snap.SplitChunks)
}

func TestFillPattern(t *testing.T) {
	a := make([]byte, 64)
	b := make([]byte, 64)
	fillPattern(a, 0, 1)
	fillPattern(b, 4096, 1)
	assert.NotEqual(t, a, b)
	fillPattern(b, 0, 1)
	assert.Equal(t, a, b)
}
