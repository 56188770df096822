package main

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

const sampleTrace = `# category,ns,dev_off,len,tid,op
block,5000,4096,4096,1
block,1000,0,1000,1,write
other,1200,0,512,2
block,3000,8192,512,2,read
block,4000,0,0,2,sync

block,2000,1048576,512,3
block,2500,1048000,4096,3
`

func TestParseTrace(t *testing.T) {
	tr, err := parseTrace(strings.NewReader(sampleTrace), 512, 1<<20)
	require.NoError(t, err)

	want := [][]traceReq{
		{
			{at: 0, op: wire.OpWrite, devOffset: 0, length: 1024, tid: 1},
			{at: 4000, op: wire.OpRead, devOffset: 4096, length: 4096, tid: 1},
		},
		{
			{at: 2000, op: wire.OpRead, devOffset: 8192, length: 512, tid: 2},
			{at: 3000, op: wire.OpSync, devOffset: 0, length: 0, tid: 2},
		},
	}
	if diff := cmp.Diff(want, tr.threads, cmp.AllowUnexported(traceReq{})); diff != "" {
		t.Errorf("threads mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 4, tr.total)
	// other category, and two out of range
	assert.Equal(t, 3, tr.skipped)
}

func TestParseTraceErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"only skipped", "other,1,2,3,4\n"},
		{"short", "block,1,2,3\n"},
		{"long", "block,1,2,3,4,read,extra\n"},
		{"bad number", "block,x,0,512,1\n"},
		{"bad op", "block,1,0,512,1,erase\n"},
		{"bad numeric op", "block,1,0,512,1,4\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseTrace(strings.NewReader(tt.input), 512, 1<<20)
			assert.Error(t, err)
		})
	}
}

func TestParseTraceThreadLimit(t *testing.T) {
	var b strings.Builder
	for tid := 0; tid <= maxTraceThreads; tid++ {
		fmt.Fprintf(&b, "block,%d,0,512,%d\n", tid, tid)
	}
	_, err := parseTrace(strings.NewReader(b.String()), 512, 1<<20)
	assert.ErrorContains(t, err, "threads")
}

func TestParseTraceOp(t *testing.T) {
	for in, want := range map[string]uint32{
		"read": wire.OpRead, "W": wire.OpWrite, "flush": wire.OpSync,
		"1": wire.OpRead, "0x2": wire.OpWrite, "3": wire.OpSync,
	} {
		got, err := parseTraceOp(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestReplay(t *testing.T) {
	c := defaultConfig()
	c.Device.Size = "1M"
	c.Log.Level = "error"

	s, err := startSession(context.Background(), c)
	require.NoError(t, err)
	defer s.Close()

	tr, err := parseTrace(strings.NewReader(sampleTrace), 512, 1<<20)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := replay(s.context(ctx), s, tr, true)
	require.NoError(t, err)
	assert.Zero(t, res.failures)

	snap := s.srv.MetricsSnapshot()
	assert.EqualValues(t, 1, snap.WriteOps)
	assert.EqualValues(t, 2, snap.ReadOps)
	assert.EqualValues(t, 1, snap.FlushOps)
}
