package fifo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(size int, b byte) []byte {
	rec := make([]byte, size)
	for i := range rec {
		rec[i] = b
	}
	return rec
}

func TestCreateInvalid(t *testing.T) {
	_, _, err := Create(0, 8)
	assert.ErrorIs(t, err, ErrInvalidArgs)
	_, _, err = Create(4, 0)
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestReadWriteOrdering(t *testing.T) {
	a, b, err := Create(4, 8)
	require.NoError(t, err)

	n, err := b.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrShouldWait)

	batch := append(record(8, 1), record(8, 2)...)
	n, err = a.Write(batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = a.Write(record(8, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out := make([]byte, 4*8)
	n, err = b.Read(out)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	assert.Equal(t, record(8, 1), out[0:8])
	assert.Equal(t, record(8, 2), out[8:16])
	assert.Equal(t, record(8, 3), out[16:24])

	// Nothing flowed back the other way.
	_, err = a.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrShouldWait)
}

func TestWriteFull(t *testing.T) {
	a, b, err := Create(2, 4)
	require.NoError(t, err)

	n, err := a.Write(make([]byte, 3*4))
	require.NoError(t, err)
	assert.Equal(t, 2, n, "short write when only two slots are free")

	_, err = a.Write(make([]byte, 4))
	assert.ErrorIs(t, err, ErrShouldWait)
	assert.Zero(t, a.Pending()&SignalWritable)

	_, err = b.Read(make([]byte, 4))
	require.NoError(t, err)
	assert.NotZero(t, a.Pending()&SignalWritable)

	// The ring wraps around correctly.
	n, err = a.Write(record(4, 9))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	out := make([]byte, 8)
	n, err = b.Read(out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, record(4, 9), out[4:8])
}

func TestRecordSizeValidation(t *testing.T) {
	a, _, err := Create(2, 4)
	require.NoError(t, err)

	_, err = a.Write(make([]byte, 6))
	assert.ErrorIs(t, err, ErrInvalidArgs)
	_, err = a.Read(make([]byte, 2))
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestPeerClosed(t *testing.T) {
	a, b, err := Create(2, 4)
	require.NoError(t, err)

	_, err = a.Write(record(4, 5))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Close(), ErrClosed)

	// Queued data survives the close, then the peer sees PEER_CLOSED.
	n, err := b.Read(make([]byte, 4))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = b.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ErrPeerClosed)
	_, err = b.Write(make([]byte, 4))
	assert.ErrorIs(t, err, ErrPeerClosed)

	sig, err := b.Wait(context.Background(), SignalPeerClosed)
	require.NoError(t, err)
	assert.NotZero(t, sig&SignalPeerClosed)
}

func TestUserSignals(t *testing.T) {
	a, b, err := Create(2, 4)
	require.NoError(t, err)

	assert.ErrorIs(t, a.Signal(0, SignalReadable), ErrInvalidArgs)

	require.NoError(t, a.Signal(0, SignalUser0))
	assert.NotZero(t, a.Pending()&SignalUser0)
	assert.Zero(t, b.Pending()&SignalUser0)

	require.NoError(t, b.SignalPeer(SignalUser0, SignalUser1))
	assert.Zero(t, a.Pending()&SignalUser0)
	assert.NotZero(t, a.Pending()&SignalUser1)
}

func TestWaitWakesOnWrite(t *testing.T) {
	a, b, err := Create(4, 4)
	require.NoError(t, err)

	done := make(chan Signals, 1)
	go func() {
		sig, err := b.Wait(context.Background(), SignalReadable|SignalUser0)
		if err != nil {
			done <- 0
			return
		}
		done <- sig
	}()

	time.Sleep(10 * time.Millisecond)
	_, err = a.Write(record(4, 1))
	require.NoError(t, err)

	select {
	case sig := <-done:
		assert.NotZero(t, sig&SignalReadable)
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake after write")
	}
}

func TestWaitContextCancel(t *testing.T) {
	_, b, err := Create(4, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = b.Wait(ctx, SignalReadable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
