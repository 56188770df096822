package device

import (
	"sync"

	"github.com/ehrlich-b/go-blkfifo/internal/constants"
)

// Bounce buffers for VMOs that cannot be mapped. Buffers come from
// power-of-2 buckets between 64KB and 1MB; larger transfers are allocated
// directly and never pooled.
//
// Uses the *[]byte pattern to avoid sync.Pool interface allocation overhead.

var bucketSizes = [...]int{
	constants.BounceBufferSize,
	constants.BounceBufferSize << 1,
	constants.BounceBufferSize << 2,
	constants.BounceBufferSize << 3,
	constants.BounceBufferSize << 4,
}

var buckets [len(bucketSizes)]sync.Pool

func init() {
	for i := range buckets {
		size := bucketSizes[i]
		buckets[i].New = func() any { b := make([]byte, size); return &b }
	}
}

// GetBuffer returns a buffer of length size. Caller must call PutBuffer when done.
func GetBuffer(size uint32) []byte {
	for i, bs := range bucketSizes {
		if int(size) <= bs {
			return (*buckets[i].Get().(*[]byte))[:size]
		}
	}
	return make([]byte, size)
}

// PutBuffer returns a buffer to its bucket. Buffers whose capacity is not
// a bucket size are dropped.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	for i, bs := range bucketSizes {
		if c == bs {
			buckets[i].Put(&buf)
			return
		}
	}
}
