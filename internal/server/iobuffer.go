package server

import (
	"sync/atomic"

	"github.com/google/btree"

	"github.com/ehrlich-b/go-blkfifo/internal/constants"
	"github.com/ehrlich-b/go-blkfifo/internal/interfaces"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// IoBuffer is a VMO registered with the server under a vmoid. The registry
// holds one reference and every in-flight message holds another; the VMO is
// closed when the last reference is dropped.
type IoBuffer struct {
	vmoid uint16
	vmo   interfaces.VMO
	size  uint64
	refs  atomic.Int32
}

func newIoBuffer(vmoid uint16, vmo interfaces.VMO) *IoBuffer {
	b := &IoBuffer{vmoid: vmoid, vmo: vmo, size: vmo.Size()}
	b.refs.Store(1)
	return b
}

// ID returns the buffer handle
func (b *IoBuffer) ID() uint16 { return b.vmoid }

// VMO returns the registered memory region
func (b *IoBuffer) VMO() interfaces.VMO { return b.vmo }

// Size returns the region size captured at attach time
func (b *IoBuffer) Size() uint64 { return b.size }

func (b *IoBuffer) incRef() {
	b.refs.Add(1)
}

// decRef drops a reference and closes the VMO on the last one
func (b *IoBuffer) decRef() error {
	switch n := b.refs.Add(-1); {
	case n > 0:
		return nil
	case n == 0:
		return b.vmo.Close()
	default:
		panic("server: IoBuffer reference count went negative")
	}
}

// validateRange reports whether [vmoOffset, vmoOffset+length) lies inside the buffer
func (b *IoBuffer) validateRange(length, vmoOffset uint64) wire.Status {
	if length > b.size || vmoOffset > b.size-length {
		return wire.ErrInvalidArgs
	}
	return wire.OK
}

func lessIoBuffer(a, b *IoBuffer) bool {
	return a.vmoid < b.vmoid
}

// registry maps vmoids to buffers. It is not safe for concurrent use; the
// server mutex guards it.
type registry struct {
	tree   *btree.BTreeG[*IoBuffer]
	lastID uint32
	maxID  uint32 // exclusive upper bound on handles
}

func newRegistry(maxID uint32) *registry {
	if maxID == 0 || maxID > constants.VmoidMax {
		maxID = constants.VmoidMax
	}
	return &registry{
		tree:   btree.NewG(8, lessIoBuffer),
		lastID: constants.VmoidInvalid + 1,
		maxID:  maxID,
	}
}

func (r *registry) has(id uint32) bool {
	_, ok := r.tree.Get(&IoBuffer{vmoid: uint16(id)})
	return ok
}

// findID returns the first unused handle at or after lastID, wrapping
// around to the bottom of the range once.
func (r *registry) findID() (uint16, bool) {
	for id := r.lastID; id < r.maxID; id++ {
		if !r.has(id) {
			r.lastID = id + 1
			return uint16(id), true
		}
	}
	for id := uint32(constants.VmoidInvalid + 1); id < r.lastID && id < r.maxID; id++ {
		if !r.has(id) {
			r.lastID = id + 1
			return uint16(id), true
		}
	}
	return 0, false
}

// attach registers vmo under a fresh handle
func (r *registry) attach(vmo interfaces.VMO) (*IoBuffer, error) {
	id, ok := r.findID()
	if !ok {
		return nil, wire.ErrNoResources
	}
	b := newIoBuffer(id, vmo)
	r.tree.ReplaceOrInsert(b)
	return b, nil
}

func (r *registry) lookup(id uint16) (*IoBuffer, bool) {
	return r.tree.Get(&IoBuffer{vmoid: id})
}

// detach unregisters id. The caller owns the registry's reference to the
// returned buffer and must drop it outside the server lock.
func (r *registry) detach(id uint16) (*IoBuffer, bool) {
	return r.tree.Delete(&IoBuffer{vmoid: id})
}

// drain unregisters every buffer and returns them in handle order
func (r *registry) drain() []*IoBuffer {
	out := make([]*IoBuffer, 0, r.tree.Len())
	r.tree.Ascend(func(b *IoBuffer) bool {
		out = append(out, b)
		return true
	})
	r.tree.Clear(false)
	return out
}

func (r *registry) len() int {
	return r.tree.Len()
}
