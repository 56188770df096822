package wire

import "unsafe"

// Request is a client to server FIFO record (32 bytes).
//
//	struct block_fifo_request {
//	  u32 opcode;      // op in bits 0-7, OpTxnEnd in bit 8
//	  u16 txnid;
//	  u16 vmoid;
//	  u64 length;      // bytes
//	  u64 vmo_offset;  // bytes into the registered buffer
//	  u64 dev_offset;  // bytes into the device
//	};
type Request struct {
	Opcode    uint32
	Txnid     uint16
	Vmoid     uint16
	Length    uint64
	VmoOffset uint64
	DevOffset uint64
}

var _ [32]byte = [unsafe.Sizeof(Request{})]byte{}

// Op extracts the operation from Opcode
func (r *Request) Op() uint32 {
	return r.Opcode & OpMask
}

// WantsReply reports whether the request ends its transaction group
func (r *Request) WantsReply() bool {
	return r.Opcode&OpTxnEnd != 0
}

// Response is a server to client FIFO record (32 bytes).
// Count is the number of requests the response covers; zero for
// out-of-band replies.
type Response struct {
	Status    Status
	Txnid     uint16
	Reserved0 uint16
	Count     uint32
	Reserved1 uint32
	Reserved2 [2]uint64
}

var _ [32]byte = [unsafe.Sizeof(Response{})]byte{}
