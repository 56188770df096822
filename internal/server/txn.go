package server

import (
	"sync"
	"time"

	"github.com/ehrlich-b/go-blkfifo/internal/constants"
	"github.com/ehrlich-b/go-blkfifo/internal/wire"
)

// Message is one wire request in flight on the device. Oversized reads and
// writes are carried by a single Message across several device submissions.
type Message struct {
	txn   *Transaction
	iobuf *IoBuffer

	opcode uint32 // operation only, without OpTxnEnd
	flags  uint32 // FlagSyncBefore/FlagSyncAfter assigned at enqueue

	length       uint32 // bytes in the chunk currently on the device
	lenRemaining uint32 // bytes not yet submitted
	vmoOffset    uint64 // offsets of the next chunk to submit
	devOffset    uint64

	start time.Time
}

// Transaction is one slot of the transaction table. Messages enqueued into
// it form a group that is answered with a single response once every
// message has completed.
type Transaction struct {
	srv *Server
	id  uint16

	mu      sync.Mutex
	respond bool
	goal    uint32
	resp    wire.Response
	msgs    [constants.MaxTxnMessages]Message
}

func newTransaction(srv *Server, id uint16) *Transaction {
	return &Transaction{
		srv:  srv,
		id:   id,
		resp: wire.Response{Txnid: id},
	}
}

// ID returns the transaction id
func (t *Transaction) ID() uint16 { return t.id }

// enqueue reserves the next message slot of the current group. It fails
// with ErrIO while a reply for the group is still outstanding. The last
// slot always ends the group, whether or not the client asked for it.
func (t *Transaction) enqueue(wantsReply bool) (*Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.respond {
		return nil, wire.ErrIO
	}
	if t.goal == constants.MaxTxnMessages-1 {
		wantsReply = true
	}

	msg := &t.msgs[t.goal]
	*msg = Message{txn: t}
	if t.goal == 0 {
		msg.flags |= wire.FlagSyncBefore
	}
	if wantsReply {
		msg.flags |= wire.FlagSyncAfter
		t.respond = true
	}
	t.goal++
	return msg, nil
}

// pending reports whether a reply cycle is outstanding
func (t *Transaction) pending() (goal, count uint32, respond bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.goal, t.resp.Count, t.respond
}

// complete finishes one device submission of msg. A split message whose
// chunk succeeded is resubmitted with its next chunk; otherwise the message
// counts toward the group and its references are released.
func (t *Transaction) complete(msg *Message, status wire.Status) {
	s := t.srv
	s.observeChunk(msg, status)

	if status == wire.OK && msg.lenRemaining != 0 {
		length := msg.lenRemaining
		if maxXfer := s.info.MaxTransferSize; maxXfer != 0 && length > maxXfer {
			length = maxXfer
		}
		msg.lenRemaining -= length
		vmoOffset, devOffset := msg.vmoOffset, msg.devOffset
		msg.vmoOffset += uint64(length)
		msg.devOffset += uint64(length)

		flags := msg.flags &^ wire.FlagSyncBefore
		if msg.lenRemaining > 0 {
			flags &^= wire.FlagSyncAfter
		}
		s.submit(msg, flags, length, vmoOffset, devOffset)
		return
	}

	var reply *wire.Response

	t.mu.Lock()
	t.resp.Count++
	if status != wire.OK && t.resp.Status == wire.OK {
		t.resp.Status = status
	}
	if t.respond && t.resp.Count == t.goal {
		r := t.resp
		reply = &r
		t.resp.Count = 0
		t.resp.Status = wire.OK
		t.goal = 0
		t.respond = false
	}
	iobuf := msg.iobuf
	msg.iobuf = nil
	msg.txn = nil
	t.mu.Unlock()

	if reply != nil {
		s.reply(*reply, false)
	}
	s.finish(iobuf)
}
