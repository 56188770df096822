package wire

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-blkfifo/internal/constants"
)

// RecordSize is the encoded size of both record types
const RecordSize = constants.FIFOElemSize

// PutRequest encodes req into buf, which must hold RecordSize bytes
func PutRequest(buf []byte, req *Request) {
	_ = buf[RecordSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], req.Opcode)
	binary.LittleEndian.PutUint16(buf[4:6], req.Txnid)
	binary.LittleEndian.PutUint16(buf[6:8], req.Vmoid)
	binary.LittleEndian.PutUint64(buf[8:16], req.Length)
	binary.LittleEndian.PutUint64(buf[16:24], req.VmoOffset)
	binary.LittleEndian.PutUint64(buf[24:32], req.DevOffset)
}

// GetRequest decodes a request from data
func GetRequest(data []byte, req *Request) error {
	if len(data) < RecordSize {
		return ErrInsufficientData
	}

	req.Opcode = binary.LittleEndian.Uint32(data[0:4])
	req.Txnid = binary.LittleEndian.Uint16(data[4:6])
	req.Vmoid = binary.LittleEndian.Uint16(data[6:8])
	req.Length = binary.LittleEndian.Uint64(data[8:16])
	req.VmoOffset = binary.LittleEndian.Uint64(data[16:24])
	req.DevOffset = binary.LittleEndian.Uint64(data[24:32])

	return nil
}

// PutResponse encodes resp into buf, which must hold RecordSize bytes.
// Reserved fields are always written as zero.
func PutResponse(buf []byte, resp *Response) {
	_ = buf[RecordSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], uint32(resp.Status))
	binary.LittleEndian.PutUint16(buf[4:6], resp.Txnid)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], resp.Count)
	for i := 12; i < RecordSize; i++ {
		buf[i] = 0
	}
}

// GetResponse decodes a response from data
func GetResponse(data []byte, resp *Response) error {
	if len(data) < RecordSize {
		return ErrInsufficientData
	}

	*resp = Response{
		Status: Status(int32(binary.LittleEndian.Uint32(data[0:4]))),
		Txnid:  binary.LittleEndian.Uint16(data[4:6]),
		Count:  binary.LittleEndian.Uint32(data[8:12]),
	}

	return nil
}

// EncodeRequests packs a batch of requests into one contiguous buffer
func EncodeRequests(reqs []Request) []byte {
	buf := make([]byte, len(reqs)*RecordSize)
	for i := range reqs {
		PutRequest(buf[i*RecordSize:], &reqs[i])
	}
	return buf
}

// DecodeRequests unpacks up to len(out) requests from data and returns the count
func DecodeRequests(data []byte, out []Request) int {
	n := len(data) / RecordSize
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		// Length is checked above; GetRequest cannot fail here.
		_ = GetRequest(data[i*RecordSize:], &out[i])
	}
	return n
}

// MarshalError is returned for malformed records
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
