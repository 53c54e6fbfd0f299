// Package frame defines the tunnel wire protocol's message tags and the
// packed-uint64 payload layout for each. Encoding writes into a
// caller-owned varint.Buffer so the caller controls exactly when (and
// under what lock) the resulting bytes reach the control connection;
// decoding reads tag-specific payloads directly off a varint-capable
// reader.
package frame

import "github.com/alexandrkondratenko/tunnel/internal/varint"

// Tag identifies a frame's kind. Tags are packed-uint64 on the wire, but the
// protocol only ever uses the first six values.
type Tag uint64

const (
	Allocate  Tag = 1
	Cid       Tag = 2
	Connect   Tag = 3
	Close     Tag = 4
	Data      Tag = 5
	KeepAlive Tag = 6
)

func (t Tag) String() string {
	switch t {
	case Allocate:
		return "Allocate"
	case Cid:
		return "Cid"
	case Connect:
		return "Connect"
	case Close:
		return "Close"
	case Data:
		return "Data"
	case KeepAlive:
		return "KeepAlive"
	default:
		return "Unknown"
	}
}

// PutAllocate appends an Allocate frame: tag only.
func PutAllocate(buf *varint.Buffer) {
	buf.PutUint64(uint64(Allocate))
}

// PutCid appends a Cid frame.
func PutCid(buf *varint.Buffer, cid uint64) {
	buf.PutUint64(uint64(Cid))
	buf.PutUint64(cid)
}

// PutConnect appends a Connect frame.
func PutConnect(buf *varint.Buffer, cid, port uint64) {
	buf.PutUint64(uint64(Connect))
	buf.PutUint64(cid)
	buf.PutUint64(port)
}

// PutClose appends a Close frame.
func PutClose(buf *varint.Buffer, cid uint64) {
	buf.PutUint64(uint64(Close))
	buf.PutUint64(cid)
}

// PutData appends a complete Data frame: tag, cid, and data as a
// packed-uint64 length followed by the payload bytes.
func PutData(buf *varint.Buffer, cid uint64, data []byte) {
	buf.PutUint64(uint64(Data))
	buf.PutUint64(cid)
	buf.PutBytes(data)
}

// PutKeepAlive appends a KeepAlive frame: tag only.
func PutKeepAlive(buf *varint.Buffer) {
	buf.PutUint64(uint64(KeepAlive))
}

// reader is the surface tag-payload decoders need.
type reader interface {
	ReadByte() (byte, error)
	ReadFull(n int) ([]byte, error)
}

// ReadTag reads the next frame's tag.
func ReadTag(r reader) (Tag, error) {
	v, err := varint.ReadUint64(r)
	if err != nil {
		return 0, err
	}
	return Tag(v), nil
}

// ReadCid reads a Cid frame's payload.
func ReadCid(r reader) (uint64, error) {
	return varint.ReadUint64(r)
}

// ReadConnect reads a Connect frame's payload.
func ReadConnect(r reader) (cid, port uint64, err error) {
	if cid, err = varint.ReadUint64(r); err != nil {
		return
	}
	port, err = varint.ReadUint64(r)
	return
}

// ReadClose reads a Close frame's payload.
func ReadClose(r reader) (uint64, error) {
	return varint.ReadUint64(r)
}

// ReadDataHeader reads a Data frame's cid and length, leaving the payload
// itself unread so the caller can stream it directly into its destination.
func ReadDataHeader(r reader) (cid uint64, size uint64, err error) {
	if cid, err = varint.ReadUint64(r); err != nil {
		return
	}
	size, err = varint.ReadUint64(r)
	return
}
