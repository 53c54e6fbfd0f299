// Package varint implements the packed-uint64 and length-prefixed
// byte/string encoding used on the tunnel control connection.
package varint

// MaxLen is the longest a packed-uint64 can ever be: 8 continuation-bearing
// 7-bit groups plus one terminal 8-bit group (8*7 + 8 = 64 bits).
const MaxLen = 9

// byteReader is the minimal surface ReadUint64 needs. tunnel.Conn and
// bytes.Reader both satisfy it.
type byteReader interface {
	ReadByte() (byte, error)
}

// AppendUint64 appends the packed-uint64 encoding of v to dst and returns the
// extended slice. The encoding is little-endian base-128: each of the first
// eight groups carries 7 bits with the high bit set if another group
// follows; if bits remain after eight such groups, a ninth, terminal byte
// carries the final 8 bits with no continuation bit of its own.
func AppendUint64(dst []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		if v < 0x80 {
			return append(dst, byte(v))
		}
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// ReadUint64 decodes a packed-uint64 from r, mirroring AppendUint64: the 9th
// byte is only reached once eight continuation-bearing bytes have preceded
// it, and is then treated as a terminal 8-bit group regardless of its high
// bit.
func ReadUint64(r byteReader) (uint64, error) {
	var result uint64
	for i := 0; i < 8; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return result, nil
		}
	}
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	result |= uint64(b) << 56
	return result, nil
}

// AppendBytes appends a packed-uint64 length followed by b.
func AppendBytes(dst []byte, b []byte) []byte {
	dst = AppendUint64(dst, uint64(len(b)))
	return append(dst, b...)
}

// AppendString appends a packed-uint64 length followed by the UTF-8 bytes of
// s. An empty string writes only the zero length.
func AppendString(dst []byte, s string) []byte {
	return AppendBytes(dst, []byte(s))
}

// exactReader is satisfied by anything that can read exactly n bytes, such as
// tunnel.Conn.
type exactReader interface {
	ReadFull(n int) ([]byte, error)
}

// byteExactReader is the combined surface ReadBytes/ReadString need.
type byteExactReader interface {
	byteReader
	exactReader
}

// ReadBytes reads a packed-uint64 length followed by that many raw bytes.
// The returned slice aliases the reader's internal buffer and is only valid
// until the next read.
func ReadBytes(r byteExactReader) ([]byte, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return r.ReadFull(int(n))
}

// ReadString reads a packed-uint64 length followed by that many UTF-8 bytes.
func ReadString(r byteExactReader) (string, error) {
	b, err := ReadBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodedLen returns the number of bytes AppendUint64 would emit for v.
func EncodedLen(v uint64) int {
	n := 1
	for i := 0; i < 8 && v >= 0x80; i++ {
		v >>= 7
		n++
	}
	return n
}
