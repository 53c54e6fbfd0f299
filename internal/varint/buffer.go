package varint

// chunkSize is the granularity frame output buffers grow by.
const chunkSize = 1024

// Buffer is a growable byte accumulator for encoding outbound frames. Unlike
// bytes.Buffer it never shrinks its backing array on Reset, so a Buffer
// reused across many frames settles at whatever size its largest frame
// needed.
type Buffer struct {
	b []byte
}

// Reset empties the buffer without releasing its backing array.
func (buf *Buffer) Reset() {
	buf.b = buf.b[:0]
}

// Bytes returns the buffer's current contents. The slice is only valid until
// the next call to a method that appends to the buffer.
func (buf *Buffer) Bytes() []byte {
	return buf.b
}

// Len returns the number of bytes currently in the buffer.
func (buf *Buffer) Len() int {
	return len(buf.b)
}

// grow ensures the buffer has room for n more bytes, rounding any new
// allocation up to a multiple of chunkSize.
func (buf *Buffer) grow(n int) {
	if cap(buf.b)-len(buf.b) >= n {
		return
	}
	need := len(buf.b) + n
	newCap := ((need + chunkSize - 1) / chunkSize) * chunkSize
	nb := make([]byte, len(buf.b), newCap)
	copy(nb, buf.b)
	buf.b = nb
}

// Write appends p to the buffer. It always succeeds.
func (buf *Buffer) Write(p []byte) (int, error) {
	buf.grow(len(p))
	buf.b = append(buf.b, p...)
	return len(p), nil
}

// WriteByte appends a single byte to the buffer.
func (buf *Buffer) WriteByte(c byte) error {
	buf.grow(1)
	buf.b = append(buf.b, c)
	return nil
}

// PutUint64 appends the packed-uint64 encoding of v.
func (buf *Buffer) PutUint64(v uint64) {
	buf.grow(MaxLen)
	buf.b = AppendUint64(buf.b, v)
}

// PutBytes appends a packed-uint64 length followed by b.
func (buf *Buffer) PutBytes(b []byte) {
	buf.grow(MaxLen + len(b))
	buf.b = AppendBytes(buf.b, b)
}

// PutString appends a packed-uint64 length followed by the UTF-8 bytes of s.
func (buf *Buffer) PutString(s string) {
	buf.PutBytes([]byte(s))
}
