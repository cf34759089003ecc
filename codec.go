package corekv

import (
	"bytes"

	"github.com/pkg/errors"
)

// Writer accumulates the self-delimiting binary encoding used by package
// lsm (and any higher layer) for persisted node bodies: variable-length
// naturals, zig-zag signed integers, length-prefixed byte strings, and
// bracketed hash literals.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the bytes written so far.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// WriteVarNat appends n as a VarNat: a sequence of 7-bit digits, each in
// its own byte with the high bit clear, except the final digit, whose
// high bit is set to mark the end.
func (w *Writer) WriteVarNat(n uint64) {
	for {
		digit := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			w.buf.WriteByte(digit | 0x80)
			return
		}
		w.buf.WriteByte(digit)
	}
}

// WriteVarInt appends n as a VarInt: zig-zag encoding over VarNat.
func (w *Writer) WriteVarInt(n int64) {
	w.WriteVarNat(zigzagEncode(n))
}

// WriteByteString appends b as a ByteString: a VarNat length, the raw
// bytes, and - iff b ends in a hash-alphabet byte - a single trailing
// separator byte (space), so HashScan can never run off the end of a
// ByteString payload into whatever follows it.
func (w *Writer) WriteByteString(b []byte) {
	w.WriteVarNat(uint64(len(b)))
	w.buf.Write(b)
	if len(b) > 0 && IsHashByte(b[len(b)-1]) {
		w.buf.WriteByte(' ')
	}
}

// WriteHashLit appends h as a HashLit: '{', the hash's base32 digits,
// '}'.
func (w *Writer) WriteHashLit(h Hash) {
	w.buf.WriteByte('{')
	w.buf.WriteString(h.String())
	w.buf.WriteByte('}')
}

// Reader decodes a byte slice written by Writer.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the bytes not yet consumed.
func (r *Reader) Remaining() []byte {
	return r.buf[r.pos:]
}

// Len reports how many bytes remain unconsumed.
func (r *Reader) Len() int {
	return len(r.buf) - r.pos
}

// ReadVarNat decodes a VarNat.
func (r *Reader) ReadVarNat() (uint64, error) {
	var n uint64
	var shift uint
	for {
		if r.pos >= len(r.buf) {
			return 0, errors.New("truncated varnat")
		}
		b := r.buf[r.pos]
		r.pos++
		n |= uint64(b&0x7f) << shift
		shift += 7
		if b&0x80 != 0 {
			return n, nil
		}
		if shift > 63 {
			return 0, errors.New("varnat overflow")
		}
	}
}

// ReadVarInt decodes a VarInt.
func (r *Reader) ReadVarInt() (int64, error) {
	n, err := r.ReadVarNat()
	if err != nil {
		return 0, err
	}
	return zigzagDecode(n), nil
}

// ReadByteString decodes a ByteString.
func (r *Reader) ReadByteString() ([]byte, error) {
	n, err := r.ReadVarNat()
	if err != nil {
		return nil, errors.Wrap(err, "reading bytestring length")
	}
	if uint64(r.Len()) < n {
		return nil, errors.New("truncated bytestring payload")
	}
	payload := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	if n > 0 && IsHashByte(payload[n-1]) {
		if r.pos >= len(r.buf) || r.buf[r.pos] != ' ' {
			return nil, errors.New("missing bytestring separator after hash-byte suffix")
		}
		r.pos++
	}
	return payload, nil
}

// ReadHashLit decodes a HashLit.
func (r *Reader) ReadHashLit() (Hash, error) {
	if r.pos >= len(r.buf) || r.buf[r.pos] != '{' {
		return Hash{}, errors.New("expected '{' opening hash literal")
	}
	r.pos++
	if r.Len() < HashStringLen {
		return Hash{}, errors.New("truncated hash literal")
	}
	h, err := ParseHash(string(r.buf[r.pos : r.pos+HashStringLen]))
	if err != nil {
		return Hash{}, errors.Wrap(err, "parsing hash literal")
	}
	r.pos += HashStringLen
	if r.pos >= len(r.buf) || r.buf[r.pos] != '}' {
		return Hash{}, errors.New("expected '}' closing hash literal")
	}
	r.pos++
	return h, nil
}

func zigzagEncode(n int64) uint64 {
	return uint64((n << 1) ^ (n >> 63))
}

func zigzagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}
