package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// ErrBufferUnderrun is returned when a read needs more bytes than remain.
var ErrBufferUnderrun = errors.New("buffer underrun")

// ---------------------------------------------------------------------------
// Writer
// ---------------------------------------------------------------------------

// Writer appends little-endian primitives to a growable buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the written bytes. The slice is only valid until the next
// write or Reset.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// Reset discards the contents but keeps the allocation.
func (w *Writer) Reset() { w.buf = w.buf[:0] }

func (w *Writer) PutU8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) PutBool(v bool) {
	if v {
		w.PutU8(1)
		return
	}
	w.PutU8(0)
}

func (w *Writer) PutI32(v int32)   { w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v)) }
func (w *Writer) PutU32(v uint32)  { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) PutI64(v int64)   { w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v)) }
func (w *Writer) PutU64(v uint64)  { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *Writer) PutF32(v float32) { w.PutU32(math.Float32bits(v)) }
func (w *Writer) PutF64(v float64) { w.PutU64(math.Float64bits(v)) }

// PutString writes an i32 byte length followed by the UTF-8 bytes. The empty
// string is written as length 0, which is also how an absent string reads.
func (w *Writer) PutString(s string) {
	w.PutI32(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// PutBytes writes an i32 length followed by b.
func (w *Writer) PutBytes(b []byte) {
	w.PutI32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// PutVec3 writes x, y, z.
func (w *Writer) PutVec3(v mgl32.Vec3) {
	w.PutF32(v[0])
	w.PutF32(v[1])
	w.PutF32(v[2])
}

// PutQuat writes x, y, z, w.
func (w *Writer) PutQuat(q mgl32.Quat) {
	w.PutVec3(q.V)
	w.PutF32(q.W)
}

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

// Reader consumes little-endian primitives from a byte slice.
type Reader struct {
	data []byte
	off  int
}

// NewReader returns a Reader positioned at the start of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Reset repositions the reader at the start of data.
func (r *Reader) Reset(data []byte) {
	r.data = data
	r.off = 0
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.off }

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrBufferUnderrun, n, r.off, r.Remaining())
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Bool() (bool, error) {
	v, err := r.U8()
	return v != 0, err
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) I64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

func (r *Reader) F32() (float32, error) {
	v, err := r.U32()
	return math.Float32frombits(v), err
}

func (r *Reader) F64() (float64, error) {
	v, err := r.U64()
	return math.Float64frombits(v), err
}

// Text reads a length-prefixed UTF-8 string. Length 0 yields "".
func (r *Reader) Text() (string, error) {
	b, err := r.lengthPrefixed()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Blob reads a length-prefixed byte slice. The result is a copy.
func (r *Reader) Blob() ([]byte, error) {
	b, err := r.lengthPrefixed()
	if err != nil || len(b) == 0 {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *Reader) lengthPrefixed() ([]byte, error) {
	n, err := r.I32()
	if err != nil {
		return nil, err
	}
	return r.next(int(n))
}

func (r *Reader) Vec3() (mgl32.Vec3, error) {
	var v mgl32.Vec3
	for i := range v {
		f, err := r.F32()
		if err != nil {
			return mgl32.Vec3{}, err
		}
		v[i] = f
	}
	return v, nil
}

// Quat reads x, y, z, w.
func (r *Reader) Quat() (mgl32.Quat, error) {
	v, err := r.Vec3()
	if err != nil {
		return mgl32.Quat{}, err
	}
	w, err := r.F32()
	if err != nil {
		return mgl32.Quat{}, err
	}
	return mgl32.Quat{W: w, V: v}, nil
}
