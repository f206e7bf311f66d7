package protocol

import "sync"

const defaultWriterCapacity = 128

var writerPool = sync.Pool{
	New: func() any { return NewWriter(defaultWriterCapacity) },
}

var readerPool = sync.Pool{
	New: func() any { return &Reader{} },
}

// GetWriter returns an empty Writer from the pool.
func GetWriter() *Writer {
	w := writerPool.Get().(*Writer)
	w.Reset()
	return w
}

// PutWriter returns w to the pool. The caller must not touch w or any slice
// obtained from w.Bytes afterwards.
func PutWriter(w *Writer) {
	// Oversized buffers are left for the GC.
	if cap(w.buf) > 64*1024 {
		return
	}
	writerPool.Put(w)
}

// GetReader returns a pooled Reader positioned at the start of data.
func GetReader(data []byte) *Reader {
	r := readerPool.Get().(*Reader)
	r.Reset(data)
	return r
}

// PutReader returns r to the pool.
func PutReader(r *Reader) {
	r.Reset(nil)
	readerPool.Put(r)
}

// Build encodes a complete packet into a freshly allocated slice.
func Build(h Header, body Body) []byte {
	w := GetWriter()
	defer PutWriter(w)

	h.Encode(w)
	if body != nil {
		body.Encode(w)
	}

	out := make([]byte, w.Len())
	copy(out, w.Bytes())
	return out
}
