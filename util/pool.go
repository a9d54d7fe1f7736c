package util

import "sync"

// DefaultBufSize is the size of one socket read or one input chunk (32 KiB).
const DefaultBufSize = 32 * 1024

// BufPool recycles byte buffers of a single fixed size.
type BufPool struct {
	size int
	pool sync.Pool
}

// NewBufPool returns a pool of size-byte buffers.
func NewBufPool(size int) *BufPool {
	p := &BufPool{size: size}
	p.pool.New = func() interface{} {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size reports the length of the buffers p hands out.
func (p *BufPool) Size() int { return p.size }

// Get returns a buffer of exactly Size bytes.
func (p *BufPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns buf to the pool.  A buffer that was resliced is restored
// to full length; one whose capacity does not match is dropped.
func (p *BufPool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) != p.size {
		return
	}
	*buf = (*buf)[:p.size]
	p.pool.Put(buf)
}

var defaultPool = NewBufPool(DefaultBufSize) //nolint:gochecknoglobals

// GetBuf retrieves a DefaultBufSize buffer.  Callers must return it
// with [PutBuf] when finished.
func GetBuf() *[]byte { return defaultPool.Get() }

// PutBuf returns a buffer obtained from [GetBuf].
func PutBuf(buf *[]byte) { defaultPool.Put(buf) }
