package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// Pool hands out reusable byte buffers for segment forwarding, backed by
// valyala/bytebufferpool so the per-request copy buffers do not churn
// the allocator. Buffers are grown once to the configured block size and
// reused across requests.
type Pool struct {
	pool      *bytebufferpool.Pool
	blockSize int
}

// NewPool creates a Pool whose buffers hold blockSize bytes.
func NewPool(blockSize int) *Pool {
	return &Pool{
		pool:      &bytebufferpool.Pool{},
		blockSize: blockSize,
	}
}

// Get retrieves a buffer sized to the pool's block size. The returned
// buffer's B slice has length blockSize, ready for io.Reader.Read.
func (p *Pool) Get() *bytebufferpool.ByteBuffer {
	buf := p.pool.Get()
	if cap(buf.B) < p.blockSize {
		buf.B = make([]byte, p.blockSize)
	}
	buf.B = buf.B[:p.blockSize]
	return buf
}

// Put returns a buffer to the pool.
func (p *Pool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		p.pool.Put(buf)
	}
}

// BlockSize returns the configured block size.
func (p *Pool) BlockSize() int {
	return p.blockSize
}
