package sessionkit

import (
	"bytes"
	"sync"
)

// bufferPool holds scratch buffers for record encoding.
var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

var idBufferPool = sync.Pool{
	New: func() any {
		// 16 bytes of raw entropy followed by its 32-byte hex encoding.
		b := make([]byte, 48)
		return &b
	},
}

// PutBuffer wipes the buffer's content and returns it to the pool, so
// encoded attribute values do not linger in pooled memory.
func PutBuffer(buf *bytes.Buffer) {
	clear(buf.Bytes())
	buf.Reset()
	bufferPool.Put(buf)
}
