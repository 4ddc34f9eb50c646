// Package mem 提供池化字节缓冲区，用于帧编码和数据报收发。
package mem

import (
	"sync"
)

var bufferObjectPool = sync.Pool{New: func() any { return new(buffer) }}

type Buffer interface {
	// ReadOnlyData 返回底层字节切片，调用方不得修改
	ReadOnlyData() []byte
	// Free 把底层切片还给池，之后不得再访问
	Free()
	// Len 返回数据长度
	Len() int
}

// NewBuffer 包装从 pool 取出的切片，Free 时归还给同一个池
func NewBuffer(data *[]byte, pool BufferPool) Buffer {
	b := bufferObjectPool.Get().(*buffer)
	b.origin = data
	b.data = *data
	b.pool = pool
	return b
}

// Copy 从池中取缓冲区并复制 data
func Copy(data []byte, pool BufferPool) Buffer {
	buf := pool.Get(len(data))
	copy(*buf, data)
	return NewBuffer(buf, pool)
}

type buffer struct {
	origin *[]byte
	data   []byte
	pool   BufferPool
}

func (b *buffer) ReadOnlyData() []byte {
	if b.pool == nil {
		panic("mem: read of freed buffer")
	}
	return b.data
}

func (b *buffer) Free() {
	if b.pool == nil {
		panic("mem: double free")
	}

	b.pool.Put(b.origin)
	b.origin = nil
	b.data = nil
	b.pool = nil
	bufferObjectPool.Put(b)
}

func (b *buffer) Len() int {
	return len(b.ReadOnlyData())
}
