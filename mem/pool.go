package mem

import (
	"sync"
)

// BufferPool 按大小分级的字节切片池
type BufferPool interface {
	// Get 返回长度为 size 的切片
	Get(size int) *[]byte
	// Put 归还切片
	Put(buf *[]byte)
}

// 指令数据报不超过 1KB，仿真链路的帧通常只有几百字节
var defaultSizes = []int{
	1 << 7,  // 128B - 回复文本
	1 << 9,  // 512B - 控制帧
	1 << 10, // 1KB - 数据报接收缓冲
	1 << 12, // 4KB
	1 << 14, // 16KB
	1 << 16, // 64KB - 最大帧
}

var defaultPool = NewTieredPool(defaultSizes...)

// DefaultBufferPool 返回全局共享的池
func DefaultBufferPool() BufferPool {
	return defaultPool
}

type tieredPool struct {
	sizes []int
	pools []*sync.Pool
}

// NewTieredPool 按给定的升序容量创建分级池，超过最大容量的请求直接分配
func NewTieredPool(sizes ...int) BufferPool {
	p := &tieredPool{
		sizes: sizes,
		pools: make([]*sync.Pool, len(sizes)),
	}
	for i := range sizes {
		size := sizes[i]
		p.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, 0, size)
				return &buf
			},
		}
	}
	return p
}

func (p *tieredPool) Get(size int) *[]byte {
	if size <= 0 {
		return &[]byte{}
	}

	if i := p.fit(size); i >= 0 {
		buf := p.pools[i].Get().(*[]byte)
		*buf = (*buf)[:size]
		return buf
	}

	buf := make([]byte, size)
	return &buf
}

func (p *tieredPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}

	// 只回收容量恰好等于某一级的切片，其余交给 GC
	c := cap(*buf)
	for i, size := range p.sizes {
		if c == size {
			*buf = (*buf)[:0]
			p.pools[i].Put(buf)
			return
		}
	}
}

// fit 返回能容纳 size 的最小一级，没有则返回 -1
func (p *tieredPool) fit(size int) int {
	for i, poolSize := range p.sizes {
		if size <= poolSize {
			return i
		}
	}
	return -1
}
