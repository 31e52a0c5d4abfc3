package transfer

import "sync"

var chunkPools sync.Map // map[int]*chunkPool

type chunkPool struct {
	size int
	pool sync.Pool
}

func chunkPoolFor(size int) *chunkPool {
	if pool, ok := chunkPools.Load(size); ok {
		return pool.(*chunkPool)
	}
	p := &chunkPool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	actual, _ := chunkPools.LoadOrStore(size, p)
	return actual.(*chunkPool)
}

func (p *chunkPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *chunkPool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) < p.size {
		return
	}
	*buf = (*buf)[:p.size]
	p.pool.Put(buf)
}
