package buffer

/*
*	Size-class pooled byte buffers. A rented Buffer has exactly one owner, and
*	that owner releases it once it no longer reads from B.
 */

import (
	"math/bits"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

const (
	minClassShift = 6
	maxClassShift = 20
	//	largest size served by the fixed power-of-two classes (1 MiB)
	MaxPooledSize = 1 << maxClassShift
	//	oversized requests are rounded up to this granularity
	largeGranularity = 1 << 20
	largeClasses     = 16
)

type Arena struct {
	classes     [maxClassShift - minClassShift + 1]sync.Pool
	largeMu     sync.Mutex
	large       *lru.Cache
	outstanding int64
}

type Buffer struct {
	B        []byte
	data     *[]byte
	pool     *sync.Pool
	arena    *Arena
	released int32
}

var Shared = NewArena()

func NewArena() *Arena {
	a := &Arena{}
	for i := range a.classes {
		size := 1 << (uint(i) + minClassShift)
		a.classes[i].New = func() interface{} {
			b := make([]byte, size)
			return &b
		}
	}
	//	only fails for a non-positive size
	a.large, _ = lru.New(largeClasses)
	return a
}

func classIndex(n int) int {
	if n <= 1<<minClassShift {
		return 0
	}
	return bits.Len(uint(n-1)) - minClassShift
}

func (a *Arena) largePool(size int) *sync.Pool {
	a.largeMu.Lock()
	defer a.largeMu.Unlock()
	if p, ok := a.large.Get(size); ok {
		return p.(*sync.Pool)
	}
	p := &sync.Pool{New: func() interface{} {
		b := make([]byte, size)
		return &b
	}}
	a.large.Add(size, p)
	return p
}

//	Rent returns a buffer with len(B) == n. Its contents are unspecified.
func (a *Arena) Rent(n int) *Buffer {
	if n < 0 {
		n = 0
	}
	var pool *sync.Pool
	if n <= MaxPooledSize {
		pool = &a.classes[classIndex(n)]
	} else {
		size := (n + largeGranularity - 1) / largeGranularity * largeGranularity
		pool = a.largePool(size)
	}
	data := pool.Get().(*[]byte)
	atomic.AddInt64(&a.outstanding, 1)
	return &Buffer{
		B:     (*data)[:n],
		data:  data,
		pool:  pool,
		arena: a,
	}
}

//	Release hands the memory back to the arena. Only the first call has an
//	effect; B must not be used afterwards.
func (b *Buffer) Release() {
	if b == nil || !atomic.CompareAndSwapInt32(&b.released, 0, 1) {
		return
	}
	b.B = nil
	b.pool.Put(b.data)
	atomic.AddInt64(&b.arena.outstanding, -1)
}

func (b *Buffer) Released() bool {
	return atomic.LoadInt32(&b.released) == 1
}

func (b *Buffer) Cap() int {
	return cap(*b.data)
}

//	Outstanding counts rented buffers not yet released.
func (a *Arena) Outstanding() int64 {
	return atomic.LoadInt64(&a.outstanding)
}
