package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"
)

/*
*	A region is one direction of a connection: a fixed header followed by a
*	single message slot.
*
*	offset  0  uint32 magic
*	offset  4  uint32 slot capacity
*	offset  8  int32  write permits
*	offset 12  int32  read permits
*	offset 16  int32  closed
*	offset 20  int32  message length
*	offset 64  slot
 */

const (
	magic      = 0x70697065
	headerSize = 64

	offMagic       = 0
	offCapacity    = 4
	offWritePermit = 8
	offReadPermit  = 12
	offClosed      = 16
	offLength      = 20

	DefaultCapacity = 1 << 20
)

var ErrBadSegment = errors.New("shm: not a piperpc segment")

type region struct {
	file *os.File
	m    *mapping
	mem  []byte
}

func (r *region) word(offset int) *int32 {
	return (*int32)(unsafe.Pointer(&r.mem[offset]))
}

func (r *region) capacity() int {
	return int(atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[offCapacity]))))
}

func (r *region) slot() []byte {
	return r.mem[headerSize:]
}

func (r *region) writePermit() semaphore {
	return semaphore{r.word(offWritePermit)}
}

func (r *region) readPermit() semaphore {
	return semaphore{r.word(offReadPermit)}
}

func (r *region) closed() bool {
	return atomic.LoadInt32(r.word(offClosed)) != 0
}

func (r *region) markClosed() {
	atomic.StoreInt32(r.word(offClosed), 1)
}

func (r *region) length() int {
	return int(atomic.LoadInt32(r.word(offLength)))
}

func (r *region) setLength(n int) {
	atomic.StoreInt32(r.word(offLength), int32(n))
}

func Dir() (dir string, err error) {
	dir = filepath.Join(os.TempDir(), "piperpc-shm")
	err = os.MkdirAll(dir, os.FileMode(0700))
	return
}

func regionPath(name, direction string) (path string, err error) {
	dir, err := Dir()
	if err != nil {
		return
	}
	path = filepath.Join(dir, name+"."+direction)
	return
}

func createRegion(path string, capacity int) (r *region, err error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	size := headerSize + capacity
	if err = file.Truncate(int64(size)); err != nil {
		file.Close()
		return
	}
	m, err := mapFile(file, size)
	if err != nil {
		file.Close()
		return
	}
	r = &region{file: file, m: m, mem: m.data}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.mem[offCapacity])), uint32(capacity))
	atomic.StoreInt32(r.word(offWritePermit), 1)
	atomic.StoreInt32(r.word(offReadPermit), 0)
	atomic.StoreInt32(r.word(offClosed), 0)
	atomic.StoreInt32(r.word(offLength), 0)
	//	published last; openRegion treats a segment without it as not ready
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.mem[offMagic])), magic)
	return
}

func openRegion(path string) (r *region, err error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return
	}
	size := int(info.Size())
	if size <= headerSize {
		file.Close()
		err = fmt.Errorf("%w: %s is %d bytes", ErrBadSegment, path, size)
		return
	}
	m, err := mapFile(file, size)
	if err != nil {
		file.Close()
		return
	}
	r = &region{file: file, m: m, mem: m.data}
	//	a closed region belongs to a finished connection about to be removed
	if atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[offMagic]))) != magic || headerSize+r.capacity() != size || r.closed() {
		r.unmap()
		r = nil
		err = fmt.Errorf("%w: %s", ErrBadSegment, path)
	}
	return
}

func (r *region) unmap() (err error) {
	err = r.m.unmap()
	r.mem = nil
	if closeErr := r.file.Close(); err == nil {
		err = closeErr
	}
	return
}
