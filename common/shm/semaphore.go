package shm

import (
	"sync/atomic"
	"time"
)

//	semaphore is a counting semaphore living in shared memory. Waiters poll.
type semaphore struct {
	count *int32
}

const (
	minPoll = 20 * time.Microsecond
	maxPoll = 2 * time.Millisecond
)

func (s semaphore) TryAcquire() bool {
	for {
		c := atomic.LoadInt32(s.count)
		if c <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(s.count, c, c-1) {
			return true
		}
	}
}

func (s semaphore) Release() {
	atomic.AddInt32(s.count, 1)
}

//	Acquire waits for a permit until done is closed or abort reports true.
//	It returns false if it gave up.
func (s semaphore) Acquire(done <-chan struct{}, abort func() bool) bool {
	poll := minPoll
	for {
		if s.TryAcquire() {
			return true
		}
		if abort != nil && abort() {
			return false
		}
		select {
		case <-done:
			return false
		case <-time.After(poll):
		}
		if poll *= 2; poll > maxPoll {
			poll = maxPoll
		}
	}
}
