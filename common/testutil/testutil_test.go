package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTrueBefore(t *testing.T) {
	var flag int32
	go func() {
		<-time.After(20 * time.Millisecond)
		atomic.StoreInt32(&flag, 1)
	}()
	TrueBefore(t, func() bool {
		return atomic.LoadInt32(&flag) == 1
	}, time.Now().Add(time.Second))
}
