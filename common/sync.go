package common

import (
	"sync"
	"sync/atomic"
	"time"
)

type AtomicBool int32

func (b *AtomicBool) IsSet() bool { return atomic.LoadInt32((*int32)(b)) != 0 }
func (b *AtomicBool) SetTrue()    { atomic.StoreInt32((*int32)(b), 1) }
func (b *AtomicBool) SetFalse()   { atomic.StoreInt32((*int32)(b), 0) }

// CompareAndSwap sets b to new if it currently equals old.
func (b *AtomicBool) CompareAndSwap(old, new bool) bool {
	var o, n int32
	if old {
		o = 1
	}
	if new {
		n = 1
	}
	return atomic.CompareAndSwapInt32((*int32)(b), o, n)
}

type AtomicTimeout int64

func (t *AtomicTimeout) Set(d time.Duration) {
	atomic.StoreInt64((*int64)(t), int64(d))
}

func (t *AtomicTimeout) Get() time.Duration {
	return time.Duration(atomic.LoadInt64((*int64)(t)))
}

// WaitTimeout waits for wg up to d and reports whether it finished.
func WaitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
