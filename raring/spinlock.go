package raring

import (
	"runtime"
	"sync/atomic"
)

// spinLock is a minimal test-and-set spinlock. It guards the joint
// publication of segment metadata and the matching ring index. The
// critical sections are a handful of loads and stores, so busy-waiting
// is cheaper than parking the goroutine; Gosched keeps a contended
// spin from starving the lock holder on a busy scheduler.
type spinLock struct {
	state atomic.Uint32
}

func (l *spinLock) lock() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (l *spinLock) unlock() {
	l.state.Store(0)
}
