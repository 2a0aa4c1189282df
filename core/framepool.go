package core

import "sync"

// framePool is the arena frames are acquired from on send and receive
// (spec §4.1, §9). It is a plain sync.Pool and places no upper bound on the
// number of live frames. Ownership is scoped: the sender releases after
// enqueueing the datagram; the receiver transfers ownership to assembly
// state and releases on terminal transition. Never share a released frame.
var framePool = sync.Pool{
	New: func() any {
		return &Frame{Payload: make([]byte, 0, 1336)}
	},
}

// acquireFrame borrows a zeroed Frame from the pool.
func acquireFrame() *Frame {
	return framePool.Get().(*Frame)
}

// releaseFrame resets f and returns it to the pool. Callers must not touch
// f after calling releaseFrame.
func releaseFrame(f *Frame) {
	if f == nil {
		return
	}
	f.reset()
	framePool.Put(f)
}
