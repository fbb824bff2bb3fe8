package media

import (
	"context"
	"errors"
	"sync"
)

// ErrBufferClosed indicates the jitter buffer was closed.
var ErrBufferClosed = errors.New("jitter buffer closed")

// JitterBuffer smooths bursty frame arrival: Get blocks until the buffer
// has prebuffered enough frames, then drains until empty, at which point
// it prebuffers again. Bounded; Put drops the oldest frame when full.
type JitterBuffer struct {
	mu        sync.Mutex
	frames    [][]byte
	max       int
	prebuffer int
	buffering bool
	ready     chan struct{}
	closed    bool
}

// NewJitterBuffer creates a buffer holding at most max frames that
// releases frames once prebuffer of them have accumulated.
func NewJitterBuffer(max, prebuffer int) *JitterBuffer {
	if max <= 0 {
		max = 100
	}
	if prebuffer <= 0 || prebuffer > max {
		prebuffer = max / 10
		if prebuffer == 0 {
			prebuffer = 1
		}
	}
	return &JitterBuffer{
		max:       max,
		prebuffer: prebuffer,
		buffering: true,
		ready:     make(chan struct{}),
	}
}

// Put appends a frame. When full, the oldest frame is dropped so live
// audio never stalls the producer.
func (b *JitterBuffer) Put(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if len(b.frames) >= b.max {
		b.frames = b.frames[1:]
	}
	b.frames = append(b.frames, frame)
	if b.buffering && len(b.frames) >= b.prebuffer {
		b.buffering = false
		close(b.ready)
	}
}

// Get returns the next frame, blocking through the prebuffer phase.
func (b *JitterBuffer) Get(ctx context.Context) ([]byte, error) {
	for {
		b.mu.Lock()
		if b.closed && len(b.frames) == 0 {
			b.mu.Unlock()
			return nil, ErrBufferClosed
		}
		if !b.buffering && len(b.frames) > 0 {
			frame := b.frames[0]
			b.frames = b.frames[1:]
			if len(b.frames) == 0 && !b.closed {
				// Drained: prebuffer before releasing more.
				b.buffering = true
				b.ready = make(chan struct{})
			}
			b.mu.Unlock()
			return frame, nil
		}
		ready := b.ready
		b.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of buffered frames.
func (b *JitterBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Close releases blocked readers once remaining frames drain.
func (b *JitterBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.buffering {
		b.buffering = false
		close(b.ready)
	}
}
