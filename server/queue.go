package server

import (
	"context"
	"io"
	"sync"

	"krypt.co/piperpc/common/transport"
)

//	messageQueue hands stream messages from the read loop to the handler.
//	push never blocks, so the read loop keeps seeing Cancel and EOF while
//	the handler is not receiving.
type messageQueue struct {
	mu     sync.Mutex
	frames []*transport.Frame
	ended  bool
	ready  chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{ready: make(chan struct{}, 1)}
}

func (q *messageQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

//	push queues frame, or releases it if the queue has ended.
func (q *messageQueue) push(frame *transport.Frame) {
	q.mu.Lock()
	if q.ended {
		q.mu.Unlock()
		frame.Release()
		return
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()
	q.signal()
}

//	end marks the end of the stream. Queued frames stay receivable.
func (q *messageQueue) end() {
	q.mu.Lock()
	q.ended = true
	q.mu.Unlock()
	q.signal()
}

//	pop waits for the next frame. It returns io.EOF once the stream ended
//	and nothing is left, and ctx's error once ctx is done.
func (q *messageQueue) pop(ctx context.Context) (*transport.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return frame, nil
		}
		ended := q.ended
		q.mu.Unlock()
		if ended {
			//	wake any other waiter
			q.signal()
			return nil, io.EOF
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

//	drain ends the queue and releases every frame nobody received.
func (q *messageQueue) drain() {
	q.mu.Lock()
	frames := q.frames
	q.frames = nil
	q.ended = true
	q.mu.Unlock()
	for _, frame := range frames {
		frame.Release()
	}
	q.signal()
}
