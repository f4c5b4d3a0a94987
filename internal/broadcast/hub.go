package broadcast

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rip-run/rip/internal/kernel"
)

// EventChannelCapacity is the per-subscriber buffer size.
const EventChannelCapacity = 16384

// ErrLagged is returned by Subscriber.Recv instead of a frame when the
// subscriber fell behind far enough that frames were dropped rather than
// queued; the accompanying count is how many were lost. Callers should
// just call Recv again, skipping the dropped frames.
var ErrLagged = errors.New("broadcast: subscriber lagged, frames dropped")

// Hub fans a session's frames out to any number of subscribers via a
// buffered channel per subscriber: Publish always does a non-blocking send,
// so one slow subscriber never slows the producer or any other subscriber.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
	done bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]struct{})}
}

// Subscriber receives frames published after it subscribed. A lagging
// subscriber doesn't block the publisher; its next Recv instead reports how
// many frames were dropped via ErrLagged.
type Subscriber struct {
	hub    *Hub
	frames chan *kernel.Frame
	lag    atomic.Int64
}

// Subscribe registers a new subscriber that will see every frame published
// from this point on.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{hub: h, frames: make(chan *kernel.Frame, EventChannelCapacity)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		close(sub.frames)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe stops sub from receiving further frames and releases it.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
	}
}

// Publish fans frame out to every current subscriber without blocking. A
// subscriber whose buffer is full has the frame counted as lag instead of
// queued.
func (h *Hub) Publish(frame *kernel.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.frames <- frame:
		default:
			sub.lag.Add(1)
		}
	}
}

// Close stops the hub from accepting new subscribers and closes every
// current subscriber's channel, ending their Recv with io.EOF.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	h.done = true
	for sub := range h.subs {
		close(sub.frames)
		delete(h.subs, sub)
	}
}

// Recv returns the next frame, or (nil, n, ErrLagged) if n frames were
// dropped since the last call, or (nil, 0, io.EOF) once the hub has closed
// and no more frames remain, or ctx's error if ctx is done first.
func (s *Subscriber) Recv(ctx context.Context) (*kernel.Frame, int, error) {
	if lost := s.lag.Swap(0); lost > 0 {
		return nil, int(lost), ErrLagged
	}
	select {
	case frame, ok := <-s.frames:
		if !ok {
			return nil, 0, io.EOF
		}
		return frame, 0, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Close unsubscribes s from its hub.
func (s *Subscriber) Close() {
	s.hub.Unsubscribe(s)
}
