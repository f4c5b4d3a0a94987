// Package broadcast fans a session's frame stream out to many subscribers
// (SSE clients, attached TUIs) without letting a slow subscriber slow the
// producer, and keeps an in-memory ring buffer for anything that wants
// random access to recent history.
package broadcast

import (
	"container/list"

	"github.com/rip-run/rip/internal/kernel"
)

// FrameStore is a ring buffer of capacity maxFrames, tracking base_seq (the
// seq of the oldest retained frame) so callers can translate a seq into a
// position without scanning. Push evicts the oldest frame once at capacity
// and advances base_seq by one.
type FrameStore struct {
	baseSeq   uint64
	hasFrames bool
	maxFrames int
	frames    *list.List
	bySeq     map[uint64]*list.Element
}

// NewFrameStore builds a FrameStore holding at most maxFrames (clamped to
// at least 1).
func NewFrameStore(maxFrames int) *FrameStore {
	if maxFrames < 1 {
		maxFrames = 1
	}
	return &FrameStore{
		maxFrames: maxFrames,
		frames:    list.New(),
		bySeq:     make(map[uint64]*list.Element),
	}
}

func (s *FrameStore) Len() int { return s.frames.Len() }

func (s *FrameStore) IsEmpty() bool { return s.frames.Len() == 0 }

func (s *FrameStore) FirstSeq() (uint64, bool) {
	if s.frames.Len() == 0 {
		return 0, false
	}
	return s.frames.Front().Value.(*kernel.Frame).Seq, true
}

func (s *FrameStore) LastSeq() (uint64, bool) {
	if s.frames.Len() == 0 {
		return 0, false
	}
	return s.frames.Back().Value.(*kernel.Frame).Seq, true
}

// Push appends frame, evicting the oldest retained frame (and advancing
// base_seq) once at capacity.
func (s *FrameStore) Push(frame *kernel.Frame) {
	if !s.hasFrames {
		s.baseSeq = frame.Seq
		s.hasFrames = true
	}
	if s.frames.Len() >= s.maxFrames {
		oldest := s.frames.Front()
		s.frames.Remove(oldest)
		delete(s.bySeq, oldest.Value.(*kernel.Frame).Seq)
		s.baseSeq++
	}
	elem := s.frames.PushBack(frame)
	s.bySeq[frame.Seq] = elem
}

// GetBySeq returns the frame with the given seq, if still retained.
func (s *FrameStore) GetBySeq(seq uint64) (*kernel.Frame, bool) {
	elem, ok := s.bySeq[seq]
	if !ok {
		return nil, false
	}
	return elem.Value.(*kernel.Frame), true
}

// IndexOfSeq returns seq's position from the front, if still retained.
func (s *FrameStore) IndexOfSeq(seq uint64) (int, bool) {
	if s.frames.Len() == 0 || seq < s.baseSeq {
		return 0, false
	}
	idx := int(seq - s.baseSeq)
	if idx >= s.frames.Len() {
		return 0, false
	}
	return idx, true
}

// All returns every retained frame, oldest first.
func (s *FrameStore) All() []*kernel.Frame {
	out := make([]*kernel.Frame, 0, s.frames.Len())
	for e := s.frames.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*kernel.Frame))
	}
	return out
}
