package perception

import (
	"sync"
	"time"
)

// Slot holds only the newest frame. Writers overwrite; readers never block
// on the producer for longer than a pointer swap.
type Slot struct {
	mu    sync.RWMutex
	frame Frame
	seq   uint64
	at    time.Time
}

var _ FrameSource = (*Slot)(nil)

// Store replaces the held frame.
func (s *Slot) Store(f Frame) {
	s.mu.Lock()
	s.frame = f
	s.seq++
	s.at = time.Now()
	s.mu.Unlock()
}

// LatestFrame returns the held frame, or nil if none was stored.
func (s *Slot) LatestFrame() Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame
}

// Seq returns how many frames have been stored.
func (s *Slot) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Age reports how long ago the held frame was stored. ok is false when empty.
func (s *Slot) Age() (age time.Duration, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.frame == nil {
		return 0, false
	}
	return time.Since(s.at), true
}
