package sequence

import (
	"math"
	"sync"
)

// Sequence hands out frame sequence numbers in 1..MaxUint16-1, wrapping
// around. The zero value is ready to use.
type Sequence struct {
	sequence uint16
	mutex    sync.Mutex
}

func (s *Sequence) Next() uint16 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.sequence >= math.MaxUint16-1 {
		s.sequence = 0
	}
	s.sequence++
	return s.sequence
}
