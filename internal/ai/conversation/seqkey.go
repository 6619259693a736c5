package conversation

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// seqKeyWidth keeps keys lexicographically ordered for any unix-millisecond timestamp up to year 33658.
const seqKeyWidth = 15

// SeqKeySource issues sequence keys derived from wall-clock milliseconds.
//
// Keys are strictly increasing within a process: when the clock has not advanced past the last
// issued key, the next key is last+1.
type SeqKeySource struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

func NewSeqKeySource(now func() time.Time) *SeqKeySource {
	if now == nil {
		now = time.Now
	}
	return &SeqKeySource{now: now}
}

// Next returns n consecutive keys. Paired writes take Next(2) and get k and k+1.
func (s *SeqKeySource) Next(n int) []string {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.now().UnixMilli()
	if base <= s.last {
		base = s.last + 1
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = FormatSeqKey(base + int64(i))
	}
	s.last = base + int64(n-1)
	return out
}

// Observe advances the source past an externally written key so later keys sort after it.
func (s *SeqKeySource) Observe(key string) {
	v, err := ParseSeqKey(key)
	if err != nil {
		return
	}
	s.mu.Lock()
	if v > s.last {
		s.last = v
	}
	s.mu.Unlock()
}

func FormatSeqKey(v int64) string {
	return fmt.Sprintf("%0*d", seqKeyWidth, v)
}

func ParseSeqKey(key string) (int64, error) {
	return strconv.ParseInt(key, 10, 64)
}
