package ratelimit

import "sync/atomic"

// sequence hands out a monotonically increasing counter so two admits
// landing in the same millisecond still get distinct sorted-set members.
type sequence struct{ n atomic.Int64 }

func (s *sequence) next() int64 { return s.n.Add(1) }

var seq sequence
