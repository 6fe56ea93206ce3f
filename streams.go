package http2

// Streams is a sorted-by-id slice of active Stream pointers, owned
// exclusively by a connection's receive-side dispatch goroutine (per the
// single-mutator discipline in the concurrency model). Streams are appended
// in increasing id order (new streams always have higher ids than any
// existing one, per RFC 7540 §5.1.1), so Search can binary-search and
// GetFirstOf can rely on ascending order.
type Streams []*Stream

// Search returns the stream with the given id, or nil if none is tracked.
func (s Streams) Search(id uint32) *Stream {
	lo, hi := 0, len(s)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case s[mid].ID() == id:
			return s[mid]
		case s[mid].ID() < id:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return nil
}

// GetFirstOf returns the first (lowest-id) stream whose origin frame type
// matches origin, or nil. Used to find the next request eligible for the
// request-timeout timer.
func (s Streams) GetFirstOf(origin FrameType) *Stream {
	for _, strm := range s {
		if strm.origType == origin {
			return strm
		}
	}
	return nil
}

// anyAwaitingContinuation returns the stream, if any, whose header block is
// still open (a HEADERS/PUSH_PROMISE arrived without END_HEADERS and no
// CONTINUATION has closed it yet). RFC 7540 §4.3/§6.10 allow at most one such
// stream per connection and forbid any frame but its CONTINUATION from being
// sent until it closes.
func (s Streams) anyAwaitingContinuation() *Stream {
	for _, strm := range s {
		if strm.AwaitingContinuation() {
			return strm
		}
	}
	return nil
}

// Del removes the stream with the given id, preserving order.
func (s *Streams) Del(id uint32) {
	strms := *s
	for i, strm := range strms {
		if strm.ID() == id {
			*s = append(strms[:i], strms[i+1:]...)
			return
		}
	}
}
