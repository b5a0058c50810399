package binance

// sequencer tracks the update id chain of one symbol. Until a REST snapshot
// arrives events are held in pending.
type sequencer struct {
	synced  bool
	first   bool
	nonce   uint64
	pending []depthEvent
}

func (s *sequencer) buffer(ev depthEvent) {
	if len(s.pending) >= maxBuffered {
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, ev)
}

func (s *sequencer) unsync() {
	s.synced, s.first, s.nonce, s.pending = false, false, 0, nil
}

// accept applies the venue's continuity rules. stale means the event is
// already covered by the book.
func (s *sequencer) accept(ev depthEvent, futures bool) (stale, ok bool) {
	if futures {
		if ev.Final < s.nonce {
			return true, false
		}
		if s.first {
			return false, ev.First <= s.nonce && ev.Final >= s.nonce
		}
		return false, ev.PrevFinal != nil && *ev.PrevFinal == s.nonce
	}
	if ev.Final <= s.nonce {
		return true, false
	}
	if s.first {
		return false, ev.First <= s.nonce+1
	}
	return false, ev.First == s.nonce+1
}
