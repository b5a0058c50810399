package orderbook

import "math"

const initialCapacity = 32

var sentinel = math.Inf(1)

// bisectLeft returns the first i with keys[i] >= x.
func bisectLeft(keys []float64, x float64) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if keys[mid] < x {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// ladder is the storage shared by all side variants: signed keys and levels
// in parallel arrays. Slots at and after length hold the sentinel key, and at
// least one such slot always exists, so keys[i] is addressable for any i
// returned by search.
type ladder[L any] struct {
	side   Side
	depth  int
	length int
	keys   []float64
	levels []L
}

func newLadder[L any](side Side, depth int) ladder[L] {
	if depth <= 0 {
		depth = math.MaxInt
	}
	l := ladder[L]{
		side:   side,
		depth:  depth,
		keys:   make([]float64, initialCapacity),
		levels: make([]L, initialCapacity),
	}
	fillSentinel(l.keys)
	return l
}

func fillSentinel(keys []float64) {
	for i := range keys {
		keys[i] = sentinel
	}
}

func (l *ladder[L]) Side() Side { return l.side }

func (l *ladder[L]) Len() int { return l.length }

func (l *ladder[L]) Depth() int { return l.depth }

// Keys returns the live signed keys. The slice aliases internal storage and
// must not be modified.
func (l *ladder[L]) Keys() []float64 { return l.keys[:l.length] }

func (l *ladder[L]) search(key float64) int { return bisectLeft(l.keys, key) }

func (l *ladder[L]) insertAt(i int, key float64, lvl L) {
	if l.length+1 >= len(l.keys) {
		l.grow()
	}
	copy(l.keys[i+1:l.length+1], l.keys[i:l.length])
	copy(l.levels[i+1:l.length+1], l.levels[i:l.length])
	l.keys[i] = key
	l.levels[i] = lvl
	l.length++
}

func (l *ladder[L]) removeAt(i int) {
	copy(l.keys[i:l.length-1], l.keys[i+1:l.length])
	copy(l.levels[i:l.length-1], l.levels[i+1:l.length])
	l.length--
	var zero L
	l.keys[l.length] = sentinel
	l.levels[l.length] = zero
}

func (l *ladder[L]) grow() {
	keys := make([]float64, len(l.keys)*2)
	copy(keys, l.keys)
	fillSentinel(keys[len(l.keys):])
	levels := make([]L, len(keys))
	copy(levels, l.levels)
	l.keys, l.levels = keys, levels
}

func (l *ladder[L]) truncate(n int) {
	var zero L
	for i := n; i < l.length; i++ {
		l.keys[i] = sentinel
		l.levels[i] = zero
	}
	l.length = n
}

// Limit drops everything beyond the configured depth. The ladder is sorted,
// so the retained prefix is the best depth levels.
func (l *ladder[L]) Limit() {
	if l.length > l.depth {
		l.truncate(l.depth)
	}
}

func (l *ladder[L]) reset() { l.truncate(0) }

// head returns at most n live levels best-first; n <= 0 means all.
func (l *ladder[L]) head(n int) []L {
	if n <= 0 || n > l.length {
		n = l.length
	}
	out := make([]L, n)
	copy(out, l.levels[:n])
	return out
}
