package orderbook

import (
	"fmt"
	"math"
)

// PlainSide holds (price, size) levels, one per price.
type PlainSide struct {
	ladder[Level]
}

func NewPlainSide(side Side, depth int, deltas ...Delta) *PlainSide {
	s := &PlainSide{ladder: newLadder[Level](side, depth)}
	for _, d := range deltas {
		s.Apply(d)
	}
	return s
}

// Apply sets the size at d.Price, inserting the level if needed. A zero size
// removes the level; removing an absent price is a no-op.
func (s *PlainSide) Apply(d Delta) {
	key := SignedKey(s.side, d.Price)
	i := s.search(key)
	if d.Size != 0 {
		if s.keys[i] == key {
			s.levels[i].Size = d.Size
			return
		}
		s.insertAt(i, key, Level{Price: d.Price, Size: d.Size})
		return
	}
	if s.keys[i] == key {
		s.removeAt(i)
	}
}

func (s *PlainSide) Store(price, size float64) { s.Apply(Delta{Price: price, Size: size}) }

// Levels returns a copy of the live levels best-first.
func (s *PlainSide) Levels() []Level { return s.head(0) }

func (s *PlainSide) Deltas(limit int) []Delta {
	levels := s.head(limit)
	out := make([]Delta, len(levels))
	for i, l := range levels {
		out[i] = Delta{Price: l.Price, Size: l.Size}
	}
	return out
}

// CountedSide holds (price, size, count) levels. A level survives only while
// both size and count are nonzero.
type CountedSide struct {
	ladder[CountedLevel]
}

func NewCountedSide(side Side, depth int, deltas ...Delta) *CountedSide {
	s := &CountedSide{ladder: newLadder[CountedLevel](side, depth)}
	for _, d := range deltas {
		s.Apply(d)
	}
	return s
}

func (s *CountedSide) Apply(d Delta) {
	key := SignedKey(s.side, d.Price)
	i := s.search(key)
	if d.Size != 0 && d.Count != 0 {
		if s.keys[i] == key {
			lvl := &s.levels[i]
			lvl.Size = d.Size
			lvl.Count = d.Count
			return
		}
		s.insertAt(i, key, CountedLevel{Price: d.Price, Size: d.Size, Count: d.Count})
		return
	}
	if s.keys[i] == key {
		s.removeAt(i)
	}
}

// Store panics: a counted level cannot be written without its order count.
func (s *CountedSide) Store(price, size float64) {
	panic(fmt.Errorf("%w: counted side needs a count, use StoreCounted", ErrStoreUnsupported))
}

func (s *CountedSide) StoreCounted(price, size float64, count uint64) {
	s.Apply(Delta{Price: price, Size: size, Count: count})
}

func (s *CountedSide) Levels() []CountedLevel { return s.head(0) }

func (s *CountedSide) Deltas(limit int) []Delta {
	levels := s.head(limit)
	out := make([]Delta, len(levels))
	for i, l := range levels {
		out[i] = Delta{Price: l.Price, Size: l.Size, Count: l.Count}
	}
	return out
}

// IndexedSide holds one level per resting order. Several orders may share a
// price; within a price they are kept in ascending id order. prices maps each
// live id to its signed key.
//
// Locating an existing order bisects to its price and then scans forward
// over the orders resting at that price, so updates cost O(log n + k) with k
// the number of orders sharing the price.
type IndexedSide struct {
	ladder[OrderLevel]
	prices map[OrderID]float64
}

func NewIndexedSide(side Side, depth int, deltas ...Delta) *IndexedSide {
	s := &IndexedSide{
		ladder: newLadder[OrderLevel](side, depth),
		prices: make(map[OrderID]float64),
	}
	for _, d := range deltas {
		s.Apply(d)
	}
	return s
}

// Apply inserts, moves, resizes or removes the order d.ID. When d.Price is
// zero the order's current price is used; a new order without a price is
// ignored, as is the removal of an unknown id.
func (s *IndexedSide) Apply(d Delta) {
	old, known := s.prices[d.ID]
	if d.Size == 0 {
		if known {
			if i, ok := s.locate(old, d.ID); ok {
				s.removeAt(i)
			}
			delete(s.prices, d.ID)
		}
		return
	}
	var key float64
	switch {
	case d.Price != 0:
		key = SignedKey(s.side, d.Price)
	case known:
		key = old
	default:
		return
	}
	price := math.Abs(key)
	if known {
		i, ok := s.locate(old, d.ID)
		if ok && key == old {
			s.levels[i].Size = d.Size
			s.levels[i].Price = price
			return
		}
		if ok {
			s.removeAt(i)
		}
	}
	j := s.search(key)
	for j < s.length && s.keys[j] == key && s.levels[j].ID.Less(d.ID) {
		j++
	}
	s.insertAt(j, key, OrderLevel{Price: price, Size: d.Size, ID: d.ID})
	s.prices[d.ID] = key
}

func (s *IndexedSide) locate(key float64, id OrderID) (int, bool) {
	for i := s.search(key); i < s.length && s.keys[i] == key; i++ {
		if s.levels[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

// Store panics: an indexed level cannot be written without its order id.
func (s *IndexedSide) Store(price, size float64) {
	panic(fmt.Errorf("%w: indexed side needs an order id, use StoreOrder", ErrStoreUnsupported))
}

func (s *IndexedSide) StoreOrder(price, size float64, id OrderID) {
	s.Apply(Delta{Price: price, Size: size, ID: id})
}

// PriceOf reports the current price of a live order.
func (s *IndexedSide) PriceOf(id OrderID) (float64, bool) {
	key, ok := s.prices[id]
	if !ok {
		return 0, false
	}
	return math.Abs(key), true
}

func (s *IndexedSide) Limit() {
	if s.length <= s.depth {
		return
	}
	for i := s.depth; i < s.length; i++ {
		delete(s.prices, s.levels[i].ID)
	}
	s.truncate(s.depth)
}

func (s *IndexedSide) reset() {
	s.truncate(0)
	clear(s.prices)
}

func (s *IndexedSide) Levels() []OrderLevel { return s.head(0) }

func (s *IndexedSide) Deltas(limit int) []Delta {
	levels := s.head(limit)
	out := make([]Delta, len(levels))
	for i, l := range levels {
		out[i] = Delta{Price: l.Price, Size: l.Size, ID: l.ID}
	}
	return out
}
