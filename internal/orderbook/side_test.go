package orderbook

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"sort"
	"testing"
)

func TestBisectLeft(t *testing.T) {
	keys := []float64{1, 2, 2, 4, sentinel, sentinel}
	cases := []struct {
		x    float64
		want int
	}{
		{0, 0}, {1, 0}, {2, 1}, {3, 3}, {4, 3}, {5, 4}, {1e300, 4},
	}
	for _, c := range cases {
		if got := bisectLeft(keys, c.x); got != c.want {
			t.Fatalf("bisectLeft(%v) = %d, want %d", c.x, got, c.want)
		}
	}
}

func TestSignedKey(t *testing.T) {
	if SignedKey(Bid, 100) != -100 {
		t.Fatalf("bid key should be negated")
	}
	if SignedKey(Ask, 100) != 100 {
		t.Fatalf("ask key should be the price")
	}
}

func TestPlainSideInsertBetween(t *testing.T) {
	bids := NewPlainSide(Bid, 0, Delta{Price: 100, Size: 1}, Delta{Price: 101, Size: 2})
	bids.Apply(Delta{Price: 100.5, Size: 5})
	want := []Level{{101, 2}, {100.5, 5}, {100, 1}}
	if got := bids.Levels(); !reflect.DeepEqual(got, want) {
		t.Fatalf("bids = %v, want %v", got, want)
	}
}

func TestPlainSideRemoveLast(t *testing.T) {
	asks := NewPlainSide(Ask, 0, Delta{Price: 100, Size: 1})
	asks.Apply(Delta{Price: 100, Size: 0})
	if asks.Len() != 0 || len(asks.Levels()) != 0 {
		t.Fatalf("expected empty asks, got len=%d levels=%v", asks.Len(), asks.Levels())
	}
	if asks.keys[0] != sentinel {
		t.Fatalf("vacated slot should hold the sentinel, got %v", asks.keys[0])
	}
}

func TestPlainSideUpdateInPlace(t *testing.T) {
	asks := NewPlainSide(Ask, 0, Delta{Price: 10, Size: 1}, Delta{Price: 11, Size: 1})
	asks.Store(10, 7)
	want := []Level{{10, 7}, {11, 1}}
	if got := asks.Levels(); !reflect.DeepEqual(got, want) {
		t.Fatalf("asks = %v, want %v", got, want)
	}
}

func TestPlainSideRemoveAbsentIsNoop(t *testing.T) {
	asks := NewPlainSide(Ask, 0, Delta{Price: 10, Size: 1}, Delta{Price: 12, Size: 3})
	before := asks.Levels()
	asks.Apply(Delta{Price: 11, Size: 0})
	asks.Apply(Delta{Price: 9, Size: 0})
	asks.Apply(Delta{Price: 13, Size: 0})
	if got := asks.Levels(); !reflect.DeepEqual(got, before) {
		t.Fatalf("no-op removal changed side: %v -> %v", before, got)
	}
	if asks.Len() != 2 {
		t.Fatalf("len = %d, want 2", asks.Len())
	}
}

func TestPlainSideGrowsPastInitialCapacity(t *testing.T) {
	asks := NewPlainSide(Ask, 0)
	n := initialCapacity*4 + 3
	for i := n; i > 0; i-- {
		asks.Store(float64(i), 1)
	}
	if asks.Len() != n {
		t.Fatalf("len = %d, want %d", asks.Len(), n)
	}
	if !sort.Float64sAreSorted(asks.Keys()) {
		t.Fatalf("keys not sorted after growth")
	}
	for i := asks.Len(); i < len(asks.keys); i++ {
		if asks.keys[i] != sentinel {
			t.Fatalf("slot %d = %v, want sentinel", i, asks.keys[i])
		}
	}
	if lv := asks.Levels(); lv[0].Price != 1 || lv[n-1].Price != float64(n) {
		t.Fatalf("unexpected ends %v .. %v", lv[0], lv[n-1])
	}
}

func TestPlainSideLimit(t *testing.T) {
	bids := NewPlainSide(Bid, 2)
	for _, p := range []float64{3, 5, 1, 4, 2} {
		bids.Store(p, p)
	}
	if bids.Len() != 5 {
		t.Fatalf("depth must not be enforced before Limit, len = %d", bids.Len())
	}
	bids.Limit()
	want := []Level{{5, 5}, {4, 4}}
	if got := bids.Levels(); !reflect.DeepEqual(got, want) {
		t.Fatalf("bids after limit = %v, want %v", got, want)
	}
	if bids.keys[2] != sentinel || bids.keys[4] != sentinel {
		t.Fatalf("truncated slots should hold the sentinel: %v", bids.keys[:6])
	}
}

// TestPlainSideMatchesModel replays random deltas against a map and checks
// ordering, uniqueness and length after every step.
func TestPlainSideMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, side := range []Side{Bid, Ask} {
		s := NewPlainSide(side, 0)
		model := map[float64]float64{}
		for step := 0; step < 5000; step++ {
			price := float64(rng.Intn(200)+1) / 4
			size := 0.0
			if rng.Intn(3) > 0 {
				size = float64(rng.Intn(9) + 1)
			}
			s.Apply(Delta{Price: price, Size: size})
			if size == 0 {
				delete(model, price)
			} else {
				model[price] = size
			}
			checkStrictlyAscending(t, s.Keys())
			if s.Len() != len(model) {
				t.Fatalf("%s step %d: len = %d, model = %d", side, step, s.Len(), len(model))
			}
		}
		prices := make([]float64, 0, len(model))
		for p := range model {
			prices = append(prices, p)
		}
		sort.Float64s(prices)
		if side == Bid {
			sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
		}
		for i, lvl := range s.Levels() {
			if lvl.Price != prices[i] || lvl.Size != model[prices[i]] {
				t.Fatalf("%s level %d = %v, want (%v, %v)", side, i, lvl, prices[i], model[prices[i]])
			}
			if lvl.Size <= 0 {
				t.Fatalf("%s level %d has non-positive size", side, i)
			}
		}
	}
}

func checkStrictlyAscending(t *testing.T, keys []float64) {
	t.Helper()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("keys not strictly ascending at %d: %v >= %v", i, keys[i-1], keys[i])
		}
	}
}

func TestCountedSideRemovesOnZeroCount(t *testing.T) {
	s := NewCountedSide(Ask, 0)
	s.Apply(Delta{Price: 100, Size: 5, Count: 3})
	s.Apply(Delta{Price: 100, Size: 5, Count: 0})
	if s.Len() != 0 {
		t.Fatalf("level with zero count should be removed, got %v", s.Levels())
	}
}

func TestCountedSideKeepRules(t *testing.T) {
	cases := []struct {
		name string
		in   []Delta
		want []CountedLevel
	}{
		{
			name: "size and count kept",
			in:   []Delta{{Price: 10, Size: 2, Count: 1}},
			want: []CountedLevel{{10, 2, 1}},
		},
		{
			name: "zero size never inserted",
			in:   []Delta{{Price: 10, Size: 0, Count: 4}},
			want: []CountedLevel{},
		},
		{
			name: "zero count never inserted",
			in:   []Delta{{Price: 10, Size: 3}},
			want: []CountedLevel{},
		},
		{
			name: "update size and count in place",
			in:   []Delta{{Price: 10, Size: 2, Count: 1}, {Price: 11, Size: 1, Count: 1}, {Price: 10, Size: 9, Count: 4}},
			want: []CountedLevel{{10, 9, 4}, {11, 1, 1}},
		},
		{
			name: "zero size removes",
			in:   []Delta{{Price: 10, Size: 2, Count: 1}, {Price: 10, Size: 0, Count: 1}},
			want: []CountedLevel{},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := NewCountedSide(Ask, 0, c.in...)
			if got := s.Levels(); !reflect.DeepEqual(got, c.want) {
				t.Fatalf("levels = %v, want %v", got, c.want)
			}
		})
	}
}

func TestStoreUnsupportedPanics(t *testing.T) {
	sides := map[string]interface{ Store(float64, float64) }{
		"counted": NewCountedSide(Bid, 0),
		"indexed": NewIndexedSide(Bid, 0),
	}
	for name, s := range sides {
		t.Run(name, func(t *testing.T) {
			defer func() {
				r := recover()
				err, ok := r.(error)
				if !ok || !errors.Is(err, ErrStoreUnsupported) {
					t.Fatalf("expected ErrStoreUnsupported panic, got %v", r)
				}
			}()
			s.Store(1, 1)
		})
	}
}

func TestIndexedSideMoveOrder(t *testing.T) {
	asks := NewIndexedSide(Ask, 0)
	asks.Apply(Delta{Price: 100, Size: 5, ID: "A"})
	asks.Apply(Delta{Price: 101, Size: 5, ID: "A"})
	want := []OrderLevel{{101, 5, "A"}}
	if got := asks.Levels(); !reflect.DeepEqual(got, want) {
		t.Fatalf("levels = %v, want %v", got, want)
	}
	if p, ok := asks.PriceOf("A"); !ok || p != 101 {
		t.Fatalf("PriceOf(A) = %v, %v; want 101", p, ok)
	}
}

func TestIndexedSideOrdersWithinPrice(t *testing.T) {
	bids := NewIndexedSide(Bid, 0)
	bids.StoreOrder(10, 1, "30")
	bids.StoreOrder(10, 1, "4")
	bids.StoreOrder(11, 1, "7")
	bids.StoreOrder(10, 1, "12")
	bids.StoreOrder(9, 1, "1")
	var ids []OrderID
	for _, l := range bids.Levels() {
		ids = append(ids, l.ID)
	}
	want := []OrderID{"7", "4", "12", "30", "1"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	keys := bids.Keys()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Fatalf("keys not ascending: %v", keys)
		}
	}
}

func TestIndexedSideUpdateAndRemove(t *testing.T) {
	s := NewIndexedSide(Ask, 0,
		Delta{Price: 10, Size: 1, ID: "a"},
		Delta{Price: 10, Size: 2, ID: "b"},
		Delta{Price: 10, Size: 3, ID: "c"},
	)

	s.Apply(Delta{Price: 10, Size: 9, ID: "b"})
	if got := s.Levels()[1]; got != (OrderLevel{10, 9, "b"}) {
		t.Fatalf("same-price update = %v", got)
	}

	// size update with the price omitted keeps the order where it is
	s.Apply(Delta{Size: 4, ID: "c"})
	if got := s.Levels()[2]; got != (OrderLevel{10, 4, "c"}) {
		t.Fatalf("price-less update = %v", got)
	}

	// removal with the price omitted resolves it from the id map
	s.Apply(Delta{Size: 0, ID: "a"})
	if _, ok := s.PriceOf("a"); ok {
		t.Fatalf("removed id still mapped")
	}
	want := []OrderLevel{{10, 9, "b"}, {10, 4, "c"}}
	if got := s.Levels(); !reflect.DeepEqual(got, want) {
		t.Fatalf("levels = %v, want %v", got, want)
	}

	// unknown ids are ignored, with or without a price
	s.Apply(Delta{Price: 10, Size: 0, ID: "zz"})
	s.Apply(Delta{Size: 5, ID: "zz"})
	if s.Len() != 2 || len(s.prices) != 2 {
		t.Fatalf("unknown id changed side: len=%d map=%d", s.Len(), len(s.prices))
	}
}

func TestIndexedSideLimitDropsLookup(t *testing.T) {
	s := NewIndexedSide(Bid, 2)
	for i, p := range []float64{1, 5, 3, 4} {
		s.StoreOrder(p, 1, OrderID(rune('a'+i)))
	}
	s.Limit()
	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}
	if len(s.prices) != 2 {
		t.Fatalf("lookup has %d entries, want 2", len(s.prices))
	}
	if _, ok := s.PriceOf("a"); ok {
		t.Fatalf("truncated order a still mapped")
	}
	if p, _ := s.PriceOf("b"); p != 5 {
		t.Fatalf("best order should survive, PriceOf(b) = %v", p)
	}
}

func TestIndexedSideMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	s := NewIndexedSide(Ask, 0)
	model := map[OrderID]OrderLevel{}
	for step := 0; step < 4000; step++ {
		id := OrderID(rune('A' + rng.Intn(40)))
		d := Delta{ID: id, Price: float64(rng.Intn(15) + 1)}
		if rng.Intn(4) == 0 {
			d.Size = 0
		} else {
			d.Size = float64(rng.Intn(5) + 1)
		}
		if rng.Intn(5) == 0 {
			d.Price = 0
		}
		s.Apply(d)

		switch cur, ok := model[id]; {
		case d.Size == 0:
			delete(model, id)
		case d.Price == 0 && ok:
			model[id] = OrderLevel{cur.Price, d.Size, id}
		case d.Price != 0:
			model[id] = OrderLevel{d.Price, d.Size, id}
		}

		if s.Len() != len(model) || len(s.prices) != len(model) {
			t.Fatalf("step %d: len=%d map=%d model=%d", step, s.Len(), len(s.prices), len(model))
		}
	}
	want := make([]OrderLevel, 0, len(model))
	for _, l := range model {
		want = append(want, l)
	}
	sort.Slice(want, func(i, j int) bool {
		if want[i].Price != want[j].Price {
			return want[i].Price < want[j].Price
		}
		return want[i].ID.Less(want[j].ID)
	})
	if got := s.Levels(); !reflect.DeepEqual(got, want) {
		t.Fatalf("levels = %v\nwant %v", got, want)
	}
}

func TestOrderIDLess(t *testing.T) {
	cases := []struct {
		a, b OrderID
		want bool
	}{
		{"9", "10", true},
		{"10", "9", false},
		{"abc", "abd", true},
		{"7", "7", false},
		{"x1", "10", false},
		{"10", "x1", true},
		{"18446744073709551616", "18446744073709551617", true},
		{"007", "10", true},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.want {
			t.Fatalf("%q < %q = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestOrderIDLessIsTransitiveAcrossFormats(t *testing.T) {
	ids := []OrderID{"2", "10", "1a", "b", "01", "1", "", "99999999999999999999"}
	for _, a := range ids {
		if a.Less(a) {
			t.Fatalf("%q < %q", a, a)
		}
		for _, b := range ids {
			if a != b && a.Less(b) == b.Less(a) {
				t.Fatalf("%q and %q are not strictly ordered", a, b)
			}
			for _, c := range ids {
				if a.Less(b) && b.Less(c) && !a.Less(c) {
					t.Fatalf("%q < %q < %q but not %q < %q", a, b, c, a, c)
				}
			}
		}
	}
}

func TestIndexedSideMixedIDFormatsAtOnePrice(t *testing.T) {
	s := NewIndexedSide(Ask, 0,
		Delta{Price: 5, Size: 1, ID: "1a"},
		Delta{Price: 5, Size: 1, ID: "10"},
		Delta{Price: 5, Size: 1, ID: "2"},
	)
	var got []OrderID
	for _, l := range s.Levels() {
		got = append(got, l.ID)
	}
	want := []OrderID{"2", "10", "1a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order at one price = %v, want %v", got, want)
		}
	}
	s.Apply(Delta{Size: 0, ID: "10"})
	if s.Len() != 2 || s.Levels()[1].ID != "1a" {
		t.Fatalf("levels after removal = %v", s.Levels())
	}
}

func TestDeltaValidate(t *testing.T) {
	good := []Delta{{Price: 1, Size: 0}, {Price: 0, Size: 0, ID: "x"}, {Price: 3, Size: 2, Count: 1}}
	for _, d := range good {
		if err := d.Validate(); err != nil {
			t.Fatalf("Validate(%v) = %v", d, err)
		}
	}
	bad := []Delta{{Price: math.NaN(), Size: 1}, {Price: 1, Size: math.Inf(1)}, {Price: -1, Size: 1}, {Price: 1, Size: -2}}
	for _, d := range bad {
		if err := d.Validate(); !errors.Is(err, ErrInvalidDelta) {
			t.Fatalf("Validate(%v) = %v, want ErrInvalidDelta", d, err)
		}
	}
}
