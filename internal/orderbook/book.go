package orderbook

import "time"

// Datetime layout matching the millisecond ISO-8601 strings exchanges emit.
const DatetimeLayout = "2006-01-02T15:04:05.000Z"

func ISO8601(ms int64) string { return time.UnixMilli(ms).UTC().Format(DatetimeLayout) }

type bookSide interface {
	Apply(Delta)
	Limit()
	Len() int
	Depth() int
	Deltas(limit int) []Delta
	reset()
}

// Book pairs a bid and an ask side of the same variant with feed metadata.
//
// Live feeds mutate Bids and Asks directly, one delta at a time. Update and
// Reset replace the whole state from a snapshot.
type Book[S bookSide] struct {
	Bids S
	Asks S

	kind      Kind
	nonce     *uint64
	timestamp *int64
	datetime  string
	symbol    string
}

type (
	OrderBook        = Book[*PlainSide]
	CountedOrderBook = Book[*CountedSide]
	IndexedOrderBook = Book[*IndexedSide]
)

// NewOrderBook builds a plain book from snapshot. depth <= 0 leaves the
// sides unbounded.
func NewOrderBook(snapshot Snapshot, depth int) *OrderBook {
	return newBook(Plain, snapshot, NewPlainSide(Bid, depth), NewPlainSide(Ask, depth))
}

func NewCountedOrderBook(snapshot Snapshot, depth int) *CountedOrderBook {
	return newBook(Counted, snapshot, NewCountedSide(Bid, depth), NewCountedSide(Ask, depth))
}

func NewIndexedOrderBook(snapshot Snapshot, depth int) *IndexedOrderBook {
	return newBook(Indexed, snapshot, NewIndexedSide(Bid, depth), NewIndexedSide(Ask, depth))
}

func newBook[S bookSide](kind Kind, snapshot Snapshot, bids, asks S) *Book[S] {
	b := &Book[S]{Bids: bids, Asks: asks, kind: kind}
	b.Reset(snapshot)
	return b
}

// Update replaces the book with snapshot unless the snapshot carries a nonce
// that is not newer than the current one. It reports whether it applied.
func (b *Book[S]) Update(snapshot Snapshot) bool {
	if snapshot.Nonce != nil && b.nonce != nil && *snapshot.Nonce <= *b.nonce {
		return false
	}
	b.Reset(snapshot)
	return true
}

// Reset clears both sides, replays the snapshot rows and overwrites all
// metadata, without any staleness check.
func (b *Book[S]) Reset(snapshot Snapshot) {
	b.Bids.reset()
	b.Asks.reset()
	for _, d := range snapshot.Bids {
		b.Bids.Apply(d)
	}
	for _, d := range snapshot.Asks {
		b.Asks.Apply(d)
	}
	b.nonce = nil
	if snapshot.Nonce != nil {
		b.SetNonce(*snapshot.Nonce)
	}
	b.timestamp, b.datetime = nil, ""
	if snapshot.Timestamp != nil {
		b.SetTimestamp(*snapshot.Timestamp)
	}
	b.symbol = snapshot.Symbol
}

func (b *Book[S]) Limit() {
	b.Bids.Limit()
	b.Asks.Limit()
}

// Apply routes one incremental delta to a side.
func (b *Book[S]) Apply(side Side, d Delta) {
	if side == Bid {
		b.Bids.Apply(d)
		return
	}
	b.Asks.Apply(d)
}

// Snapshot reads the book out best-first, at most limit rows per side
// (limit <= 0 means all). Resetting a book from the result reproduces it.
func (b *Book[S]) Snapshot(limit int) Snapshot {
	snap := Snapshot{
		Bids:     b.Bids.Deltas(limit),
		Asks:     b.Asks.Deltas(limit),
		Datetime: b.datetime,
		Symbol:   b.symbol,
	}
	if b.nonce != nil {
		snap.Nonce = Ptr(*b.nonce)
	}
	if b.timestamp != nil {
		snap.Timestamp = Ptr(*b.timestamp)
	}
	return snap
}

func (b *Book[S]) Kind() Kind { return b.kind }

func (b *Book[S]) Depth() int { return b.Bids.Depth() }

func (b *Book[S]) Len(side Side) int {
	if side == Bid {
		return b.Bids.Len()
	}
	return b.Asks.Len()
}

func (b *Book[S]) Nonce() (uint64, bool) {
	if b.nonce == nil {
		return 0, false
	}
	return *b.nonce, true
}

func (b *Book[S]) SetNonce(n uint64) { b.nonce = &n }

func (b *Book[S]) Timestamp() (int64, bool) {
	if b.timestamp == nil {
		return 0, false
	}
	return *b.timestamp, true
}

// SetTimestamp records the exchange time of the last change and keeps the
// datetime rendering in step.
func (b *Book[S]) SetTimestamp(ms int64) {
	b.timestamp = &ms
	b.datetime = ISO8601(ms)
}

func (b *Book[S]) Datetime() string { return b.datetime }

func (b *Book[S]) Symbol() string { return b.symbol }

// Interface is satisfied by every book variant, for callers that manage
// books of mixed kinds.
type Interface interface {
	Kind() Kind
	Depth() int
	Len(side Side) int
	Apply(side Side, d Delta)
	Update(snapshot Snapshot) bool
	Reset(snapshot Snapshot)
	Limit()
	Snapshot(limit int) Snapshot
	Nonce() (uint64, bool)
	SetNonce(n uint64)
	Timestamp() (int64, bool)
	SetTimestamp(ms int64)
	Datetime() string
	Symbol() string
}

var (
	_ Interface = (*OrderBook)(nil)
	_ Interface = (*CountedOrderBook)(nil)
	_ Interface = (*IndexedOrderBook)(nil)
)

// New builds an empty-or-seeded book of the given kind.
func New(kind Kind, snapshot Snapshot, depth int) Interface {
	switch kind {
	case Counted:
		return NewCountedOrderBook(snapshot, depth)
	case Indexed:
		return NewIndexedOrderBook(snapshot, depth)
	default:
		return NewOrderBook(snapshot, depth)
	}
}
