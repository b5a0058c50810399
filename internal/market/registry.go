package market

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"depthbook/internal/exchange/common"
	"depthbook/internal/infra/metrics"
	"depthbook/internal/orderbook"

	"github.com/rs/zerolog"
)

var ErrUnknownBook = errors.New("unknown book")

type key struct{ exchange, symbol string }

type entry struct {
	mu      sync.Mutex
	book    orderbook.Interface
	updated time.Time
}

// Record is a point-in-time copy of one book, as persisted by checkpoints
// and the cache.
type Record struct {
	Exchange string             `json:"exchange"`
	Kind     orderbook.Kind     `json:"kind"`
	Depth    int                `json:"depth"`
	Updated  time.Time          `json:"updated"`
	Snapshot orderbook.Snapshot `json:"snapshot"`
}

// Info summarises a book for listings.
type Info struct {
	Exchange string         `json:"exchange"`
	Symbol   string         `json:"symbol"`
	Kind     orderbook.Kind `json:"kind"`
	Depth    int            `json:"depth"`
	Bids     int            `json:"bids"`
	Asks     int            `json:"asks"`
	Nonce    *uint64        `json:"nonce,omitempty"`
	Datetime string         `json:"datetime,omitempty"`
	Updated  time.Time      `json:"updated"`
}

// Registry owns every live book. Each book is guarded by its own mutex so
// feeds for different symbols never contend.
type Registry struct {
	mu    sync.RWMutex
	books map[key]*entry
	depth int
	log   zerolog.Logger
	now   func() time.Time
}

// NewRegistry creates an empty registry. defaultDepth applies to books whose
// messages carry no depth of their own.
func NewRegistry(defaultDepth int, logger zerolog.Logger) *Registry {
	return &Registry{books: map[key]*entry{}, depth: defaultDepth, log: logger, now: time.Now}
}

func (r *Registry) lookup(k key) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.books[k]
}

// ensure returns the entry for k, creating or recreating the book when the
// kind or depth changed.
func (r *Registry) ensure(k key, kind orderbook.Kind, depth int) *entry {
	if depth <= 0 {
		depth = r.depth
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.books[k]
	if !ok {
		e = &entry{}
		r.books[k] = e
	}
	e.mu.Lock()
	if e.book == nil || e.book.Kind() != kind || e.book.Depth() != normDepth(depth) {
		e.book = orderbook.New(kind, orderbook.Snapshot{Symbol: k.symbol}, depth)
	}
	e.mu.Unlock()
	return e
}

func normDepth(depth int) int {
	if depth <= 0 {
		return math.MaxInt
	}
	return depth
}

// publicDepth reports unbounded books as depth 0.
func publicDepth(b orderbook.Interface) int {
	if d := b.Depth(); d != math.MaxInt {
		return d
	}
	return 0
}

// Handle applies one decoded message. Deltas and checksums for books that
// do not exist yet are ignored. A failed checksum drops the book and returns
// a *common.ResyncError.
func (r *Registry) Handle(exchange string, msg common.Message) error {
	start := r.now()
	k := key{exchange, msg.Symbol}
	var e *entry
	switch msg.Type {
	case common.Snapshot, common.Update:
		e = r.ensure(k, msg.Kind, msg.Depth)
	default:
		if e = r.lookup(k); e == nil {
			r.log.Debug().Str("exchange", exchange).Str("symbol", msg.Symbol).Str("type", msg.Type.String()).Msg("message for unknown book ignored")
			return nil
		}
	}
	if msg.Type == common.Checksum {
		return r.verify(exchange, msg, e)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.book
	switch msg.Type {
	case common.Snapshot:
		b.Reset(msg.Snapshot())
		metrics.SnapshotsTotal.WithLabelValues(exchange, "reset").Inc()
	case common.Update:
		outcome := "applied"
		if !b.Update(msg.Snapshot()) {
			outcome = "stale"
		}
		metrics.SnapshotsTotal.WithLabelValues(exchange, outcome).Inc()
	case common.Delta:
		for _, d := range msg.Bids {
			b.Apply(orderbook.Bid, d)
		}
		for _, d := range msg.Asks {
			b.Apply(orderbook.Ask, d)
		}
		if msg.Nonce != nil {
			b.SetNonce(*msg.Nonce)
		}
		if msg.Timestamp != nil {
			b.SetTimestamp(*msg.Timestamp)
		}
		metrics.DeltasAppliedTotal.WithLabelValues(exchange, "bid").Add(float64(len(msg.Bids)))
		metrics.DeltasAppliedTotal.WithLabelValues(exchange, "ask").Add(float64(len(msg.Asks)))
	}
	b.Limit()
	e.updated = r.now()
	metrics.BookLevels.WithLabelValues(exchange, msg.Symbol, "bid").Set(float64(b.Len(orderbook.Bid)))
	metrics.BookLevels.WithLabelValues(exchange, msg.Symbol, "ask").Set(float64(b.Len(orderbook.Ask)))
	metrics.ApplyLatencyMs.Observe(float64(e.updated.Sub(start).Microseconds()) / 1000)
	return nil
}

func (r *Registry) verify(exchange string, msg common.Message, e *entry) error {
	if msg.Verify == nil {
		return nil
	}
	e.mu.Lock()
	snap := e.book.Snapshot(0)
	e.mu.Unlock()
	if err := msg.Verify(snap); err != nil {
		r.Drop(exchange, msg.Symbol)
		return &common.ResyncError{Symbol: msg.Symbol, Reason: "checksum", Err: err}
	}
	return nil
}

// Drop forgets a book so it is rebuilt from the next snapshot.
func (r *Registry) Drop(exchange, symbol string) {
	k := key{exchange, symbol}
	r.mu.Lock()
	delete(r.books, k)
	r.mu.Unlock()
	metrics.BookLevels.DeleteLabelValues(exchange, symbol, "bid")
	metrics.BookLevels.DeleteLabelValues(exchange, symbol, "ask")
}

// View returns the best limit levels per side (all when limit <= 0).
func (r *Registry) View(exchange, symbol string, limit int) (orderbook.Snapshot, orderbook.Kind, error) {
	e := r.lookup(key{exchange, symbol})
	if e == nil {
		return orderbook.Snapshot{}, 0, ErrUnknownBook
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Snapshot(limit), e.book.Kind(), nil
}

// List describes every book, sorted by exchange then symbol.
func (r *Registry) List() []Info {
	r.mu.RLock()
	keys := make([]key, 0, len(r.books))
	entries := make([]*entry, 0, len(r.books))
	for k, e := range r.books {
		keys = append(keys, k)
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(keys))
	for i, e := range entries {
		e.mu.Lock()
		info := Info{
			Exchange: keys[i].exchange,
			Symbol:   keys[i].symbol,
			Kind:     e.book.Kind(),
			Depth:    publicDepth(e.book),
			Bids:     e.book.Len(orderbook.Bid),
			Asks:     e.book.Len(orderbook.Ask),
			Datetime: e.book.Datetime(),
			Updated:  e.updated,
		}
		if n, ok := e.book.Nonce(); ok {
			info.Nonce = orderbook.Ptr(n)
		}
		e.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Records copies every book for persistence.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	keys := make([]key, 0, len(r.books))
	entries := make([]*entry, 0, len(r.books))
	for k, e := range r.books {
		keys = append(keys, k)
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Record, 0, len(keys))
	for i, e := range entries {
		e.mu.Lock()
		out = append(out, Record{
			Exchange: keys[i].exchange,
			Kind:     e.book.Kind(),
			Depth:    publicDepth(e.book),
			Updated:  e.updated,
			Snapshot: e.book.Snapshot(0),
		})
		e.mu.Unlock()
	}
	return out
}

// Restore seeds a book from a persisted record. Live feeds replace it with
// their first snapshot.
func (r *Registry) Restore(rec Record) {
	k := key{rec.Exchange, rec.Snapshot.Symbol}
	e := r.ensure(k, rec.Kind, rec.Depth)
	e.mu.Lock()
	e.book.Reset(rec.Snapshot)
	e.updated = rec.Updated
	e.mu.Unlock()
}

// ReportStaleness publishes, per exchange, the age of its least recently
// updated book.
func (r *Registry) ReportStaleness() {
	now := r.now()
	oldest := map[string]time.Time{}
	r.mu.RLock()
	entries := make(map[*entry]string, len(r.books))
	for k, e := range r.books {
		entries[e] = k.exchange
	}
	r.mu.RUnlock()
	for e, exchange := range entries {
		e.mu.Lock()
		u := e.updated
		e.mu.Unlock()
		if o, ok := oldest[exchange]; !ok || u.Before(o) {
			oldest[exchange] = u
		}
	}
	for exchange, u := range oldest {
		metrics.BookStalenessMs.WithLabelValues(exchange).Set(float64(now.Sub(u).Milliseconds()))
	}
}

var _ common.Sink = (*Registry)(nil)
