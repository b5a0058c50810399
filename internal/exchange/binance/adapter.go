package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"depthbook/internal/config"
	"depthbook/internal/exchange/common"
	"depthbook/internal/infra/metrics"
	"depthbook/internal/infra/network"
	"depthbook/internal/orderbook"
)

// ErrOutOfOrder reports a diff-depth event that does not continue the
// book's update id sequence.
var ErrOutOfOrder = errors.New("binance: depth event out of order")

const maxBuffered = 1000

// Adapter decodes the diff-depth stream and bootstraps books from the REST
// depth endpoint, following the documented "manage a local order book"
// procedure for spot and USD-M futures.
type Adapter struct {
	cfg      config.Feed
	futures  bool
	http     *http.Client
	throttle *network.TokenBucket

	books map[string]*sequencer
}

func New(cfg config.Feed) *Adapter {
	rate := cfg.SnapshotRate
	if rate <= 0 {
		rate = 1
	}
	return &Adapter{
		cfg:      cfg,
		futures:  strings.Contains(cfg.URL, "fstream") || strings.Contains(cfg.RESTURL, "fapi"),
		http:     network.NewHTTPClient(10 * time.Second),
		throttle: network.NewTokenBucket(int(rate)+1, rate, 250),
		books:    map[string]*sequencer{},
	}
}

func (a *Adapter) Name() string { return "binance" }

func (a *Adapter) Reset() { a.books = map[string]*sequencer{} }

func (a *Adapter) Subscribe(symbols []string) ([][]byte, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	channel := a.cfg.Channel
	if channel == "" {
		channel = "depth"
	}
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, strings.ToLower(s)+"@"+channel)
	}
	b, err := json.Marshal(map[string]any{"method": "SUBSCRIBE", "params": params, "id": 1})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

type depthEvent struct {
	Event     string     `json:"e"`
	EventTime int64      `json:"E"`
	TxTime    int64      `json:"T"`
	Symbol    string     `json:"s"`
	First     uint64     `json:"U"`
	Final     uint64     `json:"u"`
	PrevFinal *uint64    `json:"pu"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	ID     *int            `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

func (a *Adapter) Decode(frame []byte) ([]common.Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecode, err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("%w: binance error %d: %s", common.ErrDecode, env.Error.Code, env.Error.Msg)
	}
	if env.ID != nil {
		return nil, nil // subscription ack
	}
	raw := json.RawMessage(frame)
	if len(env.Data) > 0 {
		raw = env.Data
	}
	var ev depthEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecode, err)
	}
	if ev.Event != "depthUpdate" {
		return nil, nil
	}
	seq := a.sequencer(ev.Symbol)
	if !seq.synced {
		seq.buffer(ev)
		return nil, nil
	}
	msg, ok, err := a.sequence(seq, ev)
	if err != nil || !ok {
		return nil, err
	}
	return []common.Message{msg}, nil
}

func (a *Adapter) sequencer(symbol string) *sequencer {
	s, ok := a.books[symbol]
	if !ok {
		s = &sequencer{}
		a.books[symbol] = s
	}
	return s
}

// Fetch downloads a depth snapshot over REST, throttled per adapter.
func (a *Adapter) Fetch(ctx context.Context, symbol string) (common.Message, error) {
	if err := a.throttle.Wait(ctx); err != nil {
		return common.Message{}, err
	}
	path := "/api/v3/depth"
	if a.futures {
		path = "/fapi/v1/depth"
	}
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	if limit := snapshotLimit(a.cfg.Depth, a.futures); limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(a.cfg.RESTURL, "/")+path+"?"+q.Encode(), nil)
	if err != nil {
		return common.Message{}, err
	}
	start := time.Now()
	resp, err := a.http.Do(req)
	if err != nil {
		return common.Message{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	rtt := float64(time.Since(start).Milliseconds())
	metrics.SnapshotFetchLatencyMs.WithLabelValues(a.Name()).Observe(rtt)
	a.throttle.AdjustForRTT(rtt)
	if resp.StatusCode != http.StatusOK {
		return common.Message{}, fmt.Errorf("binance depth %s: http %d", symbol, resp.StatusCode)
	}
	var body struct {
		LastUpdateID uint64     `json:"lastUpdateId"`
		EventTime    int64      `json:"E"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return common.Message{}, fmt.Errorf("%w: %v", common.ErrDecode, err)
	}
	bids, err := common.ParsePairs(body.Bids)
	if err != nil {
		return common.Message{}, err
	}
	asks, err := common.ParsePairs(body.Asks)
	if err != nil {
		return common.Message{}, err
	}
	msg := common.Message{
		Symbol: strings.ToUpper(symbol),
		Kind:   orderbook.Plain,
		Type:   common.Update,
		Depth:  a.cfg.Depth,
		Bids:   bids,
		Asks:   asks,
		Nonce:  orderbook.Ptr(body.LastUpdateID),
	}
	if body.EventTime > 0 {
		msg.Timestamp = orderbook.Ptr(body.EventTime)
	}
	return msg, nil
}

// Sync marks the symbol as synced at the snapshot's update id and replays
// buffered events that continue it.
func (a *Adapter) Sync(snapshot common.Message) ([]common.Message, error) {
	if snapshot.Nonce == nil {
		return nil, fmt.Errorf("%w: snapshot for %s has no update id", common.ErrDecode, snapshot.Symbol)
	}
	seq := a.sequencer(snapshot.Symbol)
	pending := seq.pending
	seq.synced, seq.first, seq.nonce, seq.pending = true, true, *snapshot.Nonce, nil

	out := []common.Message{snapshot}
	for i, ev := range pending {
		msg, ok, err := a.sequence(seq, ev)
		if err != nil {
			// the snapshot predates the buffer; keep the unreplayed tail so a
			// newer snapshot can bridge it
			seq.pending = append(seq.pending, pending[i+1:]...)
			return nil, err
		}
		if ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// sequence checks ev against the last applied update id. Stale events are
// skipped; a gap unsyncs the symbol and returns a ResyncError.
func (a *Adapter) sequence(seq *sequencer, ev depthEvent) (common.Message, bool, error) {
	stale, ok := seq.accept(ev, a.futures)
	if stale {
		return common.Message{}, false, nil
	}
	if !ok {
		want := seq.nonce
		seq.unsync()
		seq.buffer(ev)
		return common.Message{}, false, &common.ResyncError{
			Symbol: ev.Symbol,
			Reason: "sequence",
			Err:    fmt.Errorf("%w: have %d, got U=%d u=%d", ErrOutOfOrder, want, ev.First, ev.Final),
		}
	}
	bids, err := common.ParsePairs(ev.Bids)
	if err != nil {
		return common.Message{}, false, err
	}
	asks, err := common.ParsePairs(ev.Asks)
	if err != nil {
		return common.Message{}, false, err
	}
	seq.first = false
	seq.nonce = ev.Final
	ts := ev.EventTime
	if ev.TxTime > 0 {
		ts = ev.TxTime
	}
	return common.Message{
		Symbol:    ev.Symbol,
		Kind:      orderbook.Plain,
		Type:      common.Delta,
		Depth:     a.cfg.Depth,
		Bids:      bids,
		Asks:      asks,
		Nonce:     orderbook.Ptr(ev.Final),
		Timestamp: orderbook.Ptr(ts),
	}, true, nil
}

func snapshotLimit(depth int, futures bool) int {
	allowed := []int{5, 10, 20, 50, 100, 500, 1000, 5000}
	if futures {
		allowed = []int{5, 10, 20, 50, 100, 500, 1000}
	}
	if depth <= 0 {
		return allowed[len(allowed)-1]
	}
	for _, n := range allowed {
		if n >= depth {
			return n
		}
	}
	return allowed[len(allowed)-1]
}
