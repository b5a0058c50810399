package bitmex

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"depthbook/internal/config"
	"depthbook/internal/exchange/common"
	"depthbook/internal/orderbook"
)

// Adapter decodes the realtime orderBookL2 tables (indexed by level id) and
// the orderBook10 table (full top-10 snapshots on every push).
type Adapter struct {
	cfg     config.Feed
	partial map[string]bool
}

func New(cfg config.Feed) *Adapter {
	return &Adapter{cfg: cfg, partial: map[string]bool{}}
}

func (a *Adapter) Name() string { return "bitmex" }

func (a *Adapter) Reset() { a.partial = map[string]bool{} }

func (a *Adapter) table() string {
	if a.cfg.Channel == "" {
		return "orderBookL2_25"
	}
	return a.cfg.Channel
}

func tableDepth(table string) int {
	switch table {
	case "orderBookL2_25":
		return 25
	case "orderBook10":
		return 10
	default:
		return 0
	}
}

func (a *Adapter) Subscribe(symbols []string) ([][]byte, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, a.table()+":"+s)
	}
	b, err := json.Marshal(map[string]any{"op": "subscribe", "args": args})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func (a *Adapter) Ping() ([]byte, time.Duration) {
	return []byte("ping"), 5 * time.Second
}

type row struct {
	Symbol    string      `json:"symbol"`
	ID        uint64      `json:"id"`
	Side      string      `json:"side"`
	Size      float64     `json:"size"`
	Price     float64     `json:"price"`
	Timestamp string      `json:"timestamp"`
	Bids      [][]float64 `json:"bids"`
	Asks      [][]float64 `json:"asks"`
}

type frame struct {
	Table  string `json:"table"`
	Action string `json:"action"`
	Data   []row  `json:"data"`
	Status int    `json:"status"`
	Error  string `json:"error"`
}

func (a *Adapter) Decode(raw []byte) ([]common.Message, error) {
	if string(raw) == "pong" {
		return nil, nil
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecode, err)
	}
	if f.Error != "" {
		return nil, fmt.Errorf("%w: bitmex %d: %s", common.ErrDecode, f.Status, f.Error)
	}
	if f.Table == "" {
		return nil, nil // welcome or subscribe ack
	}
	if f.Table == "orderBook10" {
		return a.decodeTop(f)
	}
	return a.decodeL2(f)
}

func (a *Adapter) decodeL2(f frame) ([]common.Message, error) {
	var typ common.MessageType
	switch f.Action {
	case "partial":
		typ = common.Snapshot
	case "insert", "update", "delete":
		typ = common.Delta
	default:
		return nil, fmt.Errorf("%w: bitmex action %q", common.ErrDecode, f.Action)
	}
	bySymbol := map[string]*common.Message{}
	var order []string
	for _, r := range f.Data {
		key := f.Table + ":" + r.Symbol
		if typ == common.Delta && !a.partial[key] {
			continue
		}
		m, ok := bySymbol[r.Symbol]
		if !ok {
			m = &common.Message{Symbol: r.Symbol, Kind: orderbook.Indexed, Type: typ, Depth: tableDepth(f.Table)}
			bySymbol[r.Symbol] = m
			order = append(order, r.Symbol)
		}
		d := orderbook.Delta{ID: orderbook.OrderID(strconv.FormatUint(r.ID, 10)), Price: r.Price, Size: r.Size}
		if f.Action == "delete" {
			d.Size = 0
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		switch r.Side {
		case "Buy":
			m.Bids = append(m.Bids, d)
		case "Sell":
			m.Asks = append(m.Asks, d)
		default:
			return nil, fmt.Errorf("%w: bitmex side %q", common.ErrDecode, r.Side)
		}
		if err := stamp(m, r.Timestamp); err != nil {
			return nil, err
		}
	}
	if typ == common.Snapshot {
		for _, s := range order {
			a.partial[f.Table+":"+s] = true
		}
	}
	out := make([]common.Message, 0, len(order))
	for _, s := range order {
		out = append(out, *bySymbol[s])
	}
	return out, nil
}

func (a *Adapter) decodeTop(f frame) ([]common.Message, error) {
	out := make([]common.Message, 0, len(f.Data))
	for _, r := range f.Data {
		m := common.Message{Symbol: r.Symbol, Kind: orderbook.Plain, Type: common.Snapshot, Depth: 10}
		var err error
		if m.Bids, err = pairs(r.Bids); err != nil {
			return nil, err
		}
		if m.Asks, err = pairs(r.Asks); err != nil {
			return nil, err
		}
		if err := stamp(&m, r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func pairs(rows [][]float64) ([]orderbook.Delta, error) {
	out := make([]orderbook.Delta, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			return nil, fmt.Errorf("%w: short level row %v", common.ErrDecode, r)
		}
		d := orderbook.Delta{Price: r[0], Size: r[1]}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// stamp keeps the latest row timestamp on the message.
func stamp(m *common.Message, ts string) error {
	if ts == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q: %v", common.ErrDecode, ts, err)
	}
	ms := t.UnixMilli()
	if m.Timestamp == nil || ms > *m.Timestamp {
		m.Timestamp = orderbook.Ptr(ms)
	}
	return nil
}
