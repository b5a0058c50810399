package bitfinex

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"strconv"
	"strings"

	"depthbook/internal/config"
	"depthbook/internal/exchange/common"
	"depthbook/internal/orderbook"
)

var ErrChecksum = errors.New("bitfinex: book checksum mismatch")

const (
	flagTimestamp = 32768
	flagChecksum  = 131072

	checksumLevels = 25
	infoReconnect  = 20051
)

type channel struct {
	symbol string
	kind   orderbook.Kind
}

// Adapter decodes the v2 "book" channel. Aggregated precisions (P0..P4)
// map to counted books, raw R0 to indexed books keyed by order id.
type Adapter struct {
	cfg      config.Feed
	channels map[int64]channel
}

func New(cfg config.Feed) *Adapter {
	return &Adapter{cfg: cfg, channels: map[int64]channel{}}
}

func (a *Adapter) Name() string { return "bitfinex" }

func (a *Adapter) Reset() { a.channels = map[int64]channel{} }

func (a *Adapter) prec() string {
	if a.cfg.Channel == "" {
		return "P0"
	}
	return strings.ToUpper(a.cfg.Channel)
}

func (a *Adapter) depth() int {
	switch a.cfg.Depth {
	case 1, 25, 100, 250:
		return a.cfg.Depth
	default:
		return 25
	}
}

func kindFor(prec string) orderbook.Kind {
	if strings.HasPrefix(prec, "R") {
		return orderbook.Indexed
	}
	return orderbook.Counted
}

func (a *Adapter) Subscribe(symbols []string) ([][]byte, error) {
	conf, err := json.Marshal(map[string]any{"event": "conf", "flags": flagTimestamp | flagChecksum})
	if err != nil {
		return nil, err
	}
	out := [][]byte{conf}
	for _, s := range symbols {
		b, err := json.Marshal(map[string]any{
			"event":   "subscribe",
			"channel": "book",
			"symbol":  s,
			"prec":    a.prec(),
			"freq":    "F0",
			"len":     strconv.Itoa(a.depth()),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

type event struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Prec    string `json:"prec"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
}

func (a *Adapter) Decode(raw []byte) ([]common.Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		return nil, a.handleEvent(raw)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 2 {
		return nil, fmt.Errorf("%w: bitfinex frame %.64s", common.ErrDecode, raw)
	}
	var chanID int64
	if err := json.Unmarshal(parts[0], &chanID); err != nil {
		return nil, fmt.Errorf("%w: channel id: %v", common.ErrDecode, err)
	}
	ch, ok := a.channels[chanID]
	if !ok {
		return nil, nil
	}
	var tag string
	if json.Unmarshal(parts[1], &tag) == nil {
		switch tag {
		case "hb":
			return nil, nil
		case "cs":
			if len(parts) < 3 {
				return nil, fmt.Errorf("%w: checksum frame without value", common.ErrDecode)
			}
			var want int64
			if err := json.Unmarshal(parts[2], &want); err != nil {
				return nil, fmt.Errorf("%w: checksum: %v", common.ErrDecode, err)
			}
			return []common.Message{{
				Symbol: ch.symbol,
				Kind:   ch.kind,
				Type:   common.Checksum,
				Verify: func(s orderbook.Snapshot) error { return Verify(s, ch.kind, int32(want)) },
			}}, nil
		default:
			return nil, nil
		}
	}

	msg := common.Message{Symbol: ch.symbol, Kind: ch.kind, Depth: a.depth()}
	if len(parts) >= 3 {
		var ts int64
		if json.Unmarshal(parts[len(parts)-1], &ts) == nil && ts > 0 {
			msg.Timestamp = orderbook.Ptr(ts)
		}
	}
	var rows [][]float64
	if err := json.Unmarshal(parts[1], &rows); err == nil {
		msg.Type = common.Snapshot
	} else {
		var row []float64
		if err := json.Unmarshal(parts[1], &row); err != nil {
			return nil, fmt.Errorf("%w: book row: %v", common.ErrDecode, err)
		}
		msg.Type = common.Delta
		rows = [][]float64{row}
	}
	for _, r := range rows {
		side, d, err := parseRow(r, ch.kind)
		if err != nil {
			return nil, err
		}
		if side == orderbook.Bid {
			msg.Bids = append(msg.Bids, d)
		} else {
			msg.Asks = append(msg.Asks, d)
		}
	}
	return []common.Message{msg}, nil
}

func (a *Adapter) handleEvent(raw []byte) error {
	var ev event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("%w: %v", common.ErrDecode, err)
	}
	switch ev.Event {
	case "subscribed":
		if ev.Channel == "book" {
			a.channels[ev.ChanID] = channel{symbol: ev.Symbol, kind: kindFor(strings.ToUpper(ev.Prec))}
		}
	case "unsubscribed":
		delete(a.channels, ev.ChanID)
	case "error":
		return fmt.Errorf("%w: bitfinex error %d: %s", common.ErrDecode, ev.Code, ev.Msg)
	case "info":
		if ev.Code == infoReconnect {
			return fmt.Errorf("bitfinex info %d: %w", ev.Code, common.ErrReconnect)
		}
	}
	return nil
}

// parseRow maps [price, count, amount] or [id, price, amount] to a delta.
// The sign of amount gives the side; a zero count or price removes.
func parseRow(r []float64, kind orderbook.Kind) (orderbook.Side, orderbook.Delta, error) {
	if len(r) < 3 {
		return 0, orderbook.Delta{}, fmt.Errorf("%w: short book row %v", common.ErrDecode, r)
	}
	amount := r[2]
	side := orderbook.Bid
	if amount < 0 {
		side = orderbook.Ask
	}
	var d orderbook.Delta
	if kind == orderbook.Indexed {
		d = orderbook.Delta{ID: orderbook.OrderID(strconv.FormatInt(int64(r[0]), 10)), Price: r[1], Size: math.Abs(amount)}
		if r[1] == 0 {
			d.Size = 0
		}
	} else {
		d = orderbook.Delta{Price: r[0], Count: uint64(r[1]), Size: math.Abs(amount)}
		if r[1] == 0 {
			d.Size = 0
		}
	}
	if err := d.Validate(); err != nil {
		return 0, orderbook.Delta{}, err
	}
	return side, d, nil
}

// Verify recomputes the CRC32 of the top 25 levels per side, interleaving
// bid and ask entries as "price:amount" (or "id:amount" for raw books) with
// ask amounts negated.
func Verify(s orderbook.Snapshot, kind orderbook.Kind, want int32) error {
	got := Checksum(s, kind)
	if got != want {
		return fmt.Errorf("%w: got %d, want %d", ErrChecksum, got, want)
	}
	return nil
}

func Checksum(s orderbook.Snapshot, kind orderbook.Kind) int32 {
	key := func(d orderbook.Delta) string {
		if kind == orderbook.Indexed {
			return string(d.ID)
		}
		return common.FormatDecimal(d.Price)
	}
	var fields []string
	for i := 0; i < checksumLevels; i++ {
		if i < len(s.Bids) {
			fields = append(fields, key(s.Bids[i]), common.FormatDecimal(s.Bids[i].Size))
		}
		if i < len(s.Asks) {
			fields = append(fields, key(s.Asks[i]), common.FormatDecimal(-s.Asks[i].Size))
		}
	}
	return int32(crc32.ChecksumIEEE([]byte(strings.Join(fields, ":"))))
}
