package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"depthbook/internal/config"
	"depthbook/internal/exchange/common"
	"depthbook/internal/orderbook"

	"github.com/google/uuid"
)

// Adapter decodes the v5 public orderbook topic. Bybit pushes a snapshot on
// subscribe and deltas after it; a snapshot mid-stream (u=1 after a service
// restart) replaces the book.
type Adapter struct {
	cfg  config.Feed
	seen map[string]bool
}

func New(cfg config.Feed) *Adapter {
	return &Adapter{cfg: cfg, seen: map[string]bool{}}
}

func (a *Adapter) Name() string { return "bybit" }

func (a *Adapter) Reset() { a.seen = map[string]bool{} }

func (a *Adapter) depth() int {
	n, err := strconv.Atoi(a.cfg.Channel)
	if err != nil || n <= 0 {
		return 50
	}
	return n
}

func (a *Adapter) Subscribe(symbols []string) ([][]byte, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, fmt.Sprintf("orderbook.%d.%s", a.depth(), strings.ToUpper(s)))
	}
	b, err := json.Marshal(map[string]any{"op": "subscribe", "args": args, "req_id": uuid.NewString()})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func (a *Adapter) Ping() ([]byte, time.Duration) {
	return []byte(`{"op":"ping"}`), 20 * time.Second
}

type frame struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	TS      int64  `json:"ts"`
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Data    struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Update uint64     `json:"u"`
		Seq    uint64     `json:"seq"`
	} `json:"data"`
}

func (a *Adapter) Decode(raw []byte) ([]common.Message, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecode, err)
	}
	if f.Op != "" {
		if f.Success != nil && !*f.Success {
			return nil, fmt.Errorf("%w: bybit %s failed: %s", common.ErrDecode, f.Op, f.RetMsg)
		}
		return nil, nil // subscribe ack or pong
	}
	if !strings.HasPrefix(f.Topic, "orderbook.") {
		return nil, nil
	}
	symbol := f.Data.Symbol
	msg := common.Message{
		Symbol:    symbol,
		Kind:      orderbook.Plain,
		Depth:     topicDepth(f.Topic, a.depth()),
		Nonce:     orderbook.Ptr(f.Data.Update),
		Timestamp: orderbook.Ptr(f.TS),
	}
	switch f.Type {
	case "snapshot":
		msg.Type = common.Snapshot
		a.seen[symbol] = true
	case "delta":
		if !a.seen[symbol] {
			return nil, nil
		}
		msg.Type = common.Delta
	default:
		return nil, fmt.Errorf("%w: bybit message type %q", common.ErrDecode, f.Type)
	}
	var err error
	if msg.Bids, err = common.ParsePairs(f.Data.Bids); err != nil {
		return nil, err
	}
	if msg.Asks, err = common.ParsePairs(f.Data.Asks); err != nil {
		return nil, err
	}
	return []common.Message{msg}, nil
}

func topicDepth(topic string, fallback int) int {
	parts := strings.Split(topic, ".")
	if len(parts) != 3 {
		return fallback
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return fallback
	}
	return n
}
