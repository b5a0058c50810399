package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"depthbook/internal/orderbook"
)

// MessageType says how a decoded message changes a book.
type MessageType uint8

const (
	// Snapshot replaces the book unconditionally.
	Snapshot MessageType = iota
	// Update replaces the book unless its nonce is not newer.
	Update
	// Delta applies incremental rows to a live book.
	Delta
	// Checksum asks the holder of the book to run Verify against it.
	Checksum
)

func (t MessageType) String() string {
	switch t {
	case Snapshot:
		return "snapshot"
	case Update:
		return "update"
	case Delta:
		return "delta"
	case Checksum:
		return "checksum"
	default:
		return "unknown"
	}
}

// Message is one venue-neutral book change for a single symbol.
type Message struct {
	Symbol    string
	Kind      orderbook.Kind
	Type      MessageType
	Depth     int
	Bids      []orderbook.Delta
	Asks      []orderbook.Delta
	Nonce     *uint64
	Timestamp *int64
	Verify    func(orderbook.Snapshot) error
}

// Snapshot converts the message rows into an engine snapshot.
func (m Message) Snapshot() orderbook.Snapshot {
	return orderbook.Snapshot{Bids: m.Bids, Asks: m.Asks, Nonce: m.Nonce, Timestamp: m.Timestamp, Symbol: m.Symbol}
}

// Decoder turns raw websocket frames of one venue into book messages.
// Decode and Reset are called from a single goroutine.
type Decoder interface {
	Name() string
	Subscribe(symbols []string) ([][]byte, error)
	Decode(frame []byte) ([]Message, error)
	// Reset forgets per-connection state before a new session.
	Reset()
}

// Optional capability: REST snapshot bootstrap for venues whose stream only
// carries diffs. Fetch may run on any goroutine; Sync runs on the decoding
// goroutine and returns the snapshot followed by buffered deltas.
type Bootstrapper interface {
	Fetch(ctx context.Context, symbol string) (Message, error)
	Sync(snapshot Message) ([]Message, error)
}

// Optional capability: application level keepalive.
type Pinger interface {
	Ping() (payload []byte, every time.Duration)
}

// Sink receives decoded messages; market.Registry is the production one.
type Sink interface {
	Handle(exchange string, msg Message) error
	Drop(exchange, symbol string)
}

var (
	ErrDecode = errors.New("decode")
	// ErrReconnect asks the feed to drop the connection and start over.
	ErrReconnect = errors.New("reconnect requested")
)

// ResyncError marks a book that can no longer be trusted and must be
// rebuilt from a fresh snapshot.
type ResyncError struct {
	Symbol string
	Reason string
	Err    error
}

func (e *ResyncError) Error() string {
	return fmt.Sprintf("resync %s (%s): %v", e.Symbol, e.Reason, e.Err)
}

func (e *ResyncError) Unwrap() error { return e.Err }
