// Package orderbook maintains depth-bounded bid/ask ladders from exchange
// market-data deltas and full snapshots.
//
// Three side variants share one sorted-array layout: PlainSide keys levels by
// price, CountedSide additionally tracks the number of orders at a price and
// IndexedSide keys levels by order id. Nothing in this package locks or does
// I/O; callers serialise access to a book (one writer per book).
package orderbook

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

type Side uint8

const (
	Ask Side = iota
	Bid
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// SignedKey is the ordering key of a price on one side. Bids are negated so
// both sides sort ascending best-first.
func SignedKey(side Side, price float64) float64 {
	if side == Bid {
		return -price
	}
	return price
}

type Kind uint8

const (
	Plain Kind = iota
	Counted
	Indexed
)

func (k Kind) String() string {
	switch k {
	case Counted:
		return "counted"
	case Indexed:
		return "indexed"
	default:
		return "plain"
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "plain":
		return Plain, nil
	case "counted":
		return Counted, nil
	case "indexed":
		return Indexed, nil
	}
	return Plain, fmt.Errorf("unknown book kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

var (
	ErrStoreUnsupported = errors.New("orderbook: Store(price, size) is not supported on this side")
	ErrInvalidDelta     = errors.New("orderbook: invalid delta")
)

type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type CountedLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	Count uint64  `json:"count"`
}

type OrderLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	ID    OrderID `json:"id"`
}

// OrderID identifies a resting order on an indexed side. Exchanges send
// either numbers or strings; both are carried as text.
type OrderID string

// Less is a total order over ids: all-digit ids compare by numeric value
// and sort before any other id, which compare as text. Feeds mixing both
// formats at one price still get a consistent order.
func (id OrderID) Less(other OrderID) bool {
	an, bn := digits(string(id)), digits(string(other))
	switch {
	case an && bn:
		a, b := strings.TrimLeft(string(id), "0"), strings.TrimLeft(string(other), "0")
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		if a != b {
			return a < b
		}
		return id < other
	case an != bn:
		return an
	}
	return id < other
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Delta is one level change in canonical form. Count is read by counted
// sides and ID by indexed sides; a zero Price on an indexed delta means the
// feed omitted the price.
type Delta struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	Count uint64  `json:"count,omitempty"`
	ID    OrderID `json:"id,omitempty"`
}

// Validate rejects rows the engine cannot order. The engine itself trusts its
// input; decoders call this before handing deltas over.
func (d Delta) Validate() error {
	switch {
	case math.IsNaN(d.Price) || math.IsInf(d.Price, 0):
		return fmt.Errorf("%w: price %v", ErrInvalidDelta, d.Price)
	case math.IsNaN(d.Size) || math.IsInf(d.Size, 0):
		return fmt.Errorf("%w: size %v", ErrInvalidDelta, d.Size)
	case d.Price < 0 || d.Size < 0:
		return fmt.Errorf("%w: negative price or size (%v, %v)", ErrInvalidDelta, d.Price, d.Size)
	}
	return nil
}

// Snapshot is a full book state. Rows may arrive in any order; a Snapshot
// produced by Book.Snapshot lists them best-first.
type Snapshot struct {
	Bids      []Delta `json:"bids"`
	Asks      []Delta `json:"asks"`
	Nonce     *uint64 `json:"nonce,omitempty"`
	Timestamp *int64  `json:"timestamp,omitempty"`
	Datetime  string  `json:"datetime,omitempty"`
	Symbol    string  `json:"symbol,omitempty"`
}

func Ptr[T any](v T) *T { return &v }
