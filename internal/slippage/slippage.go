package slippage

import (
	"math"

	"depthbook/internal/orderbook"
)

// Estimate is the result of walking one side of a book for a market order.
type Estimate struct {
	Qty      float64 `json:"qty"`
	Filled   float64 `json:"filled"`
	AvgPrice float64 `json:"avg_price"`
	Mid      float64 `json:"mid"`
	Bps      float64 `json:"bps"`
	Levels   int     `json:"levels"`
	Complete bool    `json:"complete"`
}

// Mid returns the midpoint of the best bid and ask.
func Mid(book orderbook.Snapshot) (float64, bool) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return 0, false
	}
	return (book.Bids[0].Price + book.Asks[0].Price) / 2, true
}

// Walk fills qty against asks (buy) or bids (sell) best-first. Bps is the
// average fill price distance from mid, positive when worse than mid.
func Walk(book orderbook.Snapshot, qty float64, isBuy bool) Estimate {
	est := Estimate{Qty: qty}
	if qty <= 0 {
		return est
	}
	est.Mid, _ = Mid(book)
	levels := book.Bids
	if isBuy {
		levels = book.Asks
	}
	var cost float64
	for _, lvl := range levels {
		use := math.Min(qty-est.Filled, lvl.Size)
		if use <= 0 {
			break
		}
		cost += use * lvl.Price
		est.Filled += use
		est.Levels++
		if est.Filled >= qty {
			break
		}
	}
	est.Complete = est.Filled >= qty
	if est.Filled > 0 {
		est.AvgPrice = cost / est.Filled
	}
	if est.Mid > 0 && est.Filled > 0 {
		diff := est.AvgPrice - est.Mid
		if !isBuy {
			diff = est.Mid - est.AvgPrice
		}
		est.Bps = diff / est.Mid * 10000
	}
	return est
}

// Integral-based slippage over book depth in bps relative to mid. A book too
// thin to fill qty returns 1e9.
func IntegralBps(book orderbook.Snapshot, qty float64, isBuy bool, mid float64) float64 {
	if qty <= 0 || mid <= 0 {
		return 0
	}
	est := Walk(book, qty, isBuy)
	if !est.Complete {
		return 1e9
	}
	diff := est.AvgPrice - mid
	if !isBuy {
		diff = mid - est.AvgPrice
	}
	return diff / mid * 10000
}
