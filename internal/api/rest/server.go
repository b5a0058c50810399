package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"depthbook/internal/market"
	"depthbook/internal/orderbook"
	"depthbook/internal/slippage"

	"github.com/rs/zerolog"
)

// Books is the read side of market.Registry.
type Books interface {
	List() []market.Info
	View(exchange, symbol string, limit int) (orderbook.Snapshot, orderbook.Kind, error)
}

type Server struct {
	mux       *http.ServeMux
	books     Books
	viewLimit int
	log       zerolog.Logger
}

func New(books Books, viewLimit int, logger zerolog.Logger) *Server {
	s := &Server{mux: http.NewServeMux(), books: books, viewLimit: viewLimit, log: logger}
	s.mux.HandleFunc("GET /books", s.list)
	s.mux.HandleFunc("GET /books/{exchange}/{symbol}", s.book)
	s.mux.HandleFunc("GET /books/{exchange}/{symbol}/slippage", s.slippage)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// bookView renders levels the way unified exchange clients do:
// [price, size], [price, size, count] or [price, size, id].
type bookView struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Kind      string  `json:"kind"`
	Bids      [][]any `json:"bids"`
	Asks      [][]any `json:"asks"`
	Nonce     *uint64 `json:"nonce"`
	Timestamp *int64  `json:"timestamp"`
	Datetime  *string `json:"datetime"`
}

func rows(kind orderbook.Kind, deltas []orderbook.Delta) [][]any {
	out := make([][]any, 0, len(deltas))
	for _, d := range deltas {
		switch kind {
		case orderbook.Counted:
			out = append(out, []any{d.Price, d.Size, d.Count})
		case orderbook.Indexed:
			out = append(out, []any{d.Price, d.Size, string(d.ID)})
		default:
			out = append(out, []any{d.Price, d.Size})
		}
	}
	return out
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.books.List())
}

func (s *Server) book(w http.ResponseWriter, r *http.Request) {
	limit := s.viewLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	exchange, symbol := r.PathValue("exchange"), r.PathValue("symbol")
	snap, kind, err := s.books.View(exchange, symbol, limit)
	if err != nil {
		s.viewError(w, err)
		return
	}
	v := bookView{
		Exchange:  exchange,
		Symbol:    symbol,
		Kind:      kind.String(),
		Bids:      rows(kind, snap.Bids),
		Asks:      rows(kind, snap.Asks),
		Nonce:     snap.Nonce,
		Timestamp: snap.Timestamp,
	}
	if snap.Datetime != "" {
		v.Datetime = &snap.Datetime
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) slippage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	qty, err := strconv.ParseFloat(q.Get("qty"), 64)
	if err != nil || qty <= 0 {
		writeError(w, http.StatusBadRequest, "qty must be a positive number")
		return
	}
	var isBuy bool
	switch q.Get("side") {
	case "buy":
		isBuy = true
	case "sell":
	default:
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	var ref float64
	if v := q.Get("ref"); v != "" {
		if ref, err = strconv.ParseFloat(v, 64); err != nil || ref <= 0 {
			writeError(w, http.StatusBadRequest, "ref must be a positive number")
			return
		}
	}
	snap, _, err := s.books.View(r.PathValue("exchange"), r.PathValue("symbol"), 0)
	if err != nil {
		s.viewError(w, err)
		return
	}
	out := slippageView{Estimate: slippage.Walk(snap, qty, isBuy)}
	if ref > 0 {
		out.RefPrice = &ref
		out.RefBps = orderbook.Ptr(slippage.IntegralBps(snap, qty, isBuy, ref))
	}
	writeJSON(w, http.StatusOK, out)
}

// slippageView adds the cost against a caller supplied reference price,
// e.g. another venue's mid.
type slippageView struct {
	slippage.Estimate
	RefPrice *float64 `json:"ref_price,omitempty"`
	RefBps   *float64 `json:"ref_bps,omitempty"`
}

func (s *Server) viewError(w http.ResponseWriter, err error) {
	if errors.Is(err, market.ErrUnknownBook) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.log.Error().Err(err).Msg("book view failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
