package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"depthbook/internal/config"
	"depthbook/internal/exchange/common"
)

func depthFrame(symbol string, first, final uint64, bid string) []byte {
	return []byte(fmt.Sprintf(`{"e":"depthUpdate","E":1672304484978,"s":"%s","U":%d,"u":%d,"b":[[%q,"1.5"]],"a":[]}`, symbol, first, final, bid))
}

func newTestAdapter(t *testing.T, restURL string) *Adapter {
	t.Helper()
	return New(config.Feed{Exchange: "binance", URL: "wss://stream.binance.com:9443/ws", RESTURL: restURL, Channel: "depth@100ms", Depth: 100, SnapshotRate: 10})
}

func TestSubscribeFrame(t *testing.T) {
	a := newTestAdapter(t, "")
	frames, err := a.Subscribe([]string{"BTCUSDT", "ethusdt"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":1,"method":"SUBSCRIBE","params":["btcusdt@depth@100ms","ethusdt@depth@100ms"]}`
	if len(frames) != 1 || string(frames[0]) != want {
		t.Fatalf("frames = %s", frames)
	}
}

func TestBootstrapReplaysBufferedEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/depth" || r.URL.Query().Get("symbol") != "BTCUSDT" || r.URL.Query().Get("limit") != "100" {
			http.Error(w, "bad request "+r.URL.String(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"lastUpdateId":100,"bids":[["99.5","2"]],"asks":[["100.5","3"]]}`))
	}))
	defer srv.Close()
	a := newTestAdapter(t, srv.URL)

	for _, f := range [][]byte{
		depthFrame("BTCUSDT", 90, 95, "90"),
		depthFrame("BTCUSDT", 96, 102, "96"),
		depthFrame("BTCUSDT", 103, 104, "97"),
	} {
		msgs, err := a.Decode(f)
		if err != nil || len(msgs) != 0 {
			t.Fatalf("unsynced events must be buffered: %v %v", msgs, err)
		}
	}

	snap, err := a.Fetch(context.Background(), "btcusdt")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Type != common.Update || *snap.Nonce != 100 || snap.Bids[0].Price != 99.5 || snap.Asks[0].Size != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
	msgs, err := a.Sync(snap)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[1].Bids[0].Price != 96 || msgs[2].Bids[0].Price != 97 || *msgs[2].Nonce != 104 {
		t.Fatalf("replayed = %+v", msgs)
	}

	live, err := a.Decode(depthFrame("BTCUSDT", 105, 107, "98"))
	if err != nil || len(live) != 1 || live[0].Type != common.Delta {
		t.Fatalf("live = %+v, %v", live, err)
	}
}

func TestGapRequestsResync(t *testing.T) {
	a := newTestAdapter(t, "")
	if _, err := a.Sync(common.Message{Symbol: "BTCUSDT", Nonce: ptr(10)}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Decode(depthFrame("BTCUSDT", 11, 12, "1")); err != nil {
		t.Fatal(err)
	}
	_, err := a.Decode(depthFrame("BTCUSDT", 20, 21, "1"))
	var re *common.ResyncError
	if !errors.As(err, &re) || !errors.Is(err, ErrOutOfOrder) || re.Symbol != "BTCUSDT" {
		t.Fatalf("expected resync, got %v", err)
	}
	if msgs, err := a.Decode(depthFrame("BTCUSDT", 22, 23, "1")); err != nil || len(msgs) != 0 {
		t.Fatalf("after a gap events buffer again: %v %v", msgs, err)
	}
}

func TestTooOldSnapshotKeepsBufferForNextSnapshot(t *testing.T) {
	a := newTestAdapter(t, "")
	for _, f := range [][]byte{
		depthFrame("BTCUSDT", 105, 110, "1"),
		depthFrame("BTCUSDT", 111, 120, "2"),
		depthFrame("BTCUSDT", 121, 130, "3"),
	} {
		if _, err := a.Decode(f); err != nil {
			t.Fatal(err)
		}
	}
	var re *common.ResyncError
	if _, err := a.Sync(common.Message{Symbol: "BTCUSDT", Nonce: ptr(100)}); !errors.As(err, &re) {
		t.Fatalf("snapshot older than the buffer should resync, got %v", err)
	}
	if n := len(a.books["BTCUSDT"].pending); n != 3 {
		t.Fatalf("pending after gap = %d events, want 3", n)
	}

	msgs, err := a.Sync(common.Message{Symbol: "BTCUSDT", Nonce: ptr(115)})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || *msgs[1].Nonce != 120 || *msgs[2].Nonce != 130 {
		t.Fatalf("replayed = %+v", msgs)
	}
	live, err := a.Decode(depthFrame("BTCUSDT", 131, 140, "4"))
	if err != nil || len(live) != 1 || *live[0].Nonce != 140 {
		t.Fatalf("live = %+v, %v", live, err)
	}
}

func TestFirstEventMustCoverSnapshot(t *testing.T) {
	a := newTestAdapter(t, "")
	if _, err := a.Sync(common.Message{Symbol: "ETHUSDT", Nonce: ptr(50)}); err != nil {
		t.Fatal(err)
	}
	if msgs, err := a.Decode(depthFrame("ETHUSDT", 40, 50, "1")); err != nil || len(msgs) != 0 {
		t.Fatalf("stale event should be skipped: %v %v", msgs, err)
	}
	if _, err := a.Decode(depthFrame("ETHUSDT", 52, 55, "1")); err == nil {
		t.Fatalf("event starting past nonce+1 should fail")
	}
}

func TestFuturesPreviousFinal(t *testing.T) {
	a := New(config.Feed{URL: "wss://fstream.binance.com/ws", Channel: "depth@100ms"})
	if !a.futures {
		t.Fatalf("futures not detected")
	}
	if _, err := a.Sync(common.Message{Symbol: "BTCUSDT", Nonce: ptr(100)}); err != nil {
		t.Fatal(err)
	}
	frame := func(U, u, pu uint64) []byte {
		return []byte(fmt.Sprintf(`{"e":"depthUpdate","E":1,"T":2,"s":"BTCUSDT","U":%d,"u":%d,"pu":%d,"b":[],"a":[["1","1"]]}`, U, u, pu))
	}
	msgs, err := a.Decode(frame(95, 105, 94))
	if err != nil || len(msgs) != 1 || *msgs[0].Timestamp != 2 {
		t.Fatalf("first futures event: %+v %v", msgs, err)
	}
	if msgs, err := a.Decode(frame(106, 110, 105)); err != nil || len(msgs) != 1 {
		t.Fatalf("continuing event: %v %v", msgs, err)
	}
	if _, err := a.Decode(frame(112, 115, 111)); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("pu mismatch should fail, got %v", err)
	}
}

func TestDecodeCombinedStreamAndAcks(t *testing.T) {
	a := newTestAdapter(t, "")
	if msgs, err := a.Decode([]byte(`{"result":null,"id":1}`)); err != nil || msgs != nil {
		t.Fatalf("ack: %v %v", msgs, err)
	}
	if _, err := a.Sync(common.Message{Symbol: "BNBBTC", Nonce: ptr(1)}); err != nil {
		t.Fatal(err)
	}
	inner := string(depthFrame("BNBBTC", 2, 3, "0.0024"))
	msgs, err := a.Decode([]byte(`{"stream":"bnbbtc@depth","data":` + inner + `}`))
	if err != nil || len(msgs) != 1 || msgs[0].Symbol != "BNBBTC" {
		t.Fatalf("combined: %+v %v", msgs, err)
	}
	if _, err := a.Decode([]byte(`{"error":{"code":2,"msg":"Invalid request"},"id":null}`)); !errors.Is(err, common.ErrDecode) {
		t.Fatalf("error frame: %v", err)
	}
	if _, err := a.Decode([]byte(`not json`)); !errors.Is(err, common.ErrDecode) {
		t.Fatalf("garbage: %v", err)
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	a := newTestAdapter(t, srv.URL)
	if _, err := a.Fetch(context.Background(), "BTCUSDT"); err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected 429 error, got %v", err)
	}
}

func TestSnapshotLimit(t *testing.T) {
	cases := []struct {
		depth   int
		futures bool
		want    int
	}{{0, false, 5000}, {25, false, 50}, {1000, true, 1000}, {2000, true, 1000}}
	for _, c := range cases {
		if got := snapshotLimit(c.depth, c.futures); got != c.want {
			t.Fatalf("snapshotLimit(%d,%v) = %d, want %d", c.depth, c.futures, got, c.want)
		}
	}
}

func ptr(v uint64) *uint64 { return &v }
