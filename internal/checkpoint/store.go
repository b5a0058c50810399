package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"depthbook/internal/market"
	"depthbook/internal/orderbook"

	"github.com/cockroachdb/pebble"
)

var ErrNotFound = errors.New("checkpoint not found")

const (
	prefix  = "book/"
	version = 1
	// [version:1][kind:1][depth:4][updated unix ms:8][json snapshot]
	headerLen = 1 + 1 + 4 + 8
)

// Store persists book records in pebble so a restart can serve books before
// the feeds resync.
type Store struct {
	db *pebble.DB
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func keyFor(exchange, symbol string) []byte {
	return []byte(prefix + exchange + "/" + symbol)
}

func encodeRecord(r market.Record) ([]byte, error) {
	body, err := json.Marshal(r.Snapshot)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerLen, headerLen+len(body))
	buf[0] = version
	buf[1] = byte(r.Kind)
	binary.BigEndian.PutUint32(buf[2:6], uint32(r.Depth))
	binary.BigEndian.PutUint64(buf[6:14], uint64(r.Updated.UnixMilli()))
	return append(buf, body...), nil
}

func decodeRecord(exchange string, b []byte) (market.Record, error) {
	if len(b) < headerLen {
		return market.Record{}, errors.New("invalid checkpoint record length")
	}
	if b[0] != version {
		return market.Record{}, fmt.Errorf("unsupported checkpoint version %d", b[0])
	}
	r := market.Record{
		Exchange: exchange,
		Kind:     orderbook.Kind(b[1]),
		Depth:    int(binary.BigEndian.Uint32(b[2:6])),
		Updated:  time.UnixMilli(int64(binary.BigEndian.Uint64(b[6:14]))).UTC(),
	}
	if err := json.Unmarshal(b[headerLen:], &r.Snapshot); err != nil {
		return market.Record{}, err
	}
	return r, nil
}

// Save writes one record durably.
func (s *Store) Save(r market.Record) error {
	v, err := encodeRecord(r)
	if err != nil {
		return err
	}
	return s.db.Set(keyFor(r.Exchange, r.Snapshot.Symbol), v, pebble.Sync)
}

// SaveAll writes every record in one batch.
func (s *Store) SaveAll(records []market.Record) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, r := range records {
		v, err := encodeRecord(r)
		if err != nil {
			return err
		}
		if err := b.Set(keyFor(r.Exchange, r.Snapshot.Symbol), v, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *Store) Load(exchange, symbol string) (market.Record, error) {
	val, closer, err := s.db.Get(keyFor(exchange, symbol))
	if errors.Is(err, pebble.ErrNotFound) {
		return market.Record{}, ErrNotFound
	}
	if err != nil {
		return market.Record{}, err
	}
	defer closer.Close()
	return decodeRecord(exchange, val)
}

func (s *Store) Delete(exchange, symbol string) error {
	return s.db.Delete(keyFor(exchange, symbol), pebble.Sync)
}

// All returns every stored record in key order.
func (s *Store) All() ([]market.Record, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []market.Record
	for iter.First(); iter.Valid(); iter.Next() {
		exchange, _, ok := strings.Cut(strings.TrimPrefix(string(iter.Key()), prefix), "/")
		if !ok {
			continue
		}
		r, err := decodeRecord(exchange, iter.Value())
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", iter.Key(), err)
		}
		out = append(out, r)
	}
	return out, iter.Error()
}
