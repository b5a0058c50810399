package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"depthbook/internal/config"
	"depthbook/internal/exchange/common"
	"depthbook/internal/infra/health"
	"depthbook/internal/infra/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	frameBuf       = 1024
)

// Client keeps one websocket subscription alive and pushes decoded book
// messages into a sink. Decoding and sink delivery happen on one goroutine,
// so per-symbol message order is preserved.
type Client struct {
	exchange string
	url      string
	symbols  []string
	dec      common.Decoder
	sink     common.Sink
	dialer   *websocket.Dialer
	log      zerolog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func New(cfg config.Feed, dec common.Decoder, sink common.Sink, logger zerolog.Logger) *Client {
	return &Client{
		exchange:   dec.Name(),
		url:        cfg.URL,
		symbols:    cfg.Symbols,
		dec:        dec,
		sink:       sink,
		dialer:     &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		log:        logger.With().Str("exchange", dec.Name()).Logger(),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run reconnects with exponential backoff until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	health.SetFeed(c.exchange, false)
	backoff := c.minBackoff
	for {
		started := time.Now()
		err := c.session(ctx)
		health.SetFeed(c.exchange, false)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			backoff = c.minBackoff
		}
		reason := reasonFor(err)
		metrics.WSReconnectsTotal.WithLabelValues(c.exchange, reason).Inc()
		c.log.Warn().Err(err).Str("reason", reason).Dur("backoff", backoff).Msg("feed disconnected")
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

var errDial = errors.New("dial")

type fetched struct {
	symbol string
	msg    common.Message
}

func (c *Client) session(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w %s: %v", errDial, c.url, err)
	}
	defer func() { _ = conn.Close() }()
	log := c.log.With().Str("session", uuid.NewString()).Logger()
	log.Info().Str("url", c.url).Strs("symbols", c.symbols).Msg("feed connected")

	c.dec.Reset()
	subs, err := c.dec.Subscribe(c.symbols)
	if err != nil {
		return err
	}
	for _, s := range subs {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, s); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	frames := make(chan []byte, frameBuf)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	boot, _ := c.dec.(common.Bootstrapper)
	snapshots := make(chan fetched)
	// symbols with a REST fetch outstanding; only touched on this goroutine
	inflight := map[string]bool{}
	fetch := func(symbol string) {
		if inflight[symbol] {
			return
		}
		inflight[symbol] = true
		go c.fetchLoop(ctx, boot, symbol, snapshots)
	}
	if boot != nil {
		for _, s := range c.symbols {
			fetch(s)
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	var appPing <-chan time.Time
	var appPayload []byte
	if p, ok := c.dec.(common.Pinger); ok {
		payload, every := p.Ping()
		t := time.NewTicker(every)
		defer t.Stop()
		appPing, appPayload = t.C, payload
	}

	synced := false
	deliver := func(msgs []common.Message) error {
		for _, m := range msgs {
			if err := c.sink.Handle(c.exchange, m); err != nil {
				if err := c.recover(log, err, boot, fetch); err != nil {
					return err
				}
				continue
			}
			metrics.FeedMessagesTotal.WithLabelValues(c.exchange).Inc()
			if !synced {
				synced = true
				health.SetFeed(c.exchange, true)
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return ctx.Err()
		case data, ok := <-frames:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return ctx.Err()
				}
			}
			msgs, err := c.dec.Decode(data)
			if err != nil {
				if err := c.recover(log, err, boot, fetch); err != nil {
					return err
				}
			}
			if err := deliver(msgs); err != nil {
				return err
			}
		case f := <-snapshots:
			delete(inflight, f.symbol)
			msgs, err := boot.Sync(f.msg)
			if err != nil {
				if err := c.recover(log, err, boot, fetch); err != nil {
					return err
				}
				continue
			}
			log.Info().Str("symbol", f.symbol).Int("replayed", len(msgs)-1).Msg("book bootstrapped")
			if err := deliver(msgs); err != nil {
				return err
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case <-appPing:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, appPayload); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// fetchLoop retries a REST snapshot until it succeeds or ctx ends.
func (c *Client) fetchLoop(ctx context.Context, boot common.Bootstrapper, symbol string, out chan<- fetched) {
	backoff := c.minBackoff
	for {
		msg, err := boot.Fetch(ctx, symbol)
		if err == nil {
			select {
			case out <- fetched{symbol: symbol, msg: msg}:
			case <-ctx.Done():
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Str("symbol", symbol).Dur("retry_in", backoff).Msg("snapshot fetch failed")
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

// recover handles a decode or apply error. Resyncs drop the book and refetch
// it when the venue supports bootstrap; otherwise the error ends the session.
// Plain decode errors are counted and skipped.
func (c *Client) recover(log zerolog.Logger, err error, boot common.Bootstrapper, fetch func(string)) error {
	var re *common.ResyncError
	switch {
	case errors.As(err, &re):
		c.sink.Drop(c.exchange, re.Symbol)
		metrics.BookRebuildsTotal.WithLabelValues(c.exchange, re.Reason).Inc()
		log.Warn().Err(err).Str("symbol", re.Symbol).Msg("book out of sync")
		if boot == nil {
			return err
		}
		fetch(re.Symbol)
		return nil
	case errors.Is(err, common.ErrReconnect):
		return err
	default:
		metrics.FeedDecodeErrorsTotal.WithLabelValues(c.exchange).Inc()
		log.Debug().Err(err).Msg("frame skipped")
		return nil
	}
}

func reasonFor(err error) string {
	var re *common.ResyncError
	var ne net.Error
	switch {
	case err == nil:
		return "eof"
	case errors.As(err, &re):
		return "resync"
	case errors.Is(err, common.ErrReconnect):
		return "server"
	case errors.Is(err, errDial):
		return "dial"
	case errors.As(err, new(*websocket.CloseError)):
		return "closed"
	case errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	default:
		return "error"
	}
}
