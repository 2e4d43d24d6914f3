package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrEmptySymbol is returned when a stream is requested without a symbol.
var ErrEmptySymbol = errors.New("stream symbol is empty")

// Tick is a single pushed price for one exchange symbol.
type Tick struct {
	StreamSymbol string
	Price        float64
	ReceivedAt   time.Time
}

// Streamer opens live tick streams. The returned channel is closed when the
// connection ends, either by ctx cancellation or a read failure.
type Streamer interface {
	Stream(ctx context.Context, streamSymbol string) (<-chan Tick, error)
}

// tickFrame accepts both {"price": ...} and the exchange's trade payload {"p": "..."}.
type tickFrame struct {
	Price decimal.NullDecimal `json:"price"`
	P     decimal.NullDecimal `json:"p"`
}

func (f tickFrame) value() (decimal.Decimal, bool) {
	if f.Price.Valid {
		return f.Price.Decimal, true
	}
	if f.P.Valid {
		return f.P.Decimal, true
	}
	return decimal.Decimal{}, false
}

// WSStreamer dials one websocket per exchange symbol at <baseURL>/<symbol>.
type WSStreamer struct {
	baseURL     string
	logger      *zap.Logger
	readTimeout time.Duration
	bufferSize  int
}

var _ Streamer = (*WSStreamer)(nil)

// NewWSStreamer creates a streamer for the given base URL.
func NewWSStreamer(baseURL string, logger *zap.Logger) *WSStreamer {
	return &WSStreamer{
		baseURL:     strings.TrimRight(baseURL, "/"),
		logger:      logger.Named("tick-stream"),
		readTimeout: 60 * time.Second,
		bufferSize:  64,
	}
}

// Stream connects and starts delivering ticks until ctx is done.
func (s *WSStreamer) Stream(ctx context.Context, streamSymbol string) (<-chan Tick, error) {
	if streamSymbol == "" {
		return nil, ErrEmptySymbol
	}

	header := http.Header{}
	header.Set("Accept", "application/json")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	url := s.baseURL + "/" + streamSymbol
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, &FeedError{Op: "stream " + streamSymbol, Err: err}
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	ticks := make(chan Tick, s.bufferSize)
	done := make(chan struct{})

	// Unblock ReadMessage on cancellation.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(ticks)
		defer close(done)
		defer conn.Close()
		s.readLoop(ctx, conn, streamSymbol, ticks)
	}()

	s.logger.Debug("stream connected", zap.String("url", url))
	return ticks, nil
}

func (s *WSStreamer) readLoop(ctx context.Context, conn *websocket.Conn, streamSymbol string, out chan Tick) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		_, data, err := conn.ReadMessage()
		receivedAt := time.Now()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("stream read failed", zap.String("symbol", streamSymbol), zap.Error(err))
			}
			return
		}

		var frame tickFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Debug("dropping malformed frame", zap.String("symbol", streamSymbol), zap.Error(err))
			continue
		}
		price, ok := frame.value()
		if !ok {
			continue
		}

		tick := Tick{
			StreamSymbol: streamSymbol,
			Price:        price.InexactFloat64(),
			ReceivedAt:   receivedAt,
		}

		if ctx.Err() != nil {
			return
		}
		if offerNewest(out, tick) {
			s.logger.Warn("tick buffer full, dropped oldest tick", zap.String("symbol", streamSymbol))
		}
	}
}

// offerNewest enqueues tick without blocking. When out is full the oldest
// buffered tick is evicted to make room. out must have a single sender.
func offerNewest(out chan Tick, tick Tick) (evicted bool) {
	for {
		select {
		case out <- tick:
			return evicted
		default:
		}
		select {
		case <-out:
			evicted = true
		default:
		}
	}
}
