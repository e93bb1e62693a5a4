// The ingester subscribes to the exchange trade stream and feeds the shared
// cache: last price and volume, the rolling history list, and the 1-minute
// candle. It runs as a separate process from the analysis engine; either
// side can restart without the other noticing.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"btc-signal-engine/config"
	"btc-signal-engine/internal/analysis"
	"btc-signal-engine/internal/cache"
	"btc-signal-engine/internal/history"
	"btc-signal-engine/internal/logging"
	"btc-signal-engine/internal/warnings"
)

// tradeEvent is the exchange trade stream payload. Price and quantity come
// as strings on the wire.
type tradeEvent struct {
	EventType string `json:"e"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

type ingester struct {
	cfg    config.IngestConfig
	cache  cache.Gateway
	store  *history.Store
	logger zerolog.Logger

	mu        sync.Mutex
	isRunning bool
	candle    *candleState
	lastWrite time.Time
}

// candleState accumulates the current 1-minute candle.
type candleState struct {
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
	Time   int64   `json:"t"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LoggingConfig)

	var gateway cache.Gateway
	if cfg.RedisConfig.MockMode {
		gateway = cache.NewMemoryGateway()
		logger.Info().Msg("Mock mode: using in-memory cache gateway")
	} else {
		gateway = cache.NewRedisGateway(cfg.RedisConfig, cfg.AnalysisConfig.MaxCacheAttempts, logger)
	}

	sink := warnings.NewSink(gateway.WarningStore(), logger)
	gateway.SetWarningHandler(sink.Record)
	store := history.NewStore(gateway, sink, cfg.AnalysisConfig.MaxHistory, logger)

	ing := &ingester{
		cfg:    cfg.IngestConfig,
		cache:  gateway,
		store:  store,
		logger: logger.With().Str("component", "ingester").Logger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go ing.connect(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	ing.stop()
	cancel()
}

func (i *ingester) stop() {
	i.mu.Lock()
	i.isRunning = false
	i.mu.Unlock()
}

func (i *ingester) running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.isRunning
}

// connect dials the trade stream and reconnects forever with a flat delay.
// The stream is best-effort; the analysis side tolerates gaps.
func (i *ingester) connect(ctx context.Context) {
	i.mu.Lock()
	i.isRunning = true
	i.mu.Unlock()

	for i.running() {
		i.logger.Info().Str("url", i.cfg.StreamURL).Msg("Connecting to trade stream")

		conn, _, err := websocket.DefaultDialer.Dial(i.cfg.StreamURL, nil)
		if err != nil {
			i.logger.Warn().Err(err).Msg("Connection failed, retrying in 5s")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		i.logger.Info().Msg("Trade stream connected")
		i.readLoop(ctx, conn)
		conn.Close()

		if !i.running() {
			return
		}
		i.logger.Warn().Msg("Connection lost, reconnecting in 3s")
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func (i *ingester) readLoop(ctx context.Context, conn *websocket.Conn) {
	for i.running() {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				i.logger.Info().Msg("Connection closed normally")
			} else {
				i.logger.Warn().Err(err).Msg("Read error")
			}
			return
		}
		i.handleMessage(ctx, message)
	}
}

func (i *ingester) handleMessage(ctx context.Context, message []byte) {
	var event tradeEvent
	if err := json.Unmarshal(message, &event); err != nil {
		i.logger.Debug().Err(err).Msg("Unparseable stream message")
		return
	}
	if event.EventType != "trade" {
		return
	}

	price, err := strconv.ParseFloat(event.Price, 64)
	if err != nil || !cache.ValidPrice(price) {
		return
	}
	volume, err := strconv.ParseFloat(event.Quantity, 64)
	if err != nil || !cache.ValidVolume(volume) {
		volume = 0
	}

	i.cache.SetString(ctx, history.KeyLastPrice, strconv.FormatFloat(price, 'f', -1, 64), 0)
	i.cache.SetString(ctx, history.KeyLastVolume, strconv.FormatFloat(volume, 'f', -1, 64), 0)
	i.updateCandle(ctx, price, volume, event.TradeTime)

	// History keeps one sample per minute, not one per trade.
	i.mu.Lock()
	due := time.Since(i.lastWrite) >= time.Minute
	if due {
		i.lastWrite = time.Now()
	}
	i.mu.Unlock()
	if due {
		i.store.Append(ctx, price, volume)
	}
}

// updateCandle folds a trade into the rolling 1-minute candle and publishes
// it on every update so readers always see the live partial candle.
func (i *ingester) updateCandle(ctx context.Context, price, volume float64, tradeTime int64) {
	minute := tradeTime / 60000 * 60000

	i.mu.Lock()
	if i.candle == nil || i.candle.Time != minute {
		i.candle = &candleState{Open: price, High: price, Low: price, Close: price, Volume: volume, Time: minute}
	} else {
		if price > i.candle.High {
			i.candle.High = price
		}
		if price < i.candle.Low {
			i.candle.Low = price
		}
		i.candle.Close = price
		i.candle.Volume += volume
	}
	snapshot := *i.candle
	i.mu.Unlock()

	i.cache.SetJSON(ctx, analysis.CandleKey(1), snapshot, 0)
}
