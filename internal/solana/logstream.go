package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quarry-trading/quarry/internal/retry"
)

// ---------------------------------------------------------------------------
// Chain log stream — logsSubscribe over WebSocket
// Feeds the pool detector with raw program log entries.
// ---------------------------------------------------------------------------

// LogStreamConfig configures the WebSocket log stream.
type LogStreamConfig struct {
	WSEndpoint       string   `yaml:"ws_endpoint"`
	ProgramIDs       []string `yaml:"program_ids"`
	ReconnectDelayMs int      `yaml:"reconnect_delay_ms"`
	PingIntervalS    int      `yaml:"ping_interval_s"`
}

// DefaultLogStreamConfig returns mainnet defaults watching Raydium and Pump.fun.
func DefaultLogStreamConfig() LogStreamConfig {
	return LogStreamConfig{
		WSEndpoint:       "wss://api.mainnet-beta.solana.com",
		ProgramIDs:       []string{string(RaydiumAMMV4), string(PumpFun)},
		ReconnectDelayMs: 1000,
		PingIntervalS:    30,
	}
}

// LogEvent is one log entry from a watched program's transaction.
type LogEvent struct {
	Signature  string    `json:"signature"`
	Slot       uint64    `json:"slot"`
	Logs       []string  `json:"logs"`
	Err        string    `json:"err,omitempty"` // non-empty = transaction failed on chain
	Session    int64     `json:"session"`       // increments on each reconnect
	ReceivedAt time.Time `json:"received_at"`
}

// LogStream subscribes to program logs and emits LogEvents. It reconnects
// with capped exponential backoff when the upstream connection drops.
type LogStream struct {
	config LogStreamConfig

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed atomic.Bool

	eventCh   chan LogEvent
	nextSubID atomic.Int64
	session   atomic.Int64

	messagesRecv atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
}

// NewLogStream creates a log stream for the configured programs.
func NewLogStream(config LogStreamConfig) *LogStream {
	return &LogStream{
		config:  config,
		eventCh: make(chan LogEvent, 256),
	}
}

// Start begins streaming. Returns the event channel; the channel is closed
// when ctx is cancelled. Loss of the upstream connection is never fatal.
func (s *LogStream) Start(ctx context.Context) <-chan LogEvent {
	go s.runLoop(ctx)
	return s.eventCh
}

func (s *LogStream) runLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("logstream: runLoop panic recovered")
		}
		s.mu.Lock()
		if s.closed.CompareAndSwap(false, true) {
			close(s.eventCh)
		}
		s.mu.Unlock()
	}()

	backoff := retry.Backoff{
		Initial: time.Duration(s.config.ReconnectDelayMs) * time.Millisecond,
		Max:     30 * time.Second,
	}

	for {
		select {
		case <-ctx.Done():
			s.disconnect()
			return
		default:
		}

		if err := s.connect(ctx); err != nil {
			s.reconnects.Add(1)
			delay := backoff.Next()
			log.Warn().Err(err).Dur("retry_in", delay).Msg("logstream: connection failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		backoff.Reset()
		s.session.Add(1)

		for _, programID := range s.config.ProgramIDs {
			if err := s.subscribe(programID); err != nil {
				log.Warn().Err(err).Str("program", shortAddr(programID)).
					Msg("logstream: subscribe failed")
			}
		}

		s.readLoop(ctx)
		s.disconnect()
		s.reconnects.Add(1)
	}
}

func (s *LogStream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.config.WSEndpoint, http.Header{})
	if err != nil {
		return fmt.Errorf("logstream: dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.connected.Store(true)

	log.Info().Str("endpoint", s.config.WSEndpoint).Msg("logstream: connected")
	return nil
}

func (s *LogStream) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected.Store(false)
}

// subscribe sends a logsSubscribe request for a program.
func (s *LogStream) subscribe(programID string) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("logstream: not connected")
	}

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      s.nextSubID.Add(1),
		"method":  "logsSubscribe",
		"params": []any{
			map[string]any{"mentions": []string{programID}},
			map[string]any{"commitment": "confirmed"},
		},
	}

	s.mu.Lock()
	err := s.conn.WriteJSON(req)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("logstream: write subscribe: %w", err)
	}

	log.Info().Str("program", shortAddr(programID)).Msg("logstream: subscribed to program logs")
	return nil
}

func (s *LogStream) readLoop(ctx context.Context) {
	pingInterval := time.Duration(s.config.PingIntervalS) * time.Second
	if pingInterval == 0 {
		pingInterval = 30 * time.Second
	}
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn != nil {
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.Debug().Err(err).Msg("logstream: ping failed")
					return
				}
			}
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Info().Msg("logstream: connection closed normally")
			} else {
				log.Warn().Err(err).Msg("logstream: read error, reconnecting")
			}
			s.connected.Store(false)
			return
		}

		s.messagesRecv.Add(1)
		s.handleMessage(message)
	}
}

func (s *LogStream) handleMessage(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("logstream: handleMessage panic recovered")
		}
	}()

	var notification struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Value struct {
					Signature string          `json:"signature"`
					Logs      []string        `json:"logs"`
					Err       json.RawMessage `json:"err"`
				} `json:"value"`
				Context struct {
					Slot uint64 `json:"slot"`
				} `json:"context"`
			} `json:"result"`
		} `json:"params"`
	}

	if err := json.Unmarshal(data, &notification); err != nil {
		return
	}

	if notification.Method != "logsNotification" {
		var subResp struct {
			Result int `json:"result"`
		}
		if json.Unmarshal(data, &subResp) == nil && subResp.Result > 0 {
			log.Debug().Int("sub_id", subResp.Result).Msg("logstream: subscription confirmed")
		}
		return
	}

	value := notification.Params.Result.Value
	event := LogEvent{
		Signature:  value.Signature,
		Slot:       notification.Params.Result.Context.Slot,
		Logs:       value.Logs,
		Session:    s.session.Load(),
		ReceivedAt: time.Now(),
	}
	if len(value.Err) > 0 && string(value.Err) != "null" {
		event.Err = string(value.Err)
	}

	// Synchronize channel send with close to prevent send-on-closed panics.
	s.mu.RLock()
	if !s.closed.Load() {
		select {
		case s.eventCh <- event:
		default:
			log.Warn().Msg("logstream: event channel full, dropping entry")
		}
	}
	s.mu.RUnlock()
}

// LogStreamStats are counters for the status facade.
type LogStreamStats struct {
	Connected    bool  `json:"connected"`
	MessagesRecv int64 `json:"messages_recv"`
	Reconnects   int64 `json:"reconnects"`
}

// Stats returns stream statistics.
func (s *LogStream) Stats() LogStreamStats {
	return LogStreamStats{
		Connected:    s.connected.Load(),
		MessagesRecv: s.messagesRecv.Load(),
		Reconnects:   s.reconnects.Load(),
	}
}

func shortAddr(addr string) string {
	if len(addr) > 8 {
		return addr[:8]
	}
	return addr
}
