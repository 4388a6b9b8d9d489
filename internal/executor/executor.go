// Package executor submits close commands to the trading terminal. The
// terminal executor speaks the bridge's websocket protocol; the simulated
// executor fills from cached prices for dry runs and tests.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hedgesystem/closebot/internal/domain"
)

// RateLimiter bounds the command rate toward the terminal. Implemented by
// the Redis sliding-window limiter.
type RateLimiter interface {
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// Config holds terminal executor connection parameters.
type Config struct {
	// URL is the terminal bridge websocket endpoint for commands.
	URL string
	// Token authenticates the session; sent in the first frame.
	Token string
	// ReconnectDelay spaces reconnect attempts after a drop.
	ReconnectDelay time.Duration
	// DedupTTL is the window within which a request ID is rejected as a
	// duplicate submission.
	DedupTTL time.Duration
	// CommandsPerSecond caps close commands toward the terminal. Zero
	// disables rate limiting.
	CommandsPerSecond int
}

// DefaultConfig returns the standard executor configuration.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    2 * time.Second,
		DedupTTL:          2 * time.Minute,
		CommandsPerSecond: 5,
	}
}

// closeCommand is the outbound close frame.
type closeCommand struct {
	Type       string  `json:"type"`
	RequestID  string  `json:"request_id"`
	PositionID string  `json:"position_id"`
	Mode       string  `json:"mode"`
	LimitPrice float64 `json:"limit_price,omitempty"`
	TrailStart float64 `json:"trail_start,omitempty"`
	TrailStep  float64 `json:"trail_step,omitempty"`
}

// closeResult is the inbound result frame.
type closeResult struct {
	Type          string  `json:"type"`
	RequestID     string  `json:"request_id"`
	Success       bool    `json:"success"`
	ExecutedPrice float64 `json:"executed_price"`
	Message       string  `json:"message"`
}

type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// TerminalExecutor maintains the command session with the terminal bridge
// and correlates close results back to waiting callers by request ID.
type TerminalExecutor struct {
	cfg    Config
	dedup  *Dedup
	limit  RateLimiter
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan closeResult
}

// NewTerminalExecutor creates a TerminalExecutor. The rate limiter may be
// nil to disable command pacing.
func NewTerminalExecutor(cfg Config, limit RateLimiter, logger *slog.Logger) *TerminalExecutor {
	return &TerminalExecutor{
		cfg:     cfg,
		dedup:   NewDedup(cfg.DedupTTL),
		limit:   limit,
		logger:  logger.With(slog.String("component", "terminal_executor")),
		pending: make(map[string]chan closeResult),
	}
}

// Run maintains the command connection until ctx is cancelled, reconnecting
// with the configured delay. ExecuteClose fails with ErrDisconnected while
// no session is up.
func (e *TerminalExecutor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := e.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("terminal executor disconnected, reconnecting",
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.ReconnectDelay):
		}
	}
}

func (e *TerminalExecutor) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, e.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("executor: dial %s: %w", e.cfg.URL, err)
	}

	if err := conn.WriteJSON(authFrame{Type: "auth", Token: e.cfg.Token}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("executor: auth: %w", err)
	}

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	e.logger.Info("terminal executor connected", slog.String("url", e.cfg.URL))

	defer func() {
		e.mu.Lock()
		e.conn = nil
		// Fail everything in flight; the recovery engine decides on retry.
		for id, ch := range e.pending {
			close(ch)
			delete(e.pending, id)
		}
		e.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("executor: read: %w", err)
		}

		var res closeResult
		if err := json.Unmarshal(data, &res); err != nil || res.Type != "close_result" {
			continue
		}
		e.deliver(res)
	}
}

func (e *TerminalExecutor) deliver(res closeResult) {
	e.mu.Lock()
	ch, ok := e.pending[res.RequestID]
	if ok {
		delete(e.pending, res.RequestID)
	}
	e.mu.Unlock()
	if !ok {
		e.logger.Debug("unmatched close result", slog.String("request_id", res.RequestID))
		return
	}
	ch <- res
	close(ch)
}

// ExecuteClose submits one close command and waits for the terminal's
// result. It honors the context deadline and returns ErrDisconnected when no
// session is up. A request ID enters the dedup window only once the terminal
// accepts it, so the recovery engine can resubmit a failed attempt.
func (e *TerminalExecutor) ExecuteClose(ctx context.Context, req domain.CloseRequest, pos domain.Position) (float64, error) {
	if e.dedup.Seen(req.ID) {
		return 0, fmt.Errorf("executor: duplicate close request %s: %w", req.ID, domain.ErrInvalidRequest)
	}
	if e.limit != nil && e.cfg.CommandsPerSecond > 0 {
		if err := e.limit.Wait(ctx, "terminal_close", e.cfg.CommandsPerSecond, time.Second); err != nil {
			return 0, fmt.Errorf("executor: rate limit: %w", err)
		}
	}

	cmd := closeCommand{
		Type:       "close",
		RequestID:  req.ID,
		PositionID: pos.ID,
		Mode:       string(req.Mode),
		LimitPrice: req.LimitPrice,
	}
	if req.Trail != nil {
		cmd.TrailStart = req.Trail.StartOffset
		cmd.TrailStep = req.Trail.TrailOffset
	}

	ch := make(chan closeResult, 1)

	e.mu.Lock()
	conn := e.conn
	if conn == nil {
		e.mu.Unlock()
		return 0, fmt.Errorf("executor: close %s: %w", pos.ID, domain.ErrDisconnected)
	}
	e.pending[req.ID] = ch
	err := conn.WriteJSON(cmd)
	e.mu.Unlock()

	if err != nil {
		e.abandon(req.ID)
		return 0, fmt.Errorf("executor: send close %s: %w", pos.ID, err)
	}

	select {
	case <-ctx.Done():
		e.abandon(req.ID)
		return 0, ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return 0, fmt.Errorf("executor: close %s: %w", pos.ID, domain.ErrDisconnected)
		}
		if !res.Success {
			return 0, fmt.Errorf("executor: close rejected: %s", res.Message)
		}
		e.dedup.Mark(req.ID)
		return res.ExecutedPrice, nil
	}
}

func (e *TerminalExecutor) abandon(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, requestID)
}
