// Package client is a reconnecting push client. Each connection goes through
// CONNECTING → OPEN → {CLOSING, FAILED} → CONNECTING; after every OPEN the
// tracked conversations are resynchronized through history, since the server
// keeps nothing for a disconnected session.
package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"market-chat/domain"
	"market-chat/protocol"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc/backoff"
)

var ErrNotConnected = fmt.Errorf("client is not connected")

type State int

const (
	Connecting State = iota
	Open
	Closing
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	// BaseURL of the gateway, e.g. http://localhost:8080
	BaseURL         string
	Token           string
	Backoff         backoff.Config
	DialTimeout     time.Duration
	HistoryPageSize int
	// OnState is called on every transition, from the Run goroutine.
	OnState func(State)
}

type Client struct {
	log    *slog.Logger
	cfg    Config
	dialer *websocket.Dialer
	http   *http.Client
	frames chan protocol.Frame

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	cursors map[domain.ConversationID]int64
}

func New(log *slog.Logger, cfg Config) *Client {
	if cfg.Backoff == (backoff.Config{}) {
		cfg.Backoff = backoff.DefaultConfig
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 50
	}
	return &Client{
		log:     log,
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		http:    &http.Client{Timeout: cfg.DialTimeout},
		frames:  make(chan protocol.Frame, 256),
		cursors: make(map[domain.ConversationID]int64),
	}
}

// Frames delivers server frames, message frames in sequence order per
// conversation and without duplicates across reconnects.
func (c *Client) Frames() <-chan protocol.Frame {
	return c.frames
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Track registers a conversation for resync, starting after afterSequence.
// A conversation already tracked keeps the higher cursor.
func (c *Client) Track(conversationID domain.ConversationID, afterSequence int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cursor, ok := c.cursors[conversationID]; !ok || afterSequence > cursor {
		c.cursors[conversationID] = afterSequence
	}
}

func (c *Client) Cursor(conversationID domain.ConversationID) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[conversationID]
}

// Send writes a frame on the current connection.
func (c *Client) Send(frameType, requestID string, data any) error {
	frame, err := protocol.NewFrame(frameType, requestID, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.state != Open {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(frame)
}

// Run keeps a connection open until ctx is done. It only returns once the
// final CLOSING transition happened; the frames channel is closed then.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.frames)
	retries := 0
	for {
		c.transition(Connecting, nil)
		conn, err := c.dial(ctx)
		if err == nil {
			err = c.resync(ctx)
			if err == nil {
				retries = 0
				c.transition(Open, conn)
				err = c.readLoop(ctx, conn)
			}
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			c.transition(Closing, nil)
			return nil
		}
		c.log.Warn("Connection lost", "error", err, "retries", retries)
		c.transition(Failed, nil)

		select {
		case <-time.After(c.delay(retries)):
			retries++
		case <-ctx.Done():
			c.transition(Closing, nil)
			return nil
		}
	}
}

func (c *Client) transition(state State, conn *websocket.Conn) {
	c.mu.Lock()
	c.state = state
	c.conn = conn
	c.mu.Unlock()
	c.log.Debug("Client state", "state", state)
	if c.cfg.OnState != nil {
		c.cfg.OnState(state)
	}
}

// delay follows the grpc backoff recipe: base * multiplier^retries, capped,
// with ± jitter.
func (c *Client) delay(retries int) time.Duration {
	b := c.cfg.Backoff
	if retries == 0 {
		return b.BaseDelay
	}
	d := math.Min(float64(b.BaseDelay)*math.Pow(b.Multiplier, float64(retries)), float64(b.MaxDelay))
	d *= 1 + b.Jitter*(rand.Float64()*2-1)
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/v1/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return conn, nil
}

// resync pages through the history of every tracked conversation.
func (c *Client) resync(ctx context.Context) error {
	c.mu.Lock()
	cursors := make(map[domain.ConversationID]int64, len(c.cursors))
	for id, seq := range c.cursors {
		cursors[id] = seq
	}
	c.mu.Unlock()

	for id, after := range cursors {
		for {
			page, err := c.History(ctx, id, after, c.cfg.HistoryPageSize)
			if err != nil {
				return fmt.Errorf("resync %s: %w", id, err)
			}
			for _, msg := range page.Messages {
				frame, err := protocol.NewFrame(protocol.TypeMessage, "", msg)
				if err != nil {
					return err
				}
				c.deliver(ctx, frame)
			}
			if !page.HasMore || page.LastSequence <= after {
				break
			}
			after = page.LastSequence
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		c.deliver(ctx, frame)
	}
}

// deliver drops message frames at or below the conversation cursor, which
// happens when a live frame overlaps the resync page.
func (c *Client) deliver(ctx context.Context, frame protocol.Frame) {
	if frame.Type == protocol.TypeMessage {
		var msg protocol.Message
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			c.log.Warn("Malformed message frame", "error", err)
			return
		}
		id := domain.ConversationID(msg.ConversationID)
		c.mu.Lock()
		if cursor, ok := c.cursors[id]; ok && msg.Sequence <= cursor {
			c.mu.Unlock()
			return
		}
		c.cursors[id] = msg.Sequence
		c.mu.Unlock()
	}
	select {
	case c.frames <- frame:
	case <-ctx.Done():
	}
}

// History calls the fallback endpoint.
func (c *Client) History(ctx context.Context, conversationID domain.ConversationID, afterSequence int64, pageSize int) (protocol.HistoryPage, error) {
	q := url.Values{}
	q.Set("conversationId", string(conversationID))
	q.Set("afterSequence", strconv.FormatInt(afterSequence, 10))
	q.Set("pageSize", strconv.Itoa(pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/v1/history?"+q.Encode(), nil)
	if err != nil {
		return protocol.HistoryPage{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return protocol.HistoryPage{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var apiErr protocol.Error
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return protocol.HistoryPage{}, fmt.Errorf("history: status %d", resp.StatusCode)
		}
		return protocol.HistoryPage{}, &APIError{Status: resp.StatusCode, Body: apiErr}
	}
	var page protocol.HistoryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return protocol.HistoryPage{}, fmt.Errorf("history: %w", err)
	}
	return page, nil
}

// APIError is a protocol error returned by the fallback endpoints.
type APIError struct {
	Status int
	Body   protocol.Error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Body.Code, e.Body.Message)
}

// IsRetryable reports whether err is worth retrying as is.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.Body.Retryable
	}
	return true
}
