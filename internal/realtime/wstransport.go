package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/carebridge/caresync/internal/errs"
)

const (
	wsReadLimit  = 4 * 1024 * 1024
	pingInterval = 20 * time.Second
	realtimePath = "/realtime"
)

// wsConn abstracts the WebSocket connection for testing.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// subscribeFrame is the first frame sent on a new channel.
type subscribeFrame struct {
	Op     string `json:"op"`
	Topic  Topic  `json:"topic"`
	Filter string `json:"filter,omitempty"`
	Token  string `json:"token"`
}

// eventFrame is a change event as it appears on the wire. Timestamps are
// unix milliseconds.
type eventFrame struct {
	Op    string          `json:"op"`
	Topic Topic           `json:"topic"`
	Type  EventType       `json:"type"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
	TS    int64           `json:"ts"`
}

func (f eventFrame) changeEvent(fallback Topic) ChangeEvent {
	topic := f.Topic
	if topic == "" {
		topic = fallback
	}
	return ChangeEvent{
		Topic:     topic,
		Type:      f.Type,
		New:       f.New,
		Old:       f.Old,
		Timestamp: time.UnixMilli(f.TS).UTC(),
	}
}

// WSTransport opens one WebSocket connection per topic channel against
// the realtime endpoint.
type WSTransport struct {
	host   string
	token  string
	logger *slog.Logger

	// dial is swapped out in tests.
	dial func(ctx context.Context, url string) (wsConn, error)
}

func NewWSTransport(host, token string, logger *slog.Logger) *WSTransport {
	t := &WSTransport{
		host:   host,
		token:  token,
		logger: logger,
	}
	t.dial = t.dialWebSocket
	return t
}

func (t *WSTransport) dialWebSocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	return conn, nil
}

// OpenChannel dials a connection, sends the subscribe frame, and waits
// for the server ack before handing the channel over.
func (t *WSTransport) OpenChannel(ctx context.Context, topic Topic, filter string) (Channel, error) {
	conn, err := t.dial(ctx, "wss://"+t.host+realtimePath)
	if err != nil {
		return nil, err
	}

	frame, err := json.Marshal(subscribeFrame{
		Op:     "subscribe",
		Topic:  topic,
		Filter: filter,
		Token:  t.token,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("encoding subscribe frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("sending subscribe frame: %w", err)
	}

	_, ack, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("reading subscribe ack: %w", err)
	}
	if res := gjson.GetBytes(ack, "res").Str; res != "ok" {
		reason := gjson.GetBytes(ack, "msg").Str
		if reason == "" {
			reason = res
		}
		conn.Close(websocket.StatusNormalClosure, "subscribe rejected")
		return nil, fmt.Errorf("subscribe rejected for %s: %s", topic, reason)
	}

	ch := &wsChannel{
		conn:     conn,
		topic:    topic,
		logger:   t.logger,
		pingDone: make(chan struct{}),
		lastMsg:  time.Now(),
	}
	ch.pingCtx, ch.stopPing = context.WithCancel(context.Background())
	go ch.pingLoop()
	return ch, nil
}

// wsChannel is one live topic feed over a dedicated connection. A
// background pinger keeps the connection alive through idle periods.
type wsChannel struct {
	conn   wsConn
	topic  Topic
	logger *slog.Logger

	pingCtx  context.Context
	stopPing context.CancelFunc
	pingDone chan struct{}

	mu      sync.Mutex
	lastMsg time.Time

	closeOnce sync.Once
	closeErr  error
}

func (c *wsChannel) Recv(ctx context.Context) (ChangeEvent, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("reading event: %w", err)
		}
		c.touch()
		if typ != websocket.MessageText {
			c.logger.Debug("ignoring non-text frame", slog.String("topic", string(c.topic)))
			continue
		}

		switch op := gjson.GetBytes(data, "op").Str; op {
		case "event":
			var frame eventFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				c.logger.Warn("dropping undecodable event",
					slog.String("topic", string(c.topic)),
					slog.String("error", err.Error()))
				continue
			}
			return frame.changeEvent(c.topic), nil
		case "ping", "pong":
			continue
		case "bye":
			return ChangeEvent{}, errs.ErrChannelClosed
		default:
			c.logger.Debug("ignoring unexpected frame",
				slog.String("topic", string(c.topic)),
				slog.String("op", op))
		}
	}
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.stopPing()
		<-c.pingDone
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	})
	return c.closeErr
}

func (c *wsChannel) touch() {
	c.mu.Lock()
	c.lastMsg = time.Now()
	c.mu.Unlock()
}

func (c *wsChannel) idle() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastMsg)
}

// pingLoop sends a ping whenever the connection has been quiet for a
// full interval. A write failure stops the loop; the reader will surface
// the broken connection from Recv.
func (c *wsChannel) pingLoop() {
	defer close(c.pingDone)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.pingCtx.Done():
			return
		case <-ticker.C:
			if c.idle() < pingInterval {
				continue
			}
			if err := c.conn.Write(c.pingCtx, websocket.MessageText, []byte(`{"op":"ping"}`)); err != nil {
				c.logger.Debug("ping failed",
					slog.String("topic", string(c.topic)),
					slog.String("error", err.Error()))
				return
			}
		}
	}
}
