// Package wschannel is the transport channel to a chat network: an HTTP
// JSON API for mutations and history, and a websocket for inbound events.
package wschannel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tripchat/realtime/internal/chatnet"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/observability"
	"github.com/tripchat/realtime/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type Config struct {
	BaseURL string
	Token   string
	// SendRate paces outbound API calls per channel; zero disables pacing.
	SendRate   float64
	SendBurst  int
	Timeout    time.Duration
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

type Channel struct {
	conversationID string
	cfg            Config
	client         *http.Client
	dialer         *websocket.Dialer
	limiter        *rate.Limiter

	observers transport.Observers[domain.Event]
	// emitMu is held across a generation check and its emit, so nothing
	// from a replaced socket is delivered once Connect or Close returns.
	emitMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	gen     uint64
	onFault func(error)
}

var _ transport.Channel = (*Channel)(nil)

func New(conversationID string, cfg Config) *Channel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.Timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	return &Channel{
		conversationID: conversationID,
		cfg:            cfg,
		client:         client,
		dialer:         dialer,
		limiter:        limiter,
	}
}

// ConnectUser registers the local user with the network. It is not part
// of the channel contract; the network provider calls it before Connect.
func (c *Channel) ConnectUser(ctx context.Context, u domain.User) error {
	return c.do(ctx, http.MethodPost, "/v1/users/connect", u, nil)
}

func (c *Channel) Connect(ctx context.Context) error {
	c.emitMu.Lock()
	c.mu.Lock()
	c.teardownLocked()
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	c.emitMu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	conn, resp, err := c.dialer.DialContext(ctx, c.socketURL(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return decodeError(resp)
		}
		return domain.NewTransportFault("dial", err)
	}

	c.mu.Lock()
	if gen != c.gen {
		// closed or reconnected while dialing
		c.mu.Unlock()
		conn.Close()
		return domain.ErrNotConnected
	}
	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go c.readLoop(conn, gen)
	go c.pingLoop(conn, done)

	observability.GetLogger(ctx).Debug("wschannel: subscribed", zap.String("conversation_id", c.conversationID))
	return nil
}

func (c *Channel) Send(ctx context.Context, draft domain.Draft) (*domain.Message, error) {
	if !c.connected() {
		return nil, domain.ErrNotConnected
	}
	draft.ConversationID = c.conversationID
	var msg domain.Message
	if err := c.do(ctx, http.MethodPost, c.messagesPath(), draft, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Channel) Edit(ctx context.Context, messageID, body string, version int64) (*domain.Message, error) {
	if !c.connected() {
		return nil, domain.ErrNotConnected
	}
	var msg domain.Message
	req := chatnet.EditRequest{Body: body, Version: version}
	if err := c.do(ctx, http.MethodPatch, c.messagesPath()+"/"+url.PathEscape(messageID), req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Channel) Delete(ctx context.Context, messageID string) error {
	if !c.connected() {
		return domain.ErrNotConnected
	}
	return c.do(ctx, http.MethodDelete, c.messagesPath()+"/"+url.PathEscape(messageID), nil, nil)
}

func (c *Channel) History(ctx context.Context, limit int, before time.Time) ([]*domain.Message, error) {
	if !c.connected() {
		return nil, domain.ErrNotConnected
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	path := c.messagesPath()
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var msgs []*domain.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Channel) Unread(ctx context.Context) (int, error) {
	if !c.connected() {
		return 0, domain.ErrNotConnected
	}
	var out chatnet.UnreadResponse
	if err := c.do(ctx, http.MethodGet, c.conversationPath()+"/unread", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Channel) MarkRead(ctx context.Context, messageIDs []string) error {
	if !c.connected() {
		return domain.ErrNotConnected
	}
	return c.do(ctx, http.MethodPost, c.conversationPath()+"/read", chatnet.ReadRequest{MessageIDs: messageIDs}, nil)
}

func (c *Channel) Subscribe(fn func(domain.Event)) func() {
	return c.observers.Add(fn)
}

func (c *Channel) OnFault(fn func(error)) {
	c.mu.Lock()
	c.onFault = fn
	c.mu.Unlock()
}

func (c *Channel) Close() error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.gen++
	return nil
}

func (c *Channel) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) teardownLocked() {
	if c.conn == nil {
		return
	}
	close(c.done)
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"), deadline)
	c.conn.Close()
	c.conn = nil
	c.done = nil
}

func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.fault(gen, err)
			return
		}
		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Message == nil {
			observability.GetLogger(context.Background()).Warn("wschannel: dropping malformed frame",
				zap.String("conversation_id", c.conversationID), zap.Error(err))
			continue
		}

		if !c.emit(gen, ev) {
			return
		}
	}
}

func (c *Channel) emit(gen uint64, ev domain.Event) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	current := gen == c.gen
	c.mu.Unlock()
	if current {
		c.observers.Emit(ev)
	}
	return current
}

func (c *Channel) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// fault reports a link failure of the current socket once. Failures of a
// socket we closed ourselves are not faults.
func (c *Channel) fault(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.gen++
	sink := c.onFault
	c.mu.Unlock()

	observability.GetLogger(context.Background()).Warn("wschannel: link lost",
		zap.String("conversation_id", c.conversationID), zap.Error(err))
	if sink != nil {
		sink(domain.NewTransportFault("read", err))
	}
}

func (c *Channel) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return domain.NewTransportFault(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewTransportFault("decode", err)
	}
	return nil
}

// decodeError turns an API error response into a domain error.
func decodeError(resp *http.Response) error {
	var body chatnet.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil {
		body.Error = strings.TrimSpace(string(data))
	}
	return chatnet.ErrorFor(resp.StatusCode, body)
}

func (c *Channel) conversationPath() string {
	return "/v1/conversations/" + url.PathEscape(c.conversationID)
}

func (c *Channel) messagesPath() string {
	return c.conversationPath() + "/messages"
}

func (c *Channel) socketURL() string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return fmt.Sprintf("%s/ws?conversation_id=%s", base, url.QueryEscape(c.conversationID))
}
