package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/inspectctl/internal/inspector"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed    = errors.New("rpc: connection closed")
	ErrNoIsolate = errors.New("rpc: no isolate to inspect")
)

// Client is one websocket connection to a VM service.
type Client struct {
	cfg  Config
	conn *websocket.Conn

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu          sync.Mutex
	pending     map[string]chan *jsonrpc.Response
	subscribers map[uint64]func(inspector.Event)
	nextSub     uint64
	isolateID   string
	targetID    string
	extensions  []string

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to cfg.URL, retrying with backoff, subscribes to the event
// streams the inspector needs and resolves the isolate to inspect.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var attempt int
	for {
		attempt++
		conn, err := dialOnce(ctx, cfg)
		if err == nil {
			c := newClient(cfg, conn)
			if err := c.bootstrap(ctx); err != nil {
				_ = c.Close()
				return nil, err
			}
			log.Info().Str("url", cfg.URL).Str("isolate", c.IsolateID()).Msg("rpc.Client connected")
			return c, nil
		}
		log.Warn().Int("attempt", attempt).Str("url", cfg.URL).Err(err).Msg("rpc.Client dial failed")
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, err
		}
		if err := sleepBackoff(ctx, cfg.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

func dialOnce(ctx context.Context, cfg Config) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	if cfg.secure() {
		tlsCfg, err := clientTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, cfg.URL, nil)
	return conn, err
}

func newClient(cfg Config, conn *websocket.Conn) *Client {
	c := &Client{
		cfg:         cfg,
		conn:        conn,
		pending:     make(map[string]chan *jsonrpc.Response),
		subscribers: make(map[uint64]func(inspector.Event)),
		isolateID:   cfg.IsolateID,
		done:        make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	go c.readLoop()
	go c.pingLoop()
	return c
}

// Call issues one JSON-RPC request and waits for its response. Error
// objects come back as *inspector.RemoteError.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	key := strconv.FormatUint(c.seq.Add(1), 10)
	id, err := jsonrpc.MakeID(key)
	if err != nil {
		return nil, err
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode %s params: %w", method, err)
	}
	data, err := jsonrpc.EncodeMessage(&jsonrpc.Request{ID: id, Method: method, Params: rawParams})
	if err != nil {
		return nil, err
	}

	ch := make(chan *jsonrpc.Response, 1)
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return nil, c.closedErr()
	}
	c.pending[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.write(websocket.TextMessage, data); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, remoteError(method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	}
}

func remoteError(method string, err error) error {
	var wire *jsonrpc.Error
	if !errors.As(err, &wire) {
		return &inspector.RemoteError{Method: method, Message: err.Error()}
	}
	msg := wire.Message
	var data struct {
		Details string `json:"details"`
	}
	if len(wire.Data) > 0 && json.Unmarshal(wire.Data, &data) == nil && data.Details != "" {
		msg += ": " + data.Details
	}
	return &inspector.RemoteError{Method: method, Code: wire.Code, Message: msg}
}

func (c *Client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return c.closedErr()
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		c.shutdown(err)
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		msg, err := jsonrpc.DecodeMessage(data)
		if err != nil {
			log.Warn().Err(err).Msg("rpc.Client dropped undecodable message")
			continue
		}
		switch m := msg.(type) {
		case *jsonrpc.Response:
			c.deliver(m)
		case *jsonrpc.Request:
			if m.Method == methodStreamNotify {
				c.dispatchNotification(m.Params)
			}
		}
	}
}

func (c *Client) deliver(resp *jsonrpc.Response) {
	key := fmt.Sprint(resp.ID.Raw())
	c.mu.Lock()
	ch, ok := c.pending[key]
	c.mu.Unlock()
	if !ok {
		log.Debug().Str("id", key).Msg("rpc.Client response without caller")
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

// Subscribe registers fn for every decoded event. fn runs on the read loop.
func (c *Client) Subscribe(fn func(inspector.Event)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

func (c *Client) publish(ev inspector.Event) {
	c.mu.Lock()
	subs := make([]func(inspector.Event), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err is the reason the connection ended, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	if !c.isClosed() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
		if !errors.Is(cause, ErrClosed) {
			log.Warn().Str("url", c.cfg.URL).Err(cause).Msg("rpc.Client connection lost")
		}
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) closedErr() error {
	err := c.Err()
	if err == nil || errors.Is(err, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}
