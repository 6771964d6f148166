// ABOUTME: WebSocket client for the gateway used by CLI tools and nodes
// ABOUTME: Handles the connect handshake, request correlation, and events

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/protocol"
)

// ErrClosed is returned by Call after the connection has shut down.
var ErrClosed = errors.New("client closed")

// Options configure a Dial.
type Options struct {
	// ClientID identifies this program to the gateway. Defaults to a
	// fresh UUID.
	ClientID string
	// DisplayName is shown in presence snapshots for node connections.
	DisplayName string
	// Version reported during connect.
	Version string
	// Role defaults to operator.
	Role string
	// Auth carries the credentials to present. Nil relies on loopback.
	Auth *protocol.ConnectAuth
	// Node registration details, only meaningful with RoleNode.
	Caps     []string
	Commands []string
	// EventBuffer sizes the Events channel. Defaults to
	// protocol.ClientBufferSize.
	EventBuffer int
	Logger      *slog.Logger
}

// Client is a connected gateway session.
type Client struct {
	conn   *websocket.Conn
	hello  protocol.HelloOK
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *protocol.ResponseFrame
	closed  bool

	events chan *protocol.EventFrame
	done   chan struct{}
}

// Dial connects to a gateway WebSocket URL and performs the connect
// handshake. The returned client is ready for Call and Events.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.ClientID == "" {
		opts.ClientID = uuid.New().String()
	}
	if opts.Role == "" {
		opts.Role = protocol.RoleOperator
	}
	if opts.EventBuffer == 0 {
		opts.EventBuffer = protocol.ClientBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	conn.SetReadLimit(protocol.MaxPayloadBytes)

	c := &Client{
		conn:    conn,
		logger:  opts.Logger.With("component", "client"),
		pending: make(map[string]chan *protocol.ResponseFrame),
		events:  make(chan *protocol.EventFrame, opts.EventBuffer),
		done:    make(chan struct{}),
	}

	hello, err := c.handshake(ctx, opts)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, err
	}
	c.hello = *hello

	go c.readLoop()
	return c, nil
}

// handshake sends the connect request and decodes the hello-ok reply.
func (c *Client) handshake(ctx context.Context, opts Options) (*protocol.HelloOK, error) {
	params, err := json.Marshal(protocol.ConnectParams{
		MinProtocol: protocol.Version,
		MaxProtocol: protocol.Version,
		Client: protocol.ClientInfo{
			ID:          opts.ClientID,
			DisplayName: opts.DisplayName,
			Platform:    runtime.GOOS,
			Version:     opts.Version,
		},
		Role:     opts.Role,
		Auth:     opts.Auth,
		Caps:     opts.Caps,
		Commands: opts.Commands,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding connect params: %w", err)
	}

	req := protocol.RequestFrame{
		Type:   protocol.TypeRequest,
		ID:     uuid.New().String(),
		Method: "connect",
		Params: params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding connect frame: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("sending connect: %w", err)
	}

	_, reply, err := c.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}

	var resp struct {
		Type    string               `json:"type"`
		ID      string               `json:"id"`
		OK      bool                 `json:"ok"`
		Payload protocol.HelloOK     `json:"payload"`
		Error   *protocol.ErrorShape `json:"error"`
	}
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("decoding hello: %w", err)
	}
	if !resp.OK {
		if resp.Error != nil {
			return nil, fmt.Errorf("connect rejected: %w", resp.Error)
		}
		return nil, errors.New("connect rejected")
	}
	return &resp.Payload, nil
}

// Hello returns the handshake result: negotiated protocol, server info,
// advertised features, and the resolved role and scopes.
func (c *Client) Hello() protocol.HelloOK {
	return c.hello
}

// Events returns the channel of server-push events. It is closed when
// the connection shuts down. Consumers that fall behind lose events
// once the buffer fills, matching the gateway's own delivery policy.
func (c *Client) Events() <-chan *protocol.EventFrame {
	return c.events
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Call invokes a method and decodes a successful payload into out (which
// may be nil). Failed responses are returned as *protocol.ErrorShape.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		raw = data
	}

	id := uuid.New().String()
	ch := make(chan *protocol.ResponseFrame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(protocol.RequestFrame{
		Type: protocol.TypeRequest, ID: id, Method: method, Params: raw,
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return ErrClosed
		}
		if !resp.OK {
			if resp.Error != nil {
				return resp.Error
			}
			return errors.New("request failed")
		}
		if out != nil {
			payload, err := json.Marshal(resp.Payload)
			if err != nil {
				return fmt.Errorf("re-encoding payload: %w", err)
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return fmt.Errorf("decoding payload: %w", err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// readLoop demultiplexes inbound frames into pending calls and the
// events channel until the socket closes.
func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.events)
		close(c.done)
	}()

	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			return
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch probe.Type {
		case protocol.TypeResponse:
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(data, &resp); err != nil {
				c.logger.Warn("dropping malformed response", "error", err)
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			c.mu.Unlock()
			if ok {
				ch <- &resp
			}
		case protocol.TypeEvent:
			var ev protocol.EventFrame
			if err := json.Unmarshal(data, &ev); err != nil {
				c.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			select {
			case c.events <- &ev:
			default:
				// Consumer fell behind; drop rather than block reads.
			}
		}
	}
}

// Close shuts down the connection.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	<-c.done
	if err != nil && !errors.As(err, new(websocket.CloseError)) {
		return err
	}
	return nil
}
