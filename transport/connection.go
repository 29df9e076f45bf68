// Package transport carries relay traffic over a WebSocket: JSON control
// messages as text frames and chunk frames as binary frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"wsdrop/protocol"
)

const (
	// DefaultPingPeriod is how often a ping is written on an open connection.
	DefaultPingPeriod = 30 * time.Second
	// DefaultPongWait is how long a connection may stay silent before it is dropped.
	DefaultPongWait = 60 * time.Second
	// DefaultWriteWait bounds one frame write.
	DefaultWriteWait = 10 * time.Second
	// DefaultSendBuffer is the number of queued outbound frames.
	DefaultSendBuffer = 256
	// DefaultReadLimit fits one 64 KiB chunk frame plus header.
	DefaultReadLimit = 64*1024 + protocol.FrameHeaderSize
)

var (
	// ErrClosed indicates a send on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
)

// ConnectionState is the lifecycle state of one WebSocket connection.
type ConnectionState string

const (
	StateReady        ConnectionState = "READY"
	StateClosing      ConnectionState = "CLOSING"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// Options controls keepalive and buffering of a Conn.
type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
	Logger     logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = DefaultPingPeriod
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.PongWait <= o.PingPeriod {
		o.PongWait = o.PingPeriod * 2
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Message is one inbound WebSocket frame.
type Message struct {
	Binary bool
	Data   []byte
}

type outbound struct {
	messageType int
	data        []byte
}

// Conn serializes writes through one writer goroutine and delivers reads in
// arrival order through Inbound.
type Conn struct {
	ws      *websocket.Conn
	options Options
	logger  logrus.FieldLogger

	send    chan outbound
	inbound chan Message

	stateMu sync.RWMutex
	state   ConnectionState

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewConn wraps an established WebSocket and starts its pumps.
func NewConn(ws *websocket.Conn, options Options) *Conn {
	options = options.withDefaults()
	c := &Conn{
		ws:      ws,
		options: options,
		logger:  options.Logger.WithField("remote", ws.RemoteAddr().String()),
		send:    make(chan outbound, options.SendBuffer),
		inbound: make(chan Message, options.SendBuffer),
		closed:  make(chan struct{}),
		state:   StateReady,
	}

	ws.SetReadLimit(options.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(options.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(options.PongWait))
	})

	go c.readPump()
	go c.writePump()
	return c
}

// State returns the current connection state.
func (c *Conn) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed once the connection is fully disconnected.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the error that ended the connection, if any.
func (c *Conn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Inbound delivers frames in the order they were read. It is never closed;
// select on Done as well.
func (c *Conn) Inbound() <-chan Message {
	return c.inbound
}

// SendJSON marshals a control message and queues it as a text frame.
func (c *Conn) SendJSON(message any) error {
	payload, err := protocol.EncodeJSON(message)
	if err != nil {
		return err
	}
	return c.enqueue(outbound{messageType: websocket.TextMessage, data: payload})
}

// SendBinary queues a chunk frame. It blocks while the send buffer is full.
func (c *Conn) SendBinary(frame []byte) error {
	return c.enqueue(outbound{messageType: websocket.BinaryMessage, data: frame})
}

// ReceiveMessage waits for the next inbound frame.
func (c *Conn) ReceiveMessage(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		if err := c.LastError(); err != nil {
			return Message{}, err
		}
		return Message{}, io.EOF
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close sends a close frame and tears the connection down.
func (c *Conn) Close() error {
	c.setState(StateClosing)
	deadline := time.Now().Add(c.options.WriteWait)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.closeWithError(nil)
	return nil
}

func (c *Conn) enqueue(msg outbound) error {
	select {
	case <-c.closed:
		return c.sendError()
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.closed:
		return c.sendError()
	}
}

func (c *Conn) sendError() error {
	if err := c.LastError(); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return ErrClosed
}

func (c *Conn) readPump() {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.options.PongWait))

		msg := Message{Binary: messageType == websocket.BinaryMessage, Data: data}
		select {
		case c.inbound <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.options.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteWait))
			if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
				c.closeWithError(fmt.Errorf("write frame: %w", err))
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.options.WriteWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.closeWithError(fmt.Errorf("write ping: %w", err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) setState(state ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		if err != nil {
			c.logger.WithError(err).Debug("connection closed")
		}
		c.setState(StateDisconnected)
		_ = c.ws.Close()
		close(c.closed)
	})
}
