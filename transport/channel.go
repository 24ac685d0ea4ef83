// Package transport is the WebSocket channel bound to one voice session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/room4-2/voiceorder/messages"
)

const (
	DefaultGreetingText      = "Hello"
	DefaultGreetingDelay     = time.Second
	DefaultHeartbeatInterval = 30 * time.Second

	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	closeTimeout    = 3 * time.Second
	readLimit       = 512 * 1024
)

var (
	// ErrAlreadyOpened is returned when Open is called twice on a Channel.
	ErrAlreadyOpened = errors.New("transport: channel already opened")
	// ErrClosed is returned when the channel was closed while opening.
	ErrClosed = errors.New("transport: channel closed")
)

// Handler receives inbound messages in arrival order, on a single goroutine.
type Handler func(msg messages.Inbound)

// Config configures a Channel
type Config struct {
	// GreetingText is sent as start_conversation after GreetingDelay. A
	// negative GreetingDelay disables the greeting.
	GreetingText  string
	GreetingDelay time.Duration
	// HeartbeatInterval is the ping period. No pong deadline is enforced.
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	Dialer            *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.GreetingText == "" {
		c.GreetingText = DefaultGreetingText
	}
	if c.GreetingDelay == 0 {
		c.GreetingDelay = DefaultGreetingDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = writeTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = readLimit
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			HandshakeTimeout:  10 * time.Second,
			ReadBufferSize:    64 * 1024,
			WriteBufferSize:   64 * 1024,
			EnableCompression: true,
		}
	}
	return c
}

// Channel is a single-use bidirectional socket. State() is the one
// authoritative connection status.
type Channel struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger

	writeChan chan messages.Outbound
	closeChan chan struct{}
	readDone  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
	wg        sync.WaitGroup

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	opened    bool
	closing   bool
	lastPong  time.Time
	listeners []func(from, to State)
}

// New creates a disconnected channel.
func New(cfg Config, handler Handler, logger *zap.Logger) *Channel {
	return &Channel{
		cfg:       cfg.withDefaults(),
		handler:   handler,
		logger:    logger,
		writeChan: make(chan messages.Outbound, writeBufferSize),
		closeChan: make(chan struct{}),
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
		state:     Disconnected,
	}
}

// OnStateChange registers fn to run after every state transition. Listeners
// run outside the channel's lock, in registration order.
func (c *Channel) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// State returns the current connection status.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastPong returns when the last pong arrived, zero if none has.
func (c *Channel) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Done is closed once the channel has fully shut down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) setState(to State) bool {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		return false
	}
	c.state = to
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	c.logger.Debug("Channel state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	for _, fn := range listeners {
		fn(from, to)
	}
	return true
}

// Open dials url and starts the pumps. It fails if the handshake fails or
// the server rejects the upgrade.
func (c *Channel) Open(ctx context.Context, url string, header http.Header) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return ErrAlreadyOpened
	}
	c.opened = true
	c.mu.Unlock()

	c.setState(Connecting)
	c.logger.Info("Connecting voice channel", zap.String("url", url))

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("transport: dial %s: %w (status %d)", url, err, resp.StatusCode)
		} else {
			err = fmt.Errorf("transport: dial %s: %w", url, err)
		}
		c.setState(Error)
		c.finish()
		return err
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		c.setState(Disconnected)
		c.finish()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	conn.SetReadLimit(c.cfg.ReadLimit)
	c.setState(Connected)
	c.logger.Info("Voice channel connected")

	c.wg.Add(3)
	go c.writePump(conn)
	go c.readPump(conn)
	go c.keepAlive()
	go c.supervise(conn)
	return nil
}

// Send queues msg for delivery. It is a silent no-op returning false unless
// the channel is connected and not closing.
func (c *Channel) Send(msg messages.Outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Connected || c.closing {
		return false
	}
	return c.enqueueLocked(msg)
}

func (c *Channel) enqueueLocked(msg messages.Outbound) bool {
	select {
	case c.writeChan <- msg:
		return true
	default:
		c.logger.Warn("Write queue full, dropping message", zap.String("type", msg.MessageType()))
		return false
	}
}

// Close shuts the channel down. When sendEndSession is set and the channel
// is connected, end_session is flushed before the close frame. Close is
// idempotent and safe in any state.
func (c *Channel) Close(sendEndSession bool) {
	c.mu.Lock()
	if !c.opened {
		c.opened = true
		c.closing = true
		c.mu.Unlock()
		c.finish()
		return
	}
	if c.closing {
		state := c.state
		c.mu.Unlock()
		if state == Error {
			c.setState(Disconnected)
		}
		c.wait()
		return
	}
	c.closing = true
	state := c.state
	if sendEndSession && state == Connected {
		c.enqueueLocked(messages.NewEndSession())
	}
	c.mu.Unlock()

	switch state {
	case Connected:
		c.closeOnce.Do(func() { close(c.closeChan) })
		c.wait()
	case Error:
		c.setState(Disconnected)
	}
}

func (c *Channel) wait() {
	select {
	case <-c.done:
	case <-time.After(closeTimeout):
		c.logger.Warn("Voice channel did not close in time, forcing")
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		<-c.done
	}
}

func (c *Channel) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// terminate starts shutdown after a failure or a remote close.
func (c *Channel) terminate(err error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.mu.Unlock()

	if err != nil {
		c.setState(Error)
	}
	c.closeOnce.Do(func() { close(c.closeChan) })
}

// supervise closes the socket once every pump has exited and settles the
// final state.
func (c *Channel) supervise(conn *websocket.Conn) {
	c.wg.Wait()
	conn.Close()
	<-c.readDone
	c.setState(Disconnected)
	c.logger.Info("Voice channel closed")
	c.finish()
}

// writePump handles all outgoing messages in a single goroutine
func (c *Channel) writePump(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		select {
		case <-c.closeChan:
			c.drain(conn)
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			// Give the server a moment to answer the close frame.
			select {
			case <-c.readDone:
			case <-time.After(time.Second):
			}
			conn.Close()
			return
		case msg := <-c.writeChan:
			if err := c.write(conn, msg); err != nil {
				c.logger.Warn("Voice channel write failed", zap.Error(err))
				c.terminate(err)
				conn.Close()
				return
			}

			n := len(c.writeChan)
			for i := 0; i < n; i++ {
				select {
				case msg := <-c.writeChan:
					if err := c.write(conn, msg); err != nil {
						c.logger.Warn("Voice channel write failed", zap.Error(err))
						c.terminate(err)
						conn.Close()
						return
					}
				default:
				}
			}
		}
	}
}

// drain writes whatever was queued before the close.
func (c *Channel) drain(conn *websocket.Conn) {
	for {
		select {
		case msg := <-c.writeChan:
			if err := c.write(conn, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, msg messages.Outbound) error {
	data, err := messages.Encode(msg)
	if err != nil {
		c.logger.Error("Cannot encode outbound message", zap.String("type", msg.MessageType()), zap.Error(err))
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) readPump(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.readDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		msg, err := messages.Decode(data)
		if err != nil {
			c.logger.Warn("Ignoring inbound frame", zap.Error(err))
			continue
		}

		if _, ok := msg.(*messages.Pong); ok {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		}
		if c.handler != nil {
			c.handler(msg)
		}
	}
}

func (c *Channel) handleReadError(err error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("Voice channel closed by server", zap.Error(err))
		c.terminate(nil)
		return
	}
	c.logger.Warn("Voice channel read failed", zap.Error(err))
	c.terminate(err)
}

// keepAlive sends the greeting trigger once and a ping every heartbeat
// interval while the channel is open.
func (c *Channel) keepAlive() {
	defer c.wg.Done()

	var greeting <-chan time.Time
	if c.cfg.GreetingDelay > 0 {
		t := time.NewTimer(c.cfg.GreetingDelay)
		defer t.Stop()
		greeting = t.C
	}
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-greeting:
			greeting = nil
			if c.Send(messages.NewStartConversation(c.cfg.GreetingText)) {
				c.logger.Debug("Greeting sent")
			}
		case <-ticker.C:
			c.Send(messages.NewPing())
		}
	}
}
