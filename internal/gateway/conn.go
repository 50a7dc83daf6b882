// Package gateway runs the per-connection protocol state machine: handshake, authentication, subscription, and
// delivery of router-enqueued frames, over the plain-text line wire protocol in internal/wire.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/collabhub/pushgate/internal/registry"
	"github.com/collabhub/pushgate/internal/wire"
)

const (
	// maxMessageSize bounds a single inbound line; handshake frames and listen commands are both small.
	maxMessageSize = 4096

	// writeWait bounds how long a single outbound write may take.
	writeWait = 10 * time.Second

	// handshakeTimeout bounds how long a connection may sit in AwaitingUser/AwaitingPassword before being dropped.
	handshakeTimeout = 10 * time.Second

	// sendBufferSize is the outbound channel's fixed capacity. On overflow the newest frame is dropped rather than
	// blocking the router or killing the connection.
	sendBufferSize = 256
)

// state is the connection's position in the handshake/auth state machine.
type state int

const (
	stateAwaitingUser state = iota
	stateAwaitingPassword
	stateAuthenticated
	stateClosed
)

// wsConn is the subset of *websocket.Conn (github.com/fasthttp/websocket) the connection actor needs. Defined as an
// interface so tests can drive the state machine without a real socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Conn is one WebSocket connection's actor. It implements registry.Handle.
type Conn struct {
	id   uuid.UUID
	ws   wsConn
	auth Authenticator
	reg  *registry.Registry
	log  zerolog.Logger

	send chan []byte
	done chan struct{}

	closeOnce  sync.Once
	cleanupOne sync.Once

	mu           sync.RWMutex
	st           state
	pendingUser  string
	userID       string
	notifyFileID bool

	// OnDropped, if set, is called once per frame discarded because the outbound channel was full.
	OnDropped func()
}

var _ registry.Handle = (*Conn)(nil)

// NewConn builds a connection actor around an already-upgraded WebSocket connection.
func NewConn(ws wsConn, auth Authenticator, reg *registry.Registry, log zerolog.Logger) *Conn {
	return &Conn{
		id:   uuid.New(),
		ws:   ws,
		auth: auth,
		reg:  reg,
		log:  log.With().Str("component", "gateway").Logger(),
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
		st:   stateAwaitingUser,
	}
}

// ID implements registry.Handle.
func (c *Conn) ID() uuid.UUID { return c.id }

// UserID implements registry.Handle. Empty until authentication succeeds.
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// NotifyFileIDEnabled reports whether this connection opted into batched file-id frames.
func (c *Conn) NotifyFileIDEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.notifyFileID
}

// Send implements registry.Handle. It never blocks: on a full outbound channel the frame is dropped.
func (c *Conn) Send(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
	case <-c.done:
	default:
		if c.OnDropped != nil {
			c.OnDropped()
		}
	}
}

// Close implements registry.Handle, tearing down the connection's goroutines and underlying socket. It sends a
// best-effort close control frame first; if the peer already disconnected this write simply fails and is ignored.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closeFrame(CloseShutdown, "shutting down")
		close(c.done)
	})
	_ = c.ws.Close()
}

// closeFrame sends a WebSocket close control frame with the given code and reason. Best-effort: if the peer
// already disconnected this simply fails silently.
func (c *Conn) closeFrame(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// Serve runs the connection's read and write loops. It blocks until the connection closes, either because the peer
// disconnected, a protocol violation occurred, authentication failed, or Close was called (e.g. by a reset signal).
// The caller is responsible for the initial WebSocket upgrade; Serve owns everything after that.
func (c *Conn) Serve(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.readLoop(ctx)

	c.Close()
	wg.Wait()
	c.cleanup()
}

func (c *Conn) cleanup() {
	c.cleanupOne.Do(func() {
		c.mu.Lock()
		c.st = stateClosed
		c.mu.Unlock()
		c.reg.Remove(c.id)
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))

	for {
		_, line, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		if c.handleLine(ctx, line) {
			return
		}
	}
}

// handleLine processes one inbound line according to the current state. It returns true when the connection should
// be torn down.
func (c *Conn) handleLine(ctx context.Context, line []byte) bool {
	c.mu.Lock()
	st := c.st
	c.mu.Unlock()

	switch st {
	case stateAwaitingUser:
		c.mu.Lock()
		c.pendingUser = string(line)
		c.st = stateAwaitingPassword
		c.mu.Unlock()
		return false

	case stateAwaitingPassword:
		return c.authenticate(ctx, string(line))

	case stateAuthenticated:
		cmd := wire.ParseCommand(line)
		if cmd.Verb == "listen" && cmd.Arg == wire.ListenFeatureNotifyFileID {
			c.mu.Lock()
			c.notifyFileID = true
			c.mu.Unlock()
		}
		// Unknown commands are ignored, per the protocol's forward-compatibility rule.
		return false

	default:
		c.log.Warn().Err(ErrProtocolViolation).Msg("line received after connection closed")
		c.closeFrame(CloseProtocolViolation, "protocol violation")
		return true
	}
}

func (c *Conn) authenticate(ctx context.Context, secret string) bool {
	c.mu.RLock()
	user := c.pendingUser
	c.mu.RUnlock()

	authCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	userID, ok, err := c.auth.Authenticate(authCtx, user, secret)
	if err != nil {
		c.log.Warn().Err(err).Msg("authentication request failed")
	}
	if !ok {
		c.log.Info().Err(ErrAuthFailed).Str("user", user).Msg("rejecting connection")
		c.enqueue(wire.NewErrFrame("Invalid credentials"))
		c.closeFrame(CloseAuthFailed, "authentication failed")
		return true
	}

	c.mu.Lock()
	c.userID = userID
	c.st = stateAuthenticated
	c.mu.Unlock()

	// The handshake deadline no longer applies once the connection is authenticated.
	_ = c.ws.SetReadDeadline(time.Time{})

	c.reg.Add(c)
	c.enqueue(wire.NewAuthenticatedFrame())
	return false
}

// enqueue hands frame to writeLoop, the socket's sole writer. Unlike Send, it never drops: the handshake's own
// reply frames (the auth result, or an error right before the connection closes) must reach the peer.
func (c *Conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	}
}

// writeLoop is the socket's sole writer, draining c.send until done is closed. Once done closes, any frames already
// buffered are flushed before returning, so a frame enqueued just before Close (e.g. the auth result or an error
// reply) still reaches the peer.
func (c *Conn) writeLoop() {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case frame := <-c.send:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
