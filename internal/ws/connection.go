package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/example/canvas-engine/internal/collab"
	"github.com/example/canvas-engine/internal/crdt"
)

var errSendBufferFull = errors.New("send buffer full")

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
	readLimit          int64
	updatesPerSecond   float64
	updateBurst        int
}

// Connection represents an upgraded WebSocket bound to one collaboration
// session.
type Connection struct {
	ws       *websocket.Conn
	session  *collab.Session
	identity Identity
	logger   zerolog.Logger
	send     chan []byte
	limiter  *rate.Limiter
	ctx      context.Context
	cancel   context.CancelFunc

	closeOnce sync.Once
	opts      connectionOptions
	onClose   func()
}

func newConnection(parent context.Context, conn *websocket.Conn, session *collab.Session, id Identity, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(parent)
	return &Connection{
		ws:       conn,
		session:  session,
		identity: id,
		logger:   logger,
		send:     make(chan []byte, opts.sendBufferSize),
		limiter:  rate.NewLimiter(rate.Limit(opts.updatesPerSecond), opts.updateBurst),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		onClose:  onClose,
	}
}

// Identity returns who is connected.
func (c *Connection) Identity() Identity { return c.identity }

// Send enqueues a frame for the writer goroutine. A full buffer closes the
// connection: the editor is too slow to keep up and must resync.
func (c *Connection) Send(f Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		gatewayFrames.WithLabelValues("out", f.Type).Inc()
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		gatewayDisconnects.WithLabelValues("backpressure").Inc()
		c.closeWithFrame(websocket.CloseTryAgainLater, "backpressure")
		return errSendBufferFull
	}
}

// Run sends the initial sync frame and pumps frames until the connection is
// closed. It blocks.
func (c *Connection) Run() {
	unsubscribe := c.session.Subscribe(func(u crdt.Update) {
		_ = c.Send(updateFrame(u))
	})
	defer unsubscribe()

	if err := c.Send(syncFrame(c.identity.ClientID, c.session.Document().State())); err != nil {
		c.Close()
		return
	}

	var wg sync.WaitGroup
	wg.Go(c.writeLoop)

	if err := c.readLoop(); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

// Close tears the connection down and releases the session. It is safe to
// call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.session.Close(ctx); err != nil {
			c.logger.Error().Err(err).Msg("close session")
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop() error {
	if c.opts.readLimit > 0 {
		c.ws.SetReadLimit(c.opts.readLimit)
	}
	deadline := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance+1)
	if c.opts.heartbeatInterval > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if kind != websocket.TextMessage {
			c.closeWithFrame(websocket.CloseUnsupportedData, "text frames only")
			return fmt.Errorf("unsupported message type %d", kind)
		}

		frame, err := decodeFrame(payload)
		if err != nil {
			gatewayDisconnects.WithLabelValues("malformed").Inc()
			c.closeWithFrame(websocket.ClosePolicyViolation, err.Error())
			return err
		}
		gatewayFrames.WithLabelValues("in", frame.Type).Inc()

		if frame.Type != FrameUpdate {
			continue
		}
		if err := c.limiter.Wait(c.ctx); err != nil {
			return err
		}
		if err := c.handleUpdate(*frame.Update); err != nil {
			c.closeWithFrame(websocket.ClosePolicyViolation, err.Error())
			return err
		}
	}
}

func (c *Connection) handleUpdate(update crdt.Update) error {
	if update.Origin != c.identity.ClientID {
		gatewayDisconnects.WithLabelValues("origin").Inc()
		return fmt.Errorf("update origin %q does not match client", update.Origin)
	}
	_, err := c.session.ApplyRemote(c.ctx, update)
	if errors.Is(err, crdt.ErrOutOfOrder) {
		// Hand the editor the current state so it can rebase.
		c.logger.Debug().Uint64("seq", update.Seq).Msg("client update out of order; resyncing")
		if err := c.Send(errorFrame(err.Error())); err != nil {
			return err
		}
		return c.Send(syncFrame(c.identity.ClientID, c.session.Document().State()))
	}
	return err
}

func (c *Connection) writeLoop() {
	var ping <-chan time.Time
	if c.opts.heartbeatInterval > 0 {
		ticker := time.NewTicker(c.opts.heartbeatInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				gatewayDisconnects.WithLabelValues("heartbeat").Inc()
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) closeWithFrame(code int, reason string) {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.opts.writeTimeout))
	c.cancel()
	// Unblock the reader so Run can finish.
	_ = c.ws.SetReadDeadline(time.Now())
}
