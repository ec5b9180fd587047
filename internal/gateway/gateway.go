// Package gateway owns one WebSocket client connection per instance: it
// parses the framed message stream, routes each message to the session
// registries, and writes output frames back on the same connection.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/avelis/termgate/internal/logutil"
	"github.com/avelis/termgate/internal/protocol"
	"github.com/avelis/termgate/internal/sshpool"
	"github.com/avelis/termgate/internal/sshsession"
	"github.com/avelis/termgate/internal/termreg"
)

// Input rate limiting: maximum input messages per second per connection and
// the burst allowance for paste operations.
const (
	inputRateLimit = 200
	inputRateBurst = 200
)

// Resize requests clamp to these bounds.
const (
	maxResizeCols uint16 = 500
	maxResizeRows uint16 = 500
)

// outboundBuffer is the per-client frame queue size. When the queue is
// full, output frames are dropped for that client; ordering of delivered
// frames is preserved.
const outboundBuffer = 256

// Gateway dispatches client streams onto the two session registries.
type Gateway struct {
	Terms *termreg.Registry
	SSH   *sshsession.Registry

	// MaxFrameBytes bounds a single inbound frame. Larger frames get an
	// error frame and are discarded.
	MaxFrameBytes int64
}

// New wires a gateway over the given registries.
func New(terms *termreg.Registry, ssh *sshsession.Registry, maxFrameBytes int64) *Gateway {
	if maxFrameBytes <= 0 {
		maxFrameBytes = 1 << 20
	}
	return &Gateway{Terms: terms, SSH: ssh, MaxFrameBytes: maxFrameBytes}
}

// ServeHTTP upgrades the connection and runs the client until it drops.
// On disconnect every session owned by the client is closed.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("gateway: accept: %v", err)
		return
	}
	defer conn.CloseNow()

	// Twice the frame budget so oversized frames can be answered with an
	// error frame instead of a torn-down connection.
	conn.SetReadLimit(g.MaxFrameBytes * 2)

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, outboundBuffer),
	}

	go c.writePump()

	c.Send(protocol.ConnectionEstablished{
		Type:      "connection_established",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})

	g.readLoop(c)

	// Unblock pending creates, wait for them to settle, then sweep every
	// session this client still owns in either registry.
	cancel()
	c.pending.Wait()
	g.Terms.CloseAllForClient(c)
	g.SSH.CloseAllForClient(c)

	conn.Close(websocket.StatusNormalClosure, "")
}

// client is the Sink for all sessions owned by one connection.
type client struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte

	// pending tracks in-flight create operations so a disconnect sweep
	// cannot race a registration.
	pending sync.WaitGroup
}

// Send marshals and queues a frame. It never blocks: when the outbound
// buffer is full the frame is dropped and Send reports false.
func (c *client) Send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("gateway: marshal frame: %v", err)
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *client) writePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.out:
			if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (g *Gateway) readLoop(c *client) {
	limiter := newTokenBucket(inputRateBurst, inputRateLimit)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}

		if int64(len(data)) > g.MaxFrameBytes {
			c.Send(protocol.ErrorFrame("frame exceeds maximum size"))
			continue
		}

		var f protocol.ClientFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			c.Send(protocol.ErrorFrame("invalid frame"))
			continue
		}

		g.dispatch(c, f, limiter)
	}
}

func (g *Gateway) dispatch(c *client, f protocol.ClientFrame, limiter *tokenBucket) {
	switch f.Type {
	case protocol.KindCreateTerminal:
		g.async(c, func(ctx context.Context) {
			s, err := g.Terms.CreateLocal(c, f.Cols, f.Rows, f.Title, f.KubeContext)
			if err != nil {
				c.Send(protocol.ErrorFrame(err.Error()))
				return
			}
			c.Send(protocol.TerminalCreated{Type: "terminal_created", SessionID: s.ID, Title: s.Title})
		})

	case protocol.KindCreateSandbox:
		g.async(c, func(ctx context.Context) {
			s, err := g.Terms.CreateSandbox(ctx, c, f.Cols, f.Rows, f.Image, f.Title)
			if err != nil {
				c.Send(protocol.ErrorFrame(err.Error()))
				return
			}
			c.Send(protocol.TerminalCreated{
				Type: "terminal_created", SessionID: s.ID, Title: s.Title, IsSandbox: true,
			})
		})

	case protocol.KindCloneTerminal:
		g.async(c, func(ctx context.Context) { g.clone(ctx, c, f) })

	case protocol.KindInput:
		if limiter.allow() {
			g.Terms.Input(f.SessionID, []byte(f.Data))
		}

	case protocol.KindResize:
		cols, rows := clampSize(f.Cols, f.Rows)
		g.Terms.Resize(f.SessionID, cols, rows)

	case protocol.KindCloseTerminal:
		g.Terms.Close(f.SessionID)

	case protocol.KindCreateSSH:
		g.async(c, func(ctx context.Context) {
			params := sshpool.Params{
				Host:       f.Host,
				Port:       f.Port,
				Username:   f.Username,
				Password:   f.Password,
				PrivateKey: f.PrivateKey,
				Passphrase: f.Passphrase,
				Term:       f.Term,
			}
			s, err := g.SSH.Create(ctx, c, params, f.Cols, f.Rows)
			if err != nil {
				c.Send(protocol.ErrorFrame(err.Error()))
				return
			}
			c.Send(protocol.SSHCreated{
				Type: "ssh_created", SessionID: s.ID, Title: s.Title, Params: s.Safe(),
			})
		})

	case protocol.KindDuplicateSSH:
		g.async(c, func(ctx context.Context) {
			s, err := g.SSH.Duplicate(ctx, c, f.SessionID)
			if err != nil {
				c.Send(protocol.ErrorFrame(err.Error()))
				return
			}
			c.Send(protocol.SSHCreated{
				Type: "ssh_created", SessionID: s.ID, Title: s.Title, Params: s.Safe(),
				Duplicated: true,
			})
		})

	case protocol.KindReconnectSSH:
		g.async(c, func(ctx context.Context) {
			s, err := g.SSH.Reconnect(ctx, c, f.SessionID)
			if err != nil {
				c.Send(protocol.ErrorFrame(err.Error()))
				return
			}
			c.Send(protocol.SSHCreated{
				Type: "ssh_created", SessionID: s.ID, Title: s.Title, Params: s.Safe(),
				Reconnected: true,
			})
		})

	case protocol.KindSSHInput:
		if limiter.allow() {
			g.SSH.Input(f.SessionID, []byte(f.Data))
		}

	case protocol.KindSSHResize:
		cols, rows := clampSize(f.Cols, f.Rows)
		g.SSH.Resize(f.SessionID, cols, rows)

	case protocol.KindCloseSSH:
		g.SSH.Close(f.SessionID)

	default:
		log.Printf("gateway: ignoring unknown frame type %q", logutil.Sanitize(f.Type))
	}
}

// clone routes by the original's registry: local/sandbox sessions first,
// then remote sessions. All cloneType values behave as "simple".
func (g *Gateway) clone(ctx context.Context, c *client, f protocol.ClientFrame) {
	id := f.OriginalSessionID

	if orig, ok := g.Terms.Get(id); ok {
		s, err := g.Terms.Duplicate(ctx, c, id)
		if err != nil {
			c.Send(protocol.ErrorFrame(err.Error()))
			return
		}
		c.Send(protocol.TerminalCreated{
			Type:      "terminal_created",
			SessionID: s.ID,
			Title:     s.Title,
			Cloned:    true,
			IsSandbox: orig.Kind == termreg.KindSandbox,
			CloneType: f.CloneType,
		})
		return
	}

	if _, ok := g.SSH.Get(id); ok {
		s, err := g.SSH.Duplicate(ctx, c, id)
		if err != nil {
			c.Send(protocol.ErrorFrame(err.Error()))
			return
		}
		c.Send(protocol.SSHCreated{
			Type: "ssh_created", SessionID: s.ID, Title: s.Title, Params: s.Safe(),
			Cloned: true,
		})
		return
	}

	c.Send(protocol.ErrorFrame("unknown session: " + logutil.Sanitize(id)))
}

// async runs a potentially blocking operation off the read loop so a slow
// create cannot stall input, output, or close of other sessions.
func (g *Gateway) async(c *client, fn func(ctx context.Context)) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		fn(c.ctx)
	}()
}

func clampSize(cols, rows uint16) (uint16, uint16) {
	if cols > maxResizeCols {
		cols = maxResizeCols
	}
	if rows > maxResizeRows {
		rows = maxResizeRows
	}
	return cols, rows
}

// tokenBucket implements a simple token bucket rate limiter for terminal
// input messages.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
