// Package gateway maintains the persistent WebSocket connection to the
// vendor push gateway: handshake, heartbeat, resume, reconnect policy
// and the inbound processing queue.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/qqclaw/internal/botapi"
	"github.com/roelfdiedericks/qqclaw/internal/logging"
)

// ErrHalted is returned by Run when the connection stops permanently
// (fatal close code or retry ceiling), as opposed to ctx cancellation.
var ErrHalted = errors.New("gateway connection halted")

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultHeartbeat        = 45 * time.Second
	preHelloReadDeadline    = 60 * time.Second
	deliverTimeout          = 5 * time.Minute
)

// SenderSink receives sightings of message authors. Implementations
// must return quickly; persistence happens on their side.
type SenderSink interface {
	Observe(kind, openID, displayName string)
}

// Handlers are the application hooks for one connection.
type Handlers struct {
	OnReady func(meta ReadyMeta)
	OnError func(err error)
	Deliver func(ctx context.Context, ev InboundEvent) error
}

// Config for one account connection.
type Config struct {
	AccountID        string
	HandshakeTimeout time.Duration
}

// Conn owns one account's gateway connection. Create with NewConn and
// drive with Run; all other methods are status accessors.
type Conn struct {
	cfg      Config
	api      *botapi.Client
	store    SessionRepository
	norm     *Normalizer
	senders  SenderSink
	handlers Handlers

	// owned by the run goroutine
	machine        machine
	gatewayToken   string
	botID          string
	botName        string
	resumed        bool
	retryDelay     time.Duration
	reconnectArmed bool
	haltReason     string

	queue *eventQueue

	mu         sync.RWMutex
	ws         *websocket.Conn
	seq        int64
	sessionID  string
	hbInterval time.Duration
	hbStop     chan struct{}
	connected  bool
	connSince  time.Time
	lastError  error
	reconnects int

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConn(cfg Config, api *botapi.Client, store SessionRepository, norm *Normalizer, senders SenderSink, handlers Handlers) *Conn {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Conn{
		cfg:      cfg,
		api:      api,
		store:    store,
		norm:     norm,
		senders:  senders,
		handlers: handlers,
		queue:    newEventQueue(queueCapacity),
	}
}

// Run connects and blocks until ctx is cancelled or the connection
// halts permanently. On cancel it stops the heartbeat, closes the
// socket and flushes buffered session state.
func (c *Conn) Run(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.cancel()

	level := LevelFull
	if state, ok := c.store.Load(c.cfg.AccountID); ok {
		level = state.IntentLevel
		c.mu.Lock()
		c.seq = state.LastSequence
		c.sessionID = state.SessionID
		c.mu.Unlock()
		logging.L_info("gateway: loaded persisted session", "account", c.cfg.AccountID,
			"sessionId", state.SessionID, "seq", state.LastSequence, "intentLevel", levelName(level))
	}
	c.machine = newMachine(level)

	c.wg.Add(1)
	go c.processLoop()

	err := c.connectLoop()

	c.stopHeartbeat()
	c.closeSocket()
	c.cancel()
	c.wg.Wait()
	c.flushState()

	if err != nil {
		logging.L_error("gateway: connection halted", "account", c.cfg.AccountID, "error", err)
	} else {
		logging.L_info("gateway: connection stopped", "account", c.cfg.AccountID)
	}
	return err
}

// connectLoop drives the machine through dial/read cycles until the
// machine stops arming reconnects.
func (c *Conn) connectLoop() error {
	for attempt := 0; ; attempt++ {
		if c.ctx.Err() != nil {
			return nil
		}
		if c.machine.state == stateHalted {
			return fmt.Errorf("%w: %s", ErrHalted, c.haltReason)
		}

		if attempt > 0 {
			if !c.reconnectArmed {
				logging.L_info("gateway: not reconnecting", "account", c.cfg.AccountID)
				return nil
			}
			c.reconnectArmed = false
			if c.retryDelay > 0 {
				logging.L_info("gateway: waiting before reconnect", "account", c.cfg.AccountID,
					"delay", c.retryDelay, "attempts", c.machine.attempts)
				select {
				case <-time.After(c.retryDelay):
				case <-c.ctx.Done():
					return nil
				}
			}
			c.retryDelay = 0
			if c.ctx.Err() != nil {
				return nil
			}
		}

		c.apply(c.machine.step(event{kind: evStart}))
		if c.machine.state != stateAwaitingHello {
			// dial failed; the machine armed a retry or halted
			continue
		}

		c.readLoop()

		c.mu.Lock()
		c.connected = false
		c.reconnects++
		c.mu.Unlock()
	}
}

// dial obtains a token and the gateway URL, then opens the socket.
func (c *Conn) dial() {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	if c.machine.forceRefresh {
		logging.L_info("gateway: forcing token refresh before connect", "account", c.cfg.AccountID)
		c.api.InvalidateToken()
		c.machine.forceRefresh = false
	}

	token, err := c.api.Token(ctx)
	if err != nil {
		c.dialFailed(fmt.Errorf("obtain access token: %w", err))
		return
	}

	wsURL, err := c.api.GatewayURL(ctx)
	if err != nil {
		c.dialFailed(fmt.Errorf("fetch gateway url: %w", err))
		return
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.dialFailed(fmt.Errorf("dial %s: %w", wsURL, err))
		return
	}

	c.gatewayToken = token
	c.mu.Lock()
	c.ws = ws
	c.connSince = time.Now()
	c.mu.Unlock()

	logging.L_debug("gateway: socket open", "account", c.cfg.AccountID, "url", wsURL)
	c.apply(c.machine.step(event{kind: evDialOK}))
}

func (c *Conn) dialFailed(err error) {
	logging.L_warn("gateway: connect failed", "account", c.cfg.AccountID, "error", err)
	c.setLastError(err)
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
	c.apply(c.machine.step(event{kind: evDialFail}))
}

// readLoop reads frames until the socket dies, feeding the machine.
func (c *Conn) readLoop() {
	ws := c.socket()
	if ws == nil {
		return
	}
	opened := time.Now()

	for {
		if c.ctx.Err() != nil {
			c.apply(c.machine.step(event{kind: evAbort}))
			return
		}

		// A silent peer surfaces as a read timeout and takes the
		// normal close/reconnect path.
		deadline := preHelloReadDeadline
		if hb := c.heartbeatInterval(); hb > 0 {
			deadline = 2 * hb
		}
		_ = ws.SetReadDeadline(time.Now().Add(deadline))

		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				c.apply(c.machine.step(event{kind: evAbort}))
				return
			}
			code := 0
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			if c.machine.state != stateClosing {
				logging.L_warn("gateway: socket closed", "account", c.cfg.AccountID,
					"closeCode", code, "error", err, "connectedFor", time.Since(opened).Round(time.Millisecond))
				c.setLastError(err)
			}
			c.apply(c.machine.step(event{
				kind:         evSocketClosed,
				closeCode:    code,
				connectedFor: time.Since(opened),
			}))
			return
		}

		c.handleFrame(data)
	}
}

func (c *Conn) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		logging.L_warn("gateway: undecodable frame", "error", err, "bytes", len(data))
		return
	}

	if f.S > 0 {
		c.recordSequence(f.S)
	}

	switch f.Op {
	case opHello:
		c.handleHello(f)
	case opDispatch:
		c.handleDispatch(f)
	case opHeartbeatAck:
		logging.L_trace("gateway: heartbeat ack", "account", c.cfg.AccountID)
	case opHeartbeat:
		// server may request an immediate beat
		c.sendHeartbeat()
	case opReconnect:
		logging.L_info("gateway: server requested reconnect", "account", c.cfg.AccountID)
		c.apply(c.machine.step(event{kind: evReconnectRequest}))
	case opInvalidSess:
		var resumable bool
		_ = json.Unmarshal(f.D, &resumable)
		logging.L_warn("gateway: invalid session", "account", c.cfg.AccountID,
			"resumable", resumable, "intentLevel", levelName(c.machine.intentLevel))
		c.apply(c.machine.step(event{kind: evInvalidSession, resumable: resumable}))
	default:
		logging.L_debug("gateway: unhandled op", "op", f.Op, "name", opName(f.Op))
	}
}

func (c *Conn) handleHello(f frame) {
	var hello helloData
	if err := json.Unmarshal(f.D, &hello); err != nil {
		logging.L_warn("gateway: bad hello payload", "error", err)
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = defaultHeartbeat
	}

	state, ok := c.store.Load(c.cfg.AccountID)
	if ok {
		c.mu.Lock()
		c.sessionID = state.SessionID
		if state.LastSequence > c.seq {
			c.seq = state.LastSequence
		}
		c.mu.Unlock()
	}

	logging.L_debug("gateway: hello", "account", c.cfg.AccountID,
		"heartbeatInterval", interval, "haveSession", ok)
	c.apply(c.machine.step(event{kind: evHello, interval: interval, sessionFresh: ok}))
}

func (c *Conn) handleDispatch(f frame) {
	switch f.T {
	case eventReady:
		var ready readyData
		if err := json.Unmarshal(f.D, &ready); err != nil {
			logging.L_warn("gateway: bad ready payload", "error", err)
		}
		c.mu.Lock()
		c.sessionID = ready.SessionID
		c.mu.Unlock()
		c.botID = ready.User.ID
		c.botName = ready.User.Username
		c.resumed = false
		logging.L_info("gateway: ready", "account", c.cfg.AccountID, "sessionId", ready.SessionID,
			"bot", ready.User.Username, "intentLevel", levelName(c.machine.intentLevel))
		c.apply(c.machine.step(event{kind: evReady}))

	case eventResumed:
		c.resumed = true
		logging.L_info("gateway: resumed", "account", c.cfg.AccountID, "seq", c.sequence())
		c.apply(c.machine.step(event{kind: evResumed}))

	default:
		ev, ok := c.norm.Normalize(c.ctx, f.T, f.D)
		if !ok {
			logging.L_trace("gateway: ignoring dispatch", "type", f.T)
			return
		}
		if c.senders != nil {
			c.senders.Observe(ev.Kind, ev.SenderID, ev.SenderName)
		}
		c.queue.Push(ev)
		logging.L_debug("gateway: queued inbound", "account", c.cfg.AccountID, "kind", ev.Kind,
			"messageId", ev.MessageID, "queued", c.queue.Len())
	}
}

// apply executes machine effects in order.
func (c *Conn) apply(effects []effect) {
	for _, eff := range effects {
		switch eff.kind {
		case fxDial:
			c.dial()
		case fxSendIdentify:
			c.sendIdentify()
		case fxSendResume:
			c.sendResume()
		case fxStartHeartbeat:
			c.startHeartbeat(eff.interval)
		case fxStopHeartbeat:
			c.stopHeartbeat()
		case fxPersistSession:
			c.persistSession()
		case fxClearSession:
			c.clearSession()
		case fxCloseSocket:
			c.closeSocket()
		case fxSignalReady:
			c.signalReady()
		case fxReconnectAfter:
			c.reconnectArmed = true
			c.retryDelay = eff.delay
		case fxHalt:
			c.haltReason = eff.reason
		}
	}
}

func (c *Conn) sendIdentify() {
	mask := intentBitmask(c.machine.intentLevel)
	logging.L_info("gateway: identifying", "account", c.cfg.AccountID,
		"intentLevel", levelName(c.machine.intentLevel), "intents", fmt.Sprintf("%#x", mask))
	err := c.writeJSON(identifyFrame{
		Op: opIdentify,
		D: identifyData{
			Token:   "QQBot " + c.gatewayToken,
			Intents: mask,
			Shard:   [2]int{0, 1},
		},
	})
	if err != nil {
		logging.L_error("gateway: identify send failed", "error", err)
		c.setLastError(err)
	}
}

func (c *Conn) sendResume() {
	c.mu.RLock()
	sessionID := c.sessionID
	seq := c.seq
	c.mu.RUnlock()

	logging.L_info("gateway: resuming", "account", c.cfg.AccountID, "sessionId", sessionID, "seq", seq)
	err := c.writeJSON(resumeFrame{
		Op: opResume,
		D: resumeData{
			Token:     "QQBot " + c.gatewayToken,
			SessionID: sessionID,
			Seq:       seq,
		},
	})
	if err != nil {
		logging.L_error("gateway: resume send failed", "error", err)
		c.setLastError(err)
	}
}

func (c *Conn) startHeartbeat(interval time.Duration) {
	c.stopHeartbeat()

	stop := make(chan struct{})
	c.mu.Lock()
	c.hbStop = stop
	c.hbInterval = interval
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		logging.L_debug("gateway: heartbeat started", "account", c.cfg.AccountID, "interval", interval)
		for {
			select {
			case <-stop:
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.sendHeartbeat()
			}
		}
	}()
}

func (c *Conn) stopHeartbeat() {
	c.mu.Lock()
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	c.hbInterval = 0
	c.mu.Unlock()
}

func (c *Conn) sendHeartbeat() {
	var d *int64
	if seq := c.sequence(); seq > 0 {
		d = &seq
	}
	if err := c.writeJSON(heartbeatFrame{Op: opHeartbeat, D: d}); err != nil {
		logging.L_warn("gateway: heartbeat send failed", "account", c.cfg.AccountID, "error", err)
		return
	}
	logging.L_trace("gateway: heartbeat sent", "account", c.cfg.AccountID)
}

// recordSequence stores a dispatch sequence and persists it through the
// store's write throttle.
func (c *Conn) recordSequence(s int64) {
	c.mu.Lock()
	c.seq = s
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID == "" || c.machine.state != stateConnected {
		return
	}
	c.persistSession()
}

func (c *Conn) persistSession() {
	c.mu.RLock()
	state := SessionState{
		AccountID:       c.cfg.AccountID,
		SessionID:       c.sessionID,
		LastSequence:    c.seq,
		IntentLevel:     c.machine.intentLevel,
		LastConnectedAt: time.Now(),
	}
	c.mu.RUnlock()

	if state.SessionID == "" {
		return
	}
	if err := c.store.Save(state); err != nil {
		logging.L_error("gateway: session persist failed", "account", c.cfg.AccountID, "error", err)
	}
}

func (c *Conn) clearSession() {
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()

	if err := c.store.Clear(c.cfg.AccountID); err != nil {
		logging.L_error("gateway: session clear failed", "account", c.cfg.AccountID, "error", err)
	}
}

func (c *Conn) signalReady() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	if c.handlers.OnReady == nil {
		return
	}
	c.handlers.OnReady(ReadyMeta{
		AccountID: c.cfg.AccountID,
		SessionID: c.sessionIDSnapshot(),
		BotID:     c.botID,
		Username:  c.botName,
		Resumed:   c.resumed,
	})
}

func (c *Conn) closeSocket() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws == nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = ws.Close()
}

// processLoop consumes the inbound queue one event at a time, polling
// while idle. Panics and errors are contained per event.
func (c *Conn) processLoop() {
	defer c.wg.Done()
	for {
		if c.ctx.Err() != nil {
			return
		}
		ev, ok := c.queue.Pop()
		if !ok {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(queuePollInterval):
			}
			continue
		}
		c.handleEvent(ev)
	}
}

func (c *Conn) handleEvent(ev InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			logging.L_error("gateway: event handler panicked", "panic", r,
				"messageId", ev.MessageID, "kind", ev.Kind)
		}
	}()

	if c.handlers.Deliver == nil {
		logging.L_debug("gateway: no deliver handler, dropping event", "messageId", ev.MessageID)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, deliverTimeout)
	defer cancel()

	start := time.Now()
	if err := c.handlers.Deliver(ctx, ev); err != nil {
		logging.L_error("gateway: deliver failed", "account", c.cfg.AccountID,
			"messageId", ev.MessageID, "error", err)
		if c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}
		return
	}
	logging.L_elapsed(start, "gateway: event delivered", "account", c.cfg.AccountID,
		"kind", ev.Kind, "messageId", ev.MessageID)
}

func (c *Conn) flushState() {
	if f, ok := c.store.(interface{ Flush() }); ok {
		f.Flush()
	}
	if f, ok := c.senders.(interface{ Flush() }); ok {
		f.Flush()
	}
}

func (c *Conn) writeJSON(v interface{}) error {
	ws := c.socket()
	if ws == nil {
		return errors.New("socket not open")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(v)
}

func (c *Conn) socket() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ws
}

func (c *Conn) sequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seq
}

func (c *Conn) sessionIDSnapshot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Conn) heartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hbInterval
}

func (c *Conn) setLastError(err error) {
	c.mu.Lock()
	c.lastError = err
	c.mu.Unlock()
}

// AccountID returns the account this connection serves.
func (c *Conn) AccountID() string {
	return c.cfg.AccountID
}

// IsConnected reports whether the session is fully established.
func (c *Conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Uptime returns how long the current socket has been open.
func (c *Conn) Uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.connSince.IsZero() {
		return 0
	}
	return time.Since(c.connSince)
}

// Reconnects returns the number of completed connection cycles.
func (c *Conn) Reconnects() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnects
}

// LastError returns the most recent connection error, if any.
func (c *Conn) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastError == nil {
		return ""
	}
	return c.lastError.Error()
}

// QueueDepth returns the number of inbound events waiting.
func (c *Conn) QueueDepth() int {
	return c.queue.Len()
}
