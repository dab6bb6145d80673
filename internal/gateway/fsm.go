package gateway

import (
	"fmt"
	"time"
)

// Connection lifecycle states.
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateAwaitingHello
	stateIdentifying
	stateResuming
	stateConnected
	stateClosing
	stateHalted
)

func (s connState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateAwaitingHello:
		return "awaiting_hello"
	case stateIdentifying:
		return "identifying"
	case stateResuming:
		return "resuming"
	case stateConnected:
		return "connected"
	case stateClosing:
		return "closing"
	case stateHalted:
		return "halted"
	default:
		return "invalid"
	}
}

type eventKind int

const (
	evStart eventKind = iota // initial kick or retry timer fired
	evDialOK
	evDialFail
	evHello
	evReady
	evResumed
	evInvalidSession
	evReconnectRequest
	evSocketClosed
	evAbort
)

// event is a protocol or socket occurrence fed to the machine.
type event struct {
	kind         eventKind
	interval     time.Duration // evHello: heartbeat interval
	sessionFresh bool          // evHello: persisted session available
	resumable    bool          // evInvalidSession
	closeCode    int           // evSocketClosed; 0 = no close frame (network error)
	connectedFor time.Duration // evSocketClosed: time since the socket opened
}

type effectKind int

const (
	fxDial effectKind = iota
	fxSendIdentify
	fxSendResume
	fxStartHeartbeat
	fxStopHeartbeat
	fxPersistSession
	fxClearSession
	fxCloseSocket
	fxSignalReady
	fxReconnectAfter
	fxHalt
)

// effect is an instruction for the socket adapter. The machine never
// performs I/O itself.
type effect struct {
	kind     effectKind
	interval time.Duration // fxStartHeartbeat
	delay    time.Duration // fxReconnectAfter
	reason   string        // fxHalt
}

var backoffLadder = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

const (
	maxAttempts           = 100
	quickDisconnectWindow = 5 * time.Second
	quickDisconnectTrips  = 3
	rateLimitDelay        = 60 * time.Second
	invalidSessionDelay   = 3 * time.Second
)

// machine is the connection state machine. It owns every reconnect,
// downgrade and halt decision; the adapter translates socket I/O into
// events and executes the returned effects.
type machine struct {
	state         connState
	intentLevel   int
	lastGoodLevel int
	hasSession    bool
	forceRefresh  bool

	attempts   int // consecutive failures, reset on every successful open
	quickDrops int // consecutive sub-5s connections

	pendingReconnect bool
	pendingDelay     time.Duration
}

func newMachine(startLevel int) machine {
	level := clampLevel(startLevel)
	return machine{
		state:         stateDisconnected,
		intentLevel:   level,
		lastGoodLevel: level,
	}
}

func (m *machine) step(ev event) []effect {
	switch ev.kind {
	case evStart:
		if m.state != stateDisconnected {
			return nil
		}
		m.state = stateConnecting
		return []effect{{kind: fxDial}}

	case evDialOK:
		m.state = stateAwaitingHello
		m.attempts = 0
		// Start each connection at the last level the vendor accepted,
		// unless we are mid-probe at a narrower one.
		if m.lastGoodLevel > m.intentLevel {
			m.intentLevel = m.lastGoodLevel
		}
		return nil

	case evDialFail:
		m.state = stateDisconnected
		return m.retryEffects(nil)

	case evHello:
		m.hasSession = ev.sessionFresh
		hb := effect{kind: fxStartHeartbeat, interval: ev.interval}
		if m.hasSession {
			m.state = stateResuming
			return []effect{{kind: fxSendResume}, hb}
		}
		m.state = stateIdentifying
		return []effect{{kind: fxSendIdentify}, hb}

	case evReady:
		m.state = stateConnected
		m.lastGoodLevel = m.intentLevel
		m.hasSession = true
		return []effect{{kind: fxPersistSession}, {kind: fxSignalReady}}

	case evResumed:
		m.state = stateConnected
		m.hasSession = true
		return []effect{{kind: fxPersistSession}, {kind: fxSignalReady}}

	case evInvalidSession:
		effects := []effect{{kind: fxStopHeartbeat}}
		if !ev.resumable {
			m.hasSession = false
			effects = append(effects, effect{kind: fxClearSession})
			if m.intentLevel < levelFloor {
				m.intentLevel++
			} else {
				m.forceRefresh = true
			}
		}
		m.state = stateClosing
		m.pendingReconnect = true
		m.pendingDelay = invalidSessionDelay
		return append(effects, effect{kind: fxCloseSocket})

	case evReconnectRequest:
		m.state = stateClosing
		m.pendingReconnect = true
		m.pendingDelay = 0
		return []effect{{kind: fxStopHeartbeat}, {kind: fxCloseSocket}}

	case evSocketClosed:
		return m.socketClosed(ev)

	case evAbort:
		m.pendingReconnect = false
		switch m.state {
		case stateAwaitingHello, stateIdentifying, stateResuming, stateConnected, stateClosing:
			m.state = stateClosing
			return []effect{{kind: fxStopHeartbeat}, {kind: fxCloseSocket}}
		default:
			m.state = stateDisconnected
			return nil
		}
	}
	return nil
}

func (m *machine) socketClosed(ev event) []effect {
	// Closes we initiated (reconnect request, invalid session, abort).
	if m.state == stateClosing {
		m.state = stateDisconnected
		if m.pendingReconnect {
			m.pendingReconnect = false
			return []effect{{kind: fxReconnectAfter, delay: m.pendingDelay}}
		}
		return nil
	}

	effects := []effect{{kind: fxStopHeartbeat}}

	// Quick-disconnect guard bookkeeping.
	if ev.connectedFor > 0 && ev.connectedFor < quickDisconnectWindow {
		m.quickDrops++
	} else {
		m.quickDrops = 0
	}

	switch {
	case ev.closeCode == closeFatalOffline || ev.closeCode == closeFatalBanned:
		m.state = stateHalted
		return append(effects, effect{
			kind:   fxHalt,
			reason: fmt.Sprintf("fatal close code %d", ev.closeCode),
		})

	case ev.closeCode == closeNormal:
		m.state = stateDisconnected
		return effects

	case ev.closeCode == closeRateLimited:
		// Fixed long delay; the attempt counter is not charged.
		m.state = stateDisconnected
		return append(effects, effect{kind: fxReconnectAfter, delay: rateLimitDelay})

	case ev.closeCode == closeInvalidToken:
		m.forceRefresh = true
		m.state = stateDisconnected
		return m.retryEffects(effects)

	case ev.closeCode == closeInvalidSession || ev.closeCode == closeBadSequence ||
		ev.closeCode == closeSessionTimeout ||
		(ev.closeCode >= closeInternalMin && ev.closeCode <= closeInternalMax):
		m.hasSession = false
		m.forceRefresh = true
		m.state = stateDisconnected
		effects = append(effects, effect{kind: fxClearSession})
		return m.retryEffects(effects)

	default:
		m.state = stateDisconnected
		return m.retryEffects(effects)
	}
}

// retryEffects charges one attempt and appends either the next ladder
// delay or a halt once the ceiling is reached.
func (m *machine) retryEffects(effects []effect) []effect {
	idx := m.attempts
	if idx >= len(backoffLadder) {
		idx = len(backoffLadder) - 1
	}
	delay := backoffLadder[idx]
	m.attempts++

	if m.attempts >= maxAttempts {
		m.state = stateHalted
		return append(effects, effect{
			kind:   fxHalt,
			reason: fmt.Sprintf("giving up after %d attempts", m.attempts),
		})
	}

	if m.quickDrops >= quickDisconnectTrips {
		delay = rateLimitDelay
		m.quickDrops = 0
	}

	return append(effects, effect{kind: fxReconnectAfter, delay: delay})
}
