package gateway

import (
	"testing"
	"time"
)

func drive(t *testing.T, m *machine, evs ...event) []effect {
	t.Helper()
	var last []effect
	for _, ev := range evs {
		last = m.step(ev)
	}
	return last
}

func hasEffect(effs []effect, kind effectKind) bool {
	for _, eff := range effs {
		if eff.kind == kind {
			return true
		}
	}
	return false
}

func reconnectDelay(t *testing.T, effs []effect) time.Duration {
	t.Helper()
	for _, eff := range effs {
		if eff.kind == fxReconnectAfter {
			return eff.delay
		}
	}
	t.Fatalf("no reconnect effect in %v", effs)
	return 0
}

func mustState(t *testing.T, m *machine, want connState) {
	t.Helper()
	if m.state != want {
		t.Fatalf("state = %v, want %v", m.state, want)
	}
}

// openConnection drives a machine through dial and hello to READY.
func openConnection(t *testing.T, m *machine, sessionFresh bool) {
	t.Helper()
	drive(t, m, event{kind: evStart}, event{kind: evDialOK})
	drive(t, m, event{kind: evHello, interval: 45 * time.Second, sessionFresh: sessionFresh})
}

func TestIdentifyWhenNoSession(t *testing.T) {
	m := newMachine(LevelFull)

	effs := drive(t, &m, event{kind: evStart})
	if !hasEffect(effs, fxDial) {
		t.Fatal("start did not dial")
	}
	drive(t, &m, event{kind: evDialOK})
	mustState(t, &m, stateAwaitingHello)

	effs = drive(t, &m, event{kind: evHello, interval: 45 * time.Second, sessionFresh: false})
	if !hasEffect(effs, fxSendIdentify) || hasEffect(effs, fxSendResume) {
		t.Fatalf("hello without session produced %v, want identify", effs)
	}
	if !hasEffect(effs, fxStartHeartbeat) {
		t.Fatal("hello did not start heartbeat")
	}
	mustState(t, &m, stateIdentifying)

	effs = drive(t, &m, event{kind: evReady})
	if !hasEffect(effs, fxPersistSession) || !hasEffect(effs, fxSignalReady) {
		t.Fatalf("ready produced %v, want persist+signal", effs)
	}
	mustState(t, &m, stateConnected)
	if m.lastGoodLevel != LevelFull {
		t.Errorf("lastGoodLevel = %d, want full", m.lastGoodLevel)
	}
}

func TestResumeWhenSessionFresh(t *testing.T) {
	m := newMachine(LevelFull)
	drive(t, &m, event{kind: evStart}, event{kind: evDialOK})

	effs := drive(t, &m, event{kind: evHello, interval: 45 * time.Second, sessionFresh: true})
	if !hasEffect(effs, fxSendResume) || hasEffect(effs, fxSendIdentify) {
		t.Fatalf("hello with session produced %v, want resume", effs)
	}
	mustState(t, &m, stateResuming)

	effs = drive(t, &m, event{kind: evResumed})
	if !hasEffect(effs, fxPersistSession) {
		t.Fatalf("resumed produced %v, want persist", effs)
	}
	mustState(t, &m, stateConnected)
}

func TestBackoffLadderAndReset(t *testing.T) {
	m := newMachine(LevelFull)

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 5 * time.Second,
		10 * time.Second, 30 * time.Second, 60 * time.Second,
		60 * time.Second, // capped
	}
	for i, wantDelay := range want {
		effs := drive(t, &m, event{kind: evStart}, event{kind: evDialFail})
		if got := reconnectDelay(t, effs); got != wantDelay {
			t.Fatalf("failure %d: delay = %v, want %v", i+1, got, wantDelay)
		}
	}

	// A successful open resets the counter to the bottom of the ladder.
	drive(t, &m, event{kind: evStart}, event{kind: evDialOK})
	if m.attempts != 0 {
		t.Fatalf("attempts = %d after open, want 0", m.attempts)
	}
	effs := drive(t, &m, event{kind: evSocketClosed, closeCode: 0, connectedFor: time.Minute})
	if got := reconnectDelay(t, effs); got != 1*time.Second {
		t.Errorf("post-reset delay = %v, want 1s", got)
	}
}

func TestQuickDisconnectGuard(t *testing.T) {
	m := newMachine(LevelFull)

	shortLived := func() []effect {
		drive(t, &m, event{kind: evStart}, event{kind: evDialOK})
		return drive(t, &m, event{kind: evSocketClosed, closeCode: 0, connectedFor: time.Second})
	}

	if got := reconnectDelay(t, shortLived()); got != 1*time.Second {
		t.Fatalf("first drop delay = %v, want ladder 1s", got)
	}
	if got := reconnectDelay(t, shortLived()); got != 1*time.Second {
		t.Fatalf("second drop delay = %v, want ladder 1s", got)
	}
	if got := reconnectDelay(t, shortLived()); got != 60*time.Second {
		t.Fatalf("third drop delay = %v, want forced 60s", got)
	}
	if m.quickDrops != 0 {
		t.Fatalf("guard counter = %d after firing, want reset", m.quickDrops)
	}
	if got := reconnectDelay(t, shortLived()); got != 1*time.Second {
		t.Fatalf("post-guard delay = %v, want ladder 1s", got)
	}
}

func TestIntentDowngradeToFloor(t *testing.T) {
	m := newMachine(LevelFull)

	rejectIdentify := func() {
		t.Helper()
		openConnection(t, &m, false)
		effs := drive(t, &m, event{kind: evInvalidSession, resumable: false})
		if !hasEffect(effs, fxClearSession) || !hasEffect(effs, fxCloseSocket) {
			t.Fatalf("invalid session produced %v, want clear+close", effs)
		}
		effs = drive(t, &m, event{kind: evSocketClosed, closeCode: closeNormal})
		if got := reconnectDelay(t, effs); got != invalidSessionDelay {
			t.Fatalf("invalid-session delay = %v, want %v", got, invalidSessionDelay)
		}
	}

	rejectIdentify()
	if m.intentLevel != LevelGroupChannel {
		t.Fatalf("after first rejection level = %s, want group+channel", levelName(m.intentLevel))
	}
	rejectIdentify()
	if m.intentLevel != LevelChannelOnly {
		t.Fatalf("after second rejection level = %s, want channel-only", levelName(m.intentLevel))
	}

	// At the floor the level holds and a token refresh is forced instead.
	rejectIdentify()
	if m.intentLevel != LevelChannelOnly {
		t.Fatalf("floor level moved to %s", levelName(m.intentLevel))
	}
	if !m.forceRefresh {
		t.Fatal("floor rejection did not force a token refresh")
	}
}

func TestIntentLevelSurvivesReconnect(t *testing.T) {
	m := newMachine(LevelGroupChannel)

	openConnection(t, &m, false)
	drive(t, &m, event{kind: evReady})
	if m.lastGoodLevel != LevelGroupChannel {
		t.Fatalf("lastGoodLevel = %d, want group+channel", m.lastGoodLevel)
	}

	// Connection drops with a session-invalidating code; the next
	// attempt starts at the proven level, not back at full.
	drive(t, &m, event{kind: evSocketClosed, closeCode: closeSessionTimeout, connectedFor: time.Hour})
	drive(t, &m, event{kind: evStart}, event{kind: evDialOK})
	if m.intentLevel != LevelGroupChannel {
		t.Fatalf("reconnect level = %s, want group+channel", levelName(m.intentLevel))
	}
}

func TestRateLimitedClose(t *testing.T) {
	m := newMachine(LevelFull)
	openConnection(t, &m, false)
	drive(t, &m, event{kind: evReady})

	effs := drive(t, &m, event{kind: evSocketClosed, closeCode: closeRateLimited, connectedFor: time.Minute})
	if got := reconnectDelay(t, effs); got != 60*time.Second {
		t.Fatalf("rate-limited delay = %v, want 60s", got)
	}
	if m.attempts != 0 {
		t.Fatalf("rate-limited close charged the attempt counter: %d", m.attempts)
	}

	// The ladder position is untouched: the next real failure still
	// starts at the bottom.
	effs = drive(t, &m, event{kind: evStart}, event{kind: evDialFail})
	if got := reconnectDelay(t, effs); got != 1*time.Second {
		t.Errorf("post-4008 ladder delay = %v, want 1s", got)
	}
}

func TestCloseCodeBuckets(t *testing.T) {
	tests := []struct {
		name         string
		code         int
		wantHalt     bool
		wantClear    bool
		wantRefresh  bool
		wantRetry    bool
	}{
		{"fatal offline", closeFatalOffline, true, false, false, false},
		{"fatal banned", closeFatalBanned, true, false, false, false},
		{"normal close", closeNormal, false, false, false, false},
		{"invalid token", closeInvalidToken, false, false, true, true},
		{"invalid session", closeInvalidSession, false, true, true, true},
		{"bad sequence", closeBadSequence, false, true, true, true},
		{"session timeout", closeSessionTimeout, false, true, true, true},
		{"internal low", closeInternalMin, false, true, true, true},
		{"internal high", closeInternalMax, false, true, true, true},
		{"unknown code", 4321, false, false, false, true},
		{"network error", 0, false, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine(LevelFull)
			openConnection(t, &m, false)
			drive(t, &m, event{kind: evReady})

			effs := drive(t, &m, event{kind: evSocketClosed, closeCode: tt.code, connectedFor: time.Hour})

			if got := hasEffect(effs, fxHalt); got != tt.wantHalt {
				t.Errorf("halt = %v, want %v", got, tt.wantHalt)
			}
			if got := hasEffect(effs, fxClearSession); got != tt.wantClear {
				t.Errorf("clear session = %v, want %v", got, tt.wantClear)
			}
			if m.forceRefresh != tt.wantRefresh {
				t.Errorf("forceRefresh = %v, want %v", m.forceRefresh, tt.wantRefresh)
			}
			if got := hasEffect(effs, fxReconnectAfter); got != tt.wantRetry {
				t.Errorf("reconnect = %v, want %v", got, tt.wantRetry)
			}
			if tt.wantHalt {
				mustState(t, &m, stateHalted)
			}
		})
	}
}

func TestRetryCeilingHalts(t *testing.T) {
	m := newMachine(LevelFull)

	var last []effect
	for i := 0; i < maxAttempts; i++ {
		last = drive(t, &m, event{kind: evStart}, event{kind: evDialFail})
		if m.state == stateHalted {
			break
		}
	}
	if m.state != stateHalted {
		t.Fatalf("machine still %v after %d failures", m.state, maxAttempts)
	}
	if !hasEffect(last, fxHalt) {
		t.Fatalf("final effects %v missing halt", last)
	}

	// Halted machines ignore further kicks.
	if effs := drive(t, &m, event{kind: evStart}); effs != nil {
		t.Errorf("halted machine produced %v", effs)
	}
}

func TestServerReconnectRequest(t *testing.T) {
	m := newMachine(LevelFull)
	openConnection(t, &m, false)
	drive(t, &m, event{kind: evReady})

	effs := drive(t, &m, event{kind: evReconnectRequest})
	if !hasEffect(effs, fxStopHeartbeat) || !hasEffect(effs, fxCloseSocket) {
		t.Fatalf("reconnect request produced %v", effs)
	}
	if hasEffect(effs, fxClearSession) {
		t.Fatal("reconnect request cleared the session")
	}

	effs = drive(t, &m, event{kind: evSocketClosed, closeCode: closeNormal})
	if got := reconnectDelay(t, effs); got != 0 {
		t.Errorf("reconnect delay = %v, want immediate", got)
	}
	if !m.hasSession {
		t.Error("session lost across server-requested reconnect")
	}
}

func TestAbortStopsWithoutReconnect(t *testing.T) {
	m := newMachine(LevelFull)
	openConnection(t, &m, false)
	drive(t, &m, event{kind: evReady})

	effs := drive(t, &m, event{kind: evAbort})
	if !hasEffect(effs, fxStopHeartbeat) || !hasEffect(effs, fxCloseSocket) {
		t.Fatalf("abort produced %v", effs)
	}

	effs = drive(t, &m, event{kind: evSocketClosed, closeCode: closeNormal})
	if hasEffect(effs, fxReconnectAfter) {
		t.Fatal("abort still armed a reconnect")
	}
	mustState(t, &m, stateDisconnected)
}
