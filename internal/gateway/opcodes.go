package gateway

import "encoding/json"

// Gateway opcodes.
const (
	opDispatch     = 0
	opHeartbeat    = 1
	opIdentify     = 2
	opResume       = 6
	opReconnect    = 7
	opInvalidSess  = 9
	opHello        = 10
	opHeartbeatAck = 11
)

func opName(op int) string {
	switch op {
	case opDispatch:
		return "dispatch"
	case opHeartbeat:
		return "heartbeat"
	case opIdentify:
		return "identify"
	case opResume:
		return "resume"
	case opReconnect:
		return "reconnect"
	case opInvalidSess:
		return "invalid_session"
	case opHello:
		return "hello"
	case opHeartbeatAck:
		return "heartbeat_ack"
	default:
		return "unknown"
	}
}

// Close codes the vendor documents for the gateway socket.
const (
	closeNormal         = 1000
	closeInvalidToken   = 4004
	closeInvalidSession = 4006
	closeBadSequence    = 4007
	closeRateLimited    = 4008
	closeSessionTimeout = 4009
	closeInternalMin    = 4900
	closeInternalMax    = 4913
	closeFatalOffline   = 4914
	closeFatalBanned    = 4915
)

// Dispatch event types we subscribe to.
const (
	eventReady     = "READY"
	eventResumed   = "RESUMED"
	eventC2C       = "C2C_MESSAGE_CREATE"
	eventGroupAt   = "GROUP_AT_MESSAGE_CREATE"
	eventAt        = "AT_MESSAGE_CREATE"
	eventDirectMsg = "DIRECT_MESSAGE_CREATE"
)

// frame is the wire envelope for every gateway message.
type frame struct {
	Op int             `json:"op"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // ms
}

type identifyFrame struct {
	Op int          `json:"op"`
	D  identifyData `json:"d"`
}

type identifyData struct {
	Token   string `json:"token"`
	Intents int    `json:"intents"`
	Shard   [2]int `json:"shard"`
}

type resumeFrame struct {
	Op int        `json:"op"`
	D  resumeData `json:"d"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// heartbeatFrame carries the last seen sequence, or null before any
// sequenced frame has arrived.
type heartbeatFrame struct {
	Op int    `json:"op"`
	D  *int64 `json:"d"`
}

type readyData struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	User      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"user"`
	Shard [2]int `json:"shard"`
}

// ReadyMeta is handed to the OnReady hook after READY or RESUMED.
type ReadyMeta struct {
	AccountID string
	SessionID string
	BotID     string
	Username  string
	Resumed   bool
}
