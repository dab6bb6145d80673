package gateway

import (
	"sync"
	"time"

	"github.com/roelfdiedericks/qqclaw/internal/logging"
)

const (
	queueCapacity     = 1000
	queuePollInterval = 50 * time.Millisecond
)

// Destination kinds for normalized events and outbound routing.
const (
	KindC2C     = "c2c"
	KindGroup   = "group"
	KindChannel = "channel"
	KindDM      = "dm"
)

// Attachment is an inbound attachment after materialization. Path is
// empty when the attachment could not be fetched or decoded; Note then
// carries the degraded-to-text description.
type Attachment struct {
	Kind       string
	Path       string
	URL        string
	Filename   string
	Mime       string
	DurationMs int
	Note       string
}

// RoutingHints carries the identifiers needed to reply to an event.
type RoutingHints struct {
	OpenID      string
	GroupOpenID string
	ChannelID   string
	GuildID     string
}

// InboundEvent is a normalized dispatch, queued for the processing loop.
type InboundEvent struct {
	ID          string
	Kind        string
	EventType   string
	AccountID   string
	SenderID    string
	SenderName  string
	Content     string
	MessageID   string
	Timestamp   time.Time
	Hints       RoutingHints
	Attachments []Attachment
}

// eventQueue is a bounded FIFO. When full it drops the oldest entry so
// the socket callback never blocks behind slow processing.
type eventQueue struct {
	mu      sync.Mutex
	items   []InboundEvent
	max     int
	dropped uint64
}

func newEventQueue(max int) *eventQueue {
	if max <= 0 {
		max = queueCapacity
	}
	return &eventQueue{max: max}
}

func (q *eventQueue) Push(ev InboundEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.dropped++
		logging.L_warn("gateway: inbound queue full, dropping oldest",
			"droppedMessageId", dropped.MessageID, "queued", len(q.items), "totalDropped", q.dropped)
	}
	q.items = append(q.items, ev)
}

func (q *eventQueue) Pop() (InboundEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return InboundEvent{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *eventQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
