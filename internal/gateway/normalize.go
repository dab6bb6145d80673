package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/qqclaw/internal/logging"
	"github.com/roelfdiedericks/qqclaw/internal/silk"
)

// MediaSink materializes attachment bytes into local storage. A nil
// sink degrades every attachment to a text note.
type MediaSink interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	Store(kind, filename string, data []byte) (string, error)
}

// rawMessage is the dispatch payload shared by the four message events.
// Field presence varies by event type.
type rawMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Author    struct {
		ID           string `json:"id"`
		UserOpenID   string `json:"user_openid"`
		MemberOpenID string `json:"member_openid"`
		Username     string `json:"username"`
		Bot          bool   `json:"bot"`
	} `json:"author"`
	GroupOpenID string          `json:"group_openid"`
	ChannelID   string          `json:"channel_id"`
	GuildID     string          `json:"guild_id"`
	Attachments []rawAttachment `json:"attachments"`
}

type rawAttachment struct {
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// Normalizer converts raw dispatches into InboundEvents, fetching
// attachments and transcoding voice as it goes.
type Normalizer struct {
	accountID string
	media     MediaSink
}

func NewNormalizer(accountID string, media MediaSink) *Normalizer {
	return &Normalizer{accountID: accountID, media: media}
}

// Normalize maps a dispatch to an InboundEvent. ok is false for event
// types that are not chat messages.
func (n *Normalizer) Normalize(ctx context.Context, eventType string, data json.RawMessage) (InboundEvent, bool) {
	var kind string
	switch eventType {
	case eventC2C:
		kind = KindC2C
	case eventGroupAt:
		kind = KindGroup
	case eventAt:
		kind = KindChannel
	case eventDirectMsg:
		kind = KindDM
	default:
		return InboundEvent{}, false
	}

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		logging.L_warn("gateway: undecodable message dispatch", "type", eventType, "error", err)
		return InboundEvent{}, false
	}

	ev := InboundEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		EventType: eventType,
		AccountID: n.accountID,
		Content:   strings.TrimSpace(raw.Content),
		MessageID: raw.ID,
		Timestamp: parseTimestamp(raw.Timestamp),
	}

	switch kind {
	case KindC2C:
		ev.SenderID = raw.Author.UserOpenID
		ev.Hints.OpenID = raw.Author.UserOpenID
	case KindGroup:
		ev.SenderID = raw.Author.MemberOpenID
		ev.Hints.GroupOpenID = raw.GroupOpenID
	case KindChannel:
		ev.SenderID = raw.Author.ID
		ev.SenderName = raw.Author.Username
		ev.Hints.ChannelID = raw.ChannelID
		ev.Hints.GuildID = raw.GuildID
	case KindDM:
		ev.SenderID = raw.Author.ID
		ev.SenderName = raw.Author.Username
		ev.Hints.GuildID = raw.GuildID
		ev.Hints.ChannelID = raw.ChannelID
	}

	for _, att := range raw.Attachments {
		ev.Attachments = append(ev.Attachments, n.materialize(ctx, att))
	}
	return ev, true
}

// materialize fetches one attachment into the media store, transcoding
// voice to WAV. Failures degrade to a descriptive note.
func (n *Normalizer) materialize(ctx context.Context, att rawAttachment) Attachment {
	url := att.URL
	// Group image URLs often arrive without a scheme.
	if url != "" && !strings.Contains(url, "://") {
		url = "https://" + url
	}

	out := Attachment{
		Kind:     classifyAttachment(att),
		URL:      url,
		Filename: att.Filename,
		Mime:     att.ContentType,
	}

	if n.media == nil {
		out.Note = fmt.Sprintf("[attachment: %s]", describeAttachment(att))
		return out
	}

	switch out.Kind {
	case "image":
		data, err := n.media.Fetch(ctx, url)
		if err != nil {
			logging.L_warn("gateway: image fetch failed", "url", url, "error", err)
			out.Note = fmt.Sprintf("[image unavailable: %s]", describeAttachment(att))
			return out
		}
		stored, err := n.media.Store("images", att.Filename, data)
		if err != nil {
			logging.L_warn("gateway: image store failed", "error", err)
			out.Note = fmt.Sprintf("[image unavailable: %s]", describeAttachment(att))
			return out
		}
		out.Path = stored

	case "voice":
		data, err := n.media.Fetch(ctx, url)
		if err != nil {
			logging.L_warn("gateway: voice fetch failed", "url", url, "error", err)
			out.Note = "[voice message unavailable]"
			return out
		}
		audio, err := silk.Decode(data)
		if err != nil {
			logging.L_warn("gateway: voice decode failed", "error", err, "bytes", len(data))
			out.Note = "[voice message: unsupported format]"
			return out
		}
		name := strings.TrimSuffix(att.Filename, path.Ext(att.Filename))
		if name == "" {
			name = "voice"
		}
		stored, err := n.media.Store("voice", name+".wav", audio.WAV)
		if err != nil {
			logging.L_warn("gateway: voice store failed", "error", err)
			out.Note = "[voice message unavailable]"
			return out
		}
		out.Path = stored
		out.DurationMs = audio.DurationMs

	default:
		out.Note = fmt.Sprintf("[file: %s]", describeAttachment(att))
	}
	return out
}

func classifyAttachment(att rawAttachment) string {
	mime := strings.ToLower(att.ContentType)
	name := strings.ToLower(att.Filename)
	switch {
	case strings.HasPrefix(mime, "image"):
		return "image"
	case mime == "voice" || strings.HasPrefix(mime, "audio") ||
		strings.HasSuffix(name, ".silk") || strings.HasSuffix(name, ".amr"):
		return "voice"
	default:
		return "file"
	}
}

func describeAttachment(att rawAttachment) string {
	name := att.Filename
	if name == "" {
		name = "unnamed"
	}
	if att.ContentType != "" {
		return name + " (" + att.ContentType + ")"
	}
	return name
}

// parseTimestamp accepts RFC3339 or unix seconds; anything else maps to
// the arrival time.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0)
	}
	return time.Now()
}
