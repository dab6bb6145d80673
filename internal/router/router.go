// Package router turns outbound content into the vendor REST calls that
// deliver it: destination resolution, passive/proactive intent, reply
// quota accounting, long-text chunking, inline media refs and markdown
// image extraction.
package router

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/roelfdiedericks/qqclaw/internal/botapi"
	"github.com/roelfdiedericks/qqclaw/internal/config"
	"github.com/roelfdiedericks/qqclaw/internal/gateway"
	. "github.com/roelfdiedericks/qqclaw/internal/logging"
	"github.com/roelfdiedericks/qqclaw/internal/media"
	"github.com/roelfdiedericks/qqclaw/internal/quota"
	"github.com/roelfdiedericks/qqclaw/internal/silk"
)

// Destination is a resolved outbound target.
type Destination struct {
	Kind string
	ID   string
}

func (d Destination) String() string {
	return d.Kind + ":" + d.ID
}

// ParseDestination parses a "kind:id" target string.
func ParseDestination(target string) (Destination, error) {
	kind, id, err := config.SplitTarget(target)
	if err != nil {
		return Destination{}, err
	}
	return Destination{Kind: kind, ID: id}, nil
}

// DestinationFor derives the reply destination from an inbound event.
func DestinationFor(ev gateway.InboundEvent) (Destination, error) {
	d := Destination{Kind: ev.Kind}
	switch ev.Kind {
	case gateway.KindC2C:
		d.ID = ev.Hints.OpenID
	case gateway.KindGroup:
		d.ID = ev.Hints.GroupOpenID
	case gateway.KindChannel:
		d.ID = ev.Hints.ChannelID
	case gateway.KindDM:
		d.ID = ev.Hints.GuildID
	default:
		return Destination{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if d.ID == "" {
		return Destination{}, fmt.Errorf("%s event %s carries no routing id", ev.Kind, ev.ID)
	}
	return d, nil
}

// Router delivers outbound content. Safe for concurrent use; all mutable
// state lives in the API client and the quota tracker.
type Router struct {
	api   *botapi.Client
	quota *quota.Tracker
	store *media.MediaStore
}

// New creates a router. store may be nil, which disables local media
// paths and remote media downloads.
func New(api *botapi.Client, q *quota.Tracker, store *media.MediaStore) *Router {
	return &Router{api: api, quota: q, store: store}
}

// Reply sends content back to the sender of ev as a passive reply,
// switching to proactive sends once the per-message quota runs out.
func (r *Router) Reply(ctx context.Context, ev gateway.InboundEvent, content string) error {
	dest, err := DestinationFor(ev)
	if err != nil {
		return err
	}
	return r.deliver(ctx, dest, content, ev.MessageID)
}

// Send delivers content proactively to dest. Proactive sends omit
// msg_id and count against the vendor's frequency caps.
func (r *Router) Send(ctx context.Context, dest Destination, content string) error {
	return r.deliver(ctx, dest, content, "")
}

// SendVoice encodes audio (SILK, WAV or OGG/Opus) and delivers it as a
// proactive voice message. Voice uploads exist only on the c2c and
// group endpoints.
func (r *Router) SendVoice(ctx context.Context, dest Destination, audio []byte) error {
	voice, err := silk.PrepareVoice(audio)
	if err != nil {
		return err
	}
	L_info("router: sending voice message", "target", dest.String(), "durationMs", voice.DurationMs)
	return r.uploadAndSend(ctx, dest, &replyRef{}, botapi.FileTypeVoice, "", voice.SILK)
}

// replyRef allocates the msg_id/msg_seq pair for each physical send of
// one logical delivery. When the quota runs out mid-delivery the
// remaining sends go proactive.
type replyRef struct {
	quota *quota.Tracker
	msgID string
}

func (r *replyRef) next() (string, int) {
	if r.msgID == "" || r.quota == nil {
		return "", 0
	}
	v := r.quota.Check(r.msgID)
	if !v.Allowed {
		L_info("router: reply quota exhausted, rest goes proactive", "messageId", r.msgID, "reason", v.Reason)
		r.msgID = ""
		return "", 0
	}
	return r.msgID, r.quota.Record(r.msgID)
}

// deliver walks the content segments in order and aborts on the first
// failed send.
func (r *Router) deliver(ctx context.Context, dest Destination, content, msgID string) error {
	ref := &replyRef{quota: r.quota, msgID: msgID}
	for _, seg := range media.SplitMediaSegments(content) {
		var err error
		if seg.IsMedia {
			err = r.sendMediaRef(ctx, dest, ref, seg)
		} else {
			err = r.sendText(ctx, dest, ref, seg.Text)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// sendText chunks one text run and sends the chunks, then any markdown
// images that were embedded in it.
func (r *Router) sendText(ctx context.Context, dest Destination, ref *replyRef, text string) error {
	text, images := ExtractImages(text)
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if chunk == "" {
			continue
		}
		if err := r.sendTextChunk(ctx, dest, ref, chunk); err != nil {
			return err
		}
	}
	for _, img := range images {
		if err := r.sendImage(ctx, dest, ref, img); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) sendTextChunk(ctx context.Context, dest Destination, ref *replyRef, text string) error {
	msgID, seq := ref.next()
	L_debug("router: text send", "target", dest.String(), "bytes", len(text), "passive", msgID != "")

	switch dest.Kind {
	case gateway.KindC2C, gateway.KindGroup:
		req := &botapi.MessageRequest{Content: text, MsgType: botapi.MsgTypeText, MsgID: msgID, MsgSeq: seq}
		return r.postMessage(ctx, dest, req)
	case gateway.KindChannel:
		_, err := r.api.SendChannel(ctx, dest.ID, &botapi.ChannelMessageRequest{Content: text, MsgID: msgID})
		return err
	case gateway.KindDM:
		_, err := r.api.SendDM(ctx, dest.ID, &botapi.ChannelMessageRequest{Content: text, MsgID: msgID})
		return err
	}
	return fmt.Errorf("unknown destination kind %q", dest.Kind)
}

// sendMediaRef delivers one {{media:...}} segment by its mime class.
func (r *Router) sendMediaRef(ctx context.Context, dest Destination, ref *replyRef, seg media.MediaSegment) error {
	switch {
	case strings.HasPrefix(seg.Mime, "image/"):
		return r.sendImage(ctx, dest, ref, seg.Path)
	case strings.HasPrefix(seg.Mime, "audio/"):
		return r.sendVoiceRef(ctx, dest, ref, seg.Path)
	case strings.HasPrefix(seg.Mime, "video/"):
		return r.sendFile(ctx, dest, ref, seg.Path, botapi.FileTypeVideo)
	default:
		return r.sendFile(ctx, dest, ref, seg.Path, botapi.FileTypeFile)
	}
}

// sendImage delivers one image: remote ones by URL reference where the
// endpoint allows it, local ones optimized and uploaded as bytes.
func (r *Router) sendImage(ctx context.Context, dest Destination, ref *replyRef, src string) error {
	if isHTTPURL(src) {
		return r.sendImageURL(ctx, dest, ref, src)
	}
	return r.sendImageFile(ctx, dest, ref, src)
}

func (r *Router) sendImageURL(ctx context.Context, dest Destination, ref *replyRef, srcURL string) error {
	switch dest.Kind {
	case gateway.KindC2C, gateway.KindGroup:
		return r.uploadAndSend(ctx, dest, ref, botapi.FileTypeImage, srcURL, nil)
	case gateway.KindChannel:
		msgID, _ := ref.next()
		_, err := r.api.SendChannel(ctx, dest.ID, &botapi.ChannelMessageRequest{Image: srcURL, MsgID: msgID})
		return err
	case gateway.KindDM:
		msgID, _ := ref.next()
		_, err := r.api.SendDM(ctx, dest.ID, &botapi.ChannelMessageRequest{Image: srcURL, MsgID: msgID})
		return err
	}
	return fmt.Errorf("unknown destination kind %q", dest.Kind)
}

func (r *Router) sendImageFile(ctx context.Context, dest Destination, ref *replyRef, src string) error {
	resolved, err := r.resolveLocal(src)
	if err != nil {
		return err
	}
	img, err := media.OptimizeFromFile(resolved)
	if err != nil {
		return fmt.Errorf("failed to prepare image %s: %w", src, err)
	}
	L_debug("router: image send", "target", dest.String(), "path", resolved, "bytes", img.Size())

	switch dest.Kind {
	case gateway.KindC2C, gateway.KindGroup:
		return r.uploadAndSend(ctx, dest, ref, botapi.FileTypeImage, "", img.Data)
	case gateway.KindChannel:
		msgID, _ := ref.next()
		_, err := r.api.SendChannelImageFile(ctx, dest.ID, "", msgID, img.Data)
		return err
	case gateway.KindDM:
		msgID, _ := ref.next()
		_, err := r.api.SendDMImageFile(ctx, dest.ID, "", msgID, img.Data)
		return err
	}
	return fmt.Errorf("unknown destination kind %q", dest.Kind)
}

func (r *Router) sendVoiceRef(ctx context.Context, dest Destination, ref *replyRef, src string) error {
	data, err := r.loadMedia(ctx, src)
	if err != nil {
		return err
	}
	voice, err := silk.PrepareVoice(data)
	if err != nil {
		return fmt.Errorf("failed to prepare voice %s: %w", src, err)
	}
	L_debug("router: voice send", "target", dest.String(), "durationMs", voice.DurationMs, "bytes", len(voice.SILK))
	return r.uploadAndSend(ctx, dest, ref, botapi.FileTypeVoice, "", voice.SILK)
}

func (r *Router) sendFile(ctx context.Context, dest Destination, ref *replyRef, src string, fileType int) error {
	if isHTTPURL(src) {
		return r.uploadAndSend(ctx, dest, ref, fileType, src, nil)
	}
	data, err := r.loadMedia(ctx, src)
	if err != nil {
		return err
	}
	return r.uploadAndSend(ctx, dest, ref, fileType, "", data)
}

// uploadAndSend stages rich media on the vendor and sends the message
// that references it. Only the c2c and group endpoints take uploads.
func (r *Router) uploadAndSend(ctx context.Context, dest Destination, ref *replyRef, fileType int, srcURL string, data []byte) error {
	var res *botapi.MediaResult
	var err error
	switch dest.Kind {
	case gateway.KindC2C:
		res, err = r.api.UploadC2CMedia(ctx, dest.ID, fileType, srcURL, data)
	case gateway.KindGroup:
		res, err = r.api.UploadGroupMedia(ctx, dest.ID, fileType, srcURL, data)
	default:
		return fmt.Errorf("%s targets cannot take rich media uploads", dest.Kind)
	}
	if err != nil {
		return err
	}

	msgID, seq := ref.next()
	req := &botapi.MessageRequest{
		MsgType: botapi.MsgTypeMedia,
		MsgID:   msgID,
		MsgSeq:  seq,
		Media:   &botapi.MediaRef{FileInfo: res.FileInfo},
	}
	return r.postMessage(ctx, dest, req)
}

func (r *Router) postMessage(ctx context.Context, dest Destination, req *botapi.MessageRequest) error {
	var err error
	switch dest.Kind {
	case gateway.KindC2C:
		_, err = r.api.SendC2C(ctx, dest.ID, req)
	case gateway.KindGroup:
		_, err = r.api.SendGroup(ctx, dest.ID, req)
	default:
		err = fmt.Errorf("unknown destination kind %q", dest.Kind)
	}
	return err
}

// loadMedia reads ref media from disk or downloads it through the store.
func (r *Router) loadMedia(ctx context.Context, src string) ([]byte, error) {
	if isHTTPURL(src) {
		if r.store == nil {
			return nil, fmt.Errorf("no media store to download %s", src)
		}
		return r.store.Fetch(ctx, src)
	}
	resolved, err := r.resolveLocal(src)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}

func (r *Router) resolveLocal(src string) (string, error) {
	if r.store == nil {
		return "", fmt.Errorf("no media store configured for local path %s", src)
	}
	return media.ResolveMediaPath(r.store.BaseDir(), src)
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
