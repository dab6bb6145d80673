package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/roelfdiedericks/qqclaw/internal/archive"
	"github.com/roelfdiedericks/qqclaw/internal/config"
	"github.com/roelfdiedericks/qqclaw/internal/gateway"
	. "github.com/roelfdiedericks/qqclaw/internal/logging"
	"github.com/roelfdiedericks/qqclaw/internal/media"
	"github.com/roelfdiedericks/qqclaw/internal/router"
)

// responder is the built-in delivery handler: it archives traffic both
// ways and answers per the configured reply mode.
type responder struct {
	rt      *router.Router
	arch    *archive.Store
	account string
	mode    string
	text    string
}

func newResponder(rt *router.Router, arch *archive.Store, account string, cfg config.ReplyConfig) *responder {
	return &responder{rt: rt, arch: arch, account: account, mode: cfg.Mode, text: cfg.Text}
}

// Deliver handles one inbound event.
func (r *responder) Deliver(ctx context.Context, ev gateway.InboundEvent) error {
	r.record(ctx, archive.Record{
		Account:   r.account,
		Direction: archive.DirectionIn,
		Kind:      ev.Kind,
		SenderID:  ev.SenderID,
		MessageID: ev.MessageID,
		Content:   ev.Content,
		CreatedAt: ev.Timestamp,
	})

	reply := r.compose(ev)
	if reply == "" {
		return nil
	}

	if err := r.rt.Reply(ctx, ev, reply); err != nil {
		r.notifyFailure(ctx, ev)
		return err
	}

	out := archive.Record{
		Account:   r.account,
		Direction: archive.DirectionOut,
		Kind:      ev.Kind,
		MessageID: ev.MessageID,
		Content:   reply,
	}
	if dest, err := router.DestinationFor(ev); err == nil {
		out.Destination = dest.String()
	}
	r.record(ctx, out)
	return nil
}

// compose builds the reply content for the configured mode.
func (r *responder) compose(ev gateway.InboundEvent) string {
	switch r.mode {
	case "none":
		return ""
	case "ack":
		if r.text != "" {
			return r.text
		}
		return "received"
	}

	// echo: the text plus refs for any materialized attachments
	var parts []string
	if text := strings.TrimSpace(ev.Content); text != "" {
		parts = append(parts, text)
	}
	for _, att := range ev.Attachments {
		switch {
		case att.Path == "":
			if att.Note != "" {
				parts = append(parts, att.Note)
			}
		case att.Kind == "voice":
			// materialized voice is a WAV regardless of the wire mime
			parts = append(parts, fmt.Sprintf("{{media:audio/wav:'%s'}}", media.EscapePath(att.Path)))
		default:
			mime := strings.ToLower(att.Mime)
			if !strings.Contains(mime, "/") {
				mime = "image/jpeg"
			}
			parts = append(parts, fmt.Sprintf("{{media:%s:'%s'}}", mime, media.EscapePath(att.Path)))
		}
	}
	return strings.Join(parts, "\n")
}

// notifyFailure tells the sender something went wrong, best effort.
func (r *responder) notifyFailure(ctx context.Context, ev gateway.InboundEvent) {
	if IsShuttingDown() {
		return
	}
	if err := r.rt.Reply(ctx, ev, "sorry, something went wrong handling that message"); err != nil {
		L_debug("responder: failure notice also failed", "messageId", ev.MessageID, "error", err)
	}
}

func (r *responder) record(ctx context.Context, rec archive.Record) {
	if r.arch == nil {
		return
	}
	if err := r.arch.Append(ctx, rec); err != nil {
		L_warn("responder: archive append failed", "error", err)
	}
}
