// Package notify is the outbound message gateway. It applies a global
// rate limit in front of the transport adapter so bursts of watcher
// notifications don't trip Telegram's flood control.
package notify

import (
	"context"

	"golang.org/x/time/rate"

	"ltabot/internal/transport"
	logx "ltabot/pkg/logx"
)

const defaultRatePerSec = 20

var htmlOpts = &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}

type Gateway struct {
	adapter transport.Adapter
	limiter *rate.Limiter
	log     logx.Logger
}

func New(adapter transport.Adapter, perSec int, log logx.Logger) *Gateway {
	if perSec <= 0 {
		perSec = defaultRatePerSec
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(perSec), perSec),
		log:     log,
	}
}

// Send delivers an HTML message to the chat.
func (g *Gateway) Send(ctx context.Context, to transport.ChatTarget, text string) (transport.MessageRef, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return transport.MessageRef{}, err
	}
	return g.adapter.SendText(ctx, to, text, htmlOpts)
}

// EditOrSend updates an existing message in place, falling back to a fresh
// send when the edit fails (deleted message, identical text, too old).
// The returned ref is the message now carrying the text.
func (g *Gateway) EditOrSend(ctx context.Context, ref transport.MessageRef, to transport.ChatTarget, text string) (transport.MessageRef, error) {
	if ref.IsZero() {
		return g.Send(ctx, to, text)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return transport.MessageRef{}, err
	}
	if err := g.adapter.EditText(ctx, ref, text, htmlOpts); err == nil {
		return ref, nil
	} else {
		g.log.Debug("edit failed, sending new message",
			logx.Int64("chat_id", ref.ChatID),
			logx.Int("message_id", ref.MessageID),
			logx.Err(err))
	}
	return g.Send(ctx, to, text)
}

// Delete removes a message. Best effort: a missing message is not an error
// worth surfacing.
func (g *Gateway) Delete(ctx context.Context, ref transport.MessageRef) {
	if ref.IsZero() {
		return
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return
	}
	if err := g.adapter.DeleteMessage(ctx, ref); err != nil {
		g.log.Debug("delete failed",
			logx.Int64("chat_id", ref.ChatID),
			logx.Int("message_id", ref.MessageID),
			logx.Err(err))
	}
}
