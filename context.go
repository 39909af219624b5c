package streambus

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in streambus.
type ctxKey string

const (
	codecCtxKey  ctxKey = "streambus:codec"
	loggerCtxKey ctxKey = "streambus:logger"
	clockCtxKey  ctxKey = "streambus:clock"
)

// injectCodec attaches the active Codec into context for downstream handlers.
func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext retrieves a Codec previously injected into the context.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	if v := ctx.Value(codecCtxKey); v != nil {
		if c, ok := v.(Codec); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}

// MessageContext is handed to context-aware consumers alongside the decoded message.
type MessageContext interface {
	// Reply sends payload on the request's correlation channel. It reports false
	// with ErrNoReplyChannel when the message was not a request.
	Reply(ctx context.Context, payload any) (bool, error)
	Locale() string
	ReplyTo() string
	Subject() string
	MessageID() string
}

type messageContext struct {
	bus *Bus
	d   *Delivery
}

func (m messageContext) Locale() string    { return m.d.Envelope.Locale }
func (m messageContext) ReplyTo() string   { return m.d.Envelope.ReplyTo }
func (m messageContext) Subject() string   { return m.d.Subject }
func (m messageContext) MessageID() string { return m.d.Envelope.ID }

func (m messageContext) Reply(ctx context.Context, payload any) (bool, error) {
	replyTo := m.d.Envelope.ReplyTo
	if replyTo == "" {
		m.bus.logger.Warn().
			Str("subject", m.d.Subject).
			Str("entry_id", m.d.EntryID).
			Msg("streambus: reply requested but message has no reply channel")
		return false, ErrNoReplyChannel
	}
	body, err := m.bus.codec.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("streambus: encode reply: %w", err)
	}
	if err := m.bus.store.Notify(ctx, replyTo, string(body)); err != nil {
		return false, fmt.Errorf("streambus: send reply on %s: %w", replyTo, err)
	}
	return true, nil
}
