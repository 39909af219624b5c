package streambus

import (
	"context"
	"fmt"
	"time"
)

// ReplyOptions tunes a request.
type ReplyOptions struct {
	// Timeout bounds the wait for a reply. Zero uses Config.ReplyTimeout.
	Timeout time.Duration
}

// Request publishes msg with a reply channel and waits for the first reply body.
// The correlation channel is subscribed before publishing and released on every path.
func (b *Bus) Request(ctx context.Context, msg any, opts PublishOptions, ropts ReplyOptions) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if msg == nil {
		return nil, ErrInvalidPayload
	}
	subject := opts.Subject
	if subject == "" {
		subject = b.registry.SubjectOf(msg)
	}
	if subject == "" {
		return nil, ErrInvalidSubject
	}
	if opts.SessionID == "" {
		opts.SessionID = newID()
	}
	opts.Subject = subject
	timeout := ropts.Timeout
	if timeout <= 0 {
		timeout = b.cfg.ReplyTimeout
	}

	channel := replyChannel(subject, opts.SessionID)
	sub, err := b.store.Subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("streambus: subscribe %s: %w", channel, err)
	}
	defer func() {
		if cerr := sub.Close(); cerr != nil {
			b.logger.Warn().Err(cerr).Str("channel", channel).Msg("streambus: unsubscribe failed")
		}
	}()

	if _, err := b.PublishWithOptions(ctx, msg, opts); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case n, ok := <-sub.Channel():
		if !ok {
			return nil, fmt.Errorf("streambus: reply channel %s closed", channel)
		}
		return []byte(n.Payload), nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %v on %s", ErrReplyTimeout, timeout, channel)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestResponse sends msg and decodes the reply into Resp with the bus codec.
func RequestResponse[Resp any](ctx context.Context, b *Bus, msg any, opts PublishOptions, ropts ReplyOptions) (Resp, error) {
	var resp Resp
	body, err := b.Request(ctx, msg, opts, ropts)
	if err != nil {
		return resp, err
	}
	if err := b.codec.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("%w: %v", ErrCannotParse, err)
	}
	return resp, nil
}
