package streambus

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver writes bus events to Logger. Failures log at warn, drops at
// info and the per-message lifecycle at debug.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	l := o.Logger.With(xlog.Str("event", string(e.Type)), xlog.Str("subject", e.Subject))
	if e.Group != "" {
		l = l.With(xlog.Str("group", e.Group))
	}
	if e.MessageID != "" {
		l = l.With(xlog.Str("message_id", e.MessageID))
	}
	if e.Duration > 0 {
		l = l.With(xlog.Dur("took", e.Duration))
	}

	switch e.Type {
	case Error, DeadLettered:
		l.Warn().Err(e.Err).Msg("streambus: " + string(e.Type))
	case Dropped:
		l.Info().Err(e.Err).Msg("streambus: message dropped")
	default:
		l.Debug().Msg("streambus: " + string(e.Type))
	}
}
