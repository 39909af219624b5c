package streambus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/samber/lo"
)

// Consumers collects typed consumer registrations. Build the bus with it via
// BusBuilder.WithConsumers; the set is frozen at Build time.
type Consumers struct {
	routes []*route
	err    error
}

func NewConsumers() *Consumers { return &Consumers{} }

type route struct {
	name        string
	typ         reflect.Type
	subject     string
	withContext bool
	decode      func(c Codec, body []byte) (any, error)
	invoke      func(ctx context.Context, v any, mc MessageContext) error
}

// Handle registers a simple consumer for T on T's subject.
func Handle[T any](c *Consumers, name string, fn func(ctx context.Context, msg T) error) *Consumers {
	if fn == nil {
		c.fail(fmt.Errorf("streambus: consumer %q: nil handler", name))
		return c
	}
	c.add(newRoute[T](name, "", false, func(ctx context.Context, v T, _ MessageContext) error {
		return fn(ctx, v)
	}))
	return c
}

// HandleContext registers a context-aware consumer for T. The MessageContext carries
// the reply channel and locale of each message.
func HandleContext[T any](c *Consumers, name string, fn func(ctx context.Context, msg T, mc MessageContext) error) *Consumers {
	if fn == nil {
		c.fail(fmt.Errorf("streambus: consumer %q: nil handler", name))
		return c
	}
	c.add(newRoute[T](name, "", true, fn))
	return c
}

// HandleSubject registers a simple consumer for T on an explicit subject.
func HandleSubject[T any](c *Consumers, subject, name string, fn func(ctx context.Context, msg T) error) *Consumers {
	if subject == "" {
		c.fail(fmt.Errorf("streambus: consumer %q: %w", name, ErrInvalidSubject))
		return c
	}
	if fn == nil {
		c.fail(fmt.Errorf("streambus: consumer %q: nil handler", name))
		return c
	}
	c.add(newRoute[T](name, subject, false, func(ctx context.Context, v T, _ MessageContext) error {
		return fn(ctx, v)
	}))
	return c
}

func newRoute[T any](name, subject string, withContext bool, fn func(context.Context, T, MessageContext) error) *route {
	t := typeOf[T]()
	if name == "" {
		name = baseType(t).Name()
	}
	return &route{
		name:        name,
		typ:         t,
		subject:     subject,
		withContext: withContext,
		decode: func(c Codec, body []byte) (any, error) {
			var v T
			if err := c.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		invoke: func(ctx context.Context, v any, mc MessageContext) error {
			return fn(ctx, v.(T), mc)
		},
	}
}

func (c *Consumers) add(r *route) { c.routes = append(c.routes, r) }

func (c *Consumers) fail(err error) {
	c.err = errors.Join(c.err, err)
}

// Len returns the number of registered consumers.
func (c *Consumers) Len() int { return len(c.routes) }

// subjectRoutes holds the routes bound to one subject.
type subjectRoutes struct {
	simple      []*route
	withContext []*route
}

func (s *subjectRoutes) all() []*route {
	out := make([]*route, 0, len(s.simple)+len(s.withContext))
	out = append(out, s.simple...)
	return append(out, s.withContext...)
}

// consumerIndex is the immutable subject -> routes table shared by every reader.
type consumerIndex struct {
	bySubject map[string]*subjectRoutes
	subjects  []string
}

type boundRoute struct {
	subject string
	r       *route
}

// build resolves each route's subject against reg and freezes the index.
func (c *Consumers) build(reg *Registry) (*consumerIndex, error) {
	if c.err != nil {
		return nil, c.err
	}
	bound := make([]boundRoute, 0, len(c.routes))
	for _, r := range c.routes {
		subject := r.subject
		if subject == "" {
			subject = reg.subjectOfType(r.typ)
		}
		if subject == "" {
			return nil, fmt.Errorf("streambus: consumer %q: %w", r.name, ErrInvalidSubject)
		}
		reg.register(r.typ, subject, false)
		bound = append(bound, boundRoute{subject: subject, r: r})
	}

	grouped := lo.GroupBy(bound, func(b boundRoute) string { return b.subject })
	idx := &consumerIndex{bySubject: make(map[string]*subjectRoutes, len(grouped))}
	for subject, items := range grouped {
		routes := lo.Map(items, func(b boundRoute, _ int) *route { return b.r })
		withCtx, simple := lo.FilterReject(routes, func(r *route, _ int) bool { return r.withContext })
		idx.bySubject[subject] = &subjectRoutes{simple: simple, withContext: withCtx}
	}
	idx.subjects = lo.Keys(idx.bySubject)
	sort.Strings(idx.subjects)
	return idx, nil
}

func (idx *consumerIndex) routes(subject string) []*route {
	if idx == nil {
		return nil
	}
	s, ok := idx.bySubject[subject]
	if !ok {
		return nil
	}
	return s.all()
}
