package streambus

import (
	"encoding/json"
	"reflect"
	"sync"
)

// Subjecter lets a message type declare its subject explicitly.
type Subjecter interface {
	Subject() string
}

var (
	subjecterType = reflect.TypeOf((*Subjecter)(nil)).Elem()
	rawType       = reflect.TypeOf(json.RawMessage(nil))
)

// Registry maps message types to subjects and back. Explicit registrations win over
// a Subject method, which wins over the Go type name.
type Registry struct {
	mu        sync.RWMutex
	byType    map[reflect.Type]string
	bySubject map[string]reflect.Type
}

func NewRegistry() *Registry {
	return &Registry{
		byType:    make(map[reflect.Type]string),
		bySubject: make(map[string]reflect.Type),
	}
}

// Register binds T to subject. An empty subject registers T under its default subject.
func Register[T any](r *Registry, subject string) {
	r.register(typeOf[T](), subject, true)
}

// SubjectFor resolves the subject of T.
func SubjectFor[T any](r *Registry) string {
	return r.subjectOfType(typeOf[T]())
}

// SubjectOf resolves the subject of v's dynamic type.
func (r *Registry) SubjectOf(v any) string {
	return r.subjectOfType(reflect.TypeOf(v))
}

// Allow accepts raw JSON bodies on subjects no Go type is bound to, so scheduled
// messages for them are not dropped. Existing bindings are kept.
func (r *Registry) Allow(subjects ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range subjects {
		if _, taken := r.bySubject[s]; !taken && s != "" {
			r.bySubject[s] = rawType
		}
	}
}

// Lookup returns the type registered for subject.
func (r *Registry) Lookup(subject string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.bySubject[subject]
	return t, ok
}

// Subjects lists every registered subject.
func (r *Registry) Subjects() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySubject))
	for s := range r.bySubject {
		out = append(out, s)
	}
	return out
}

func (r *Registry) register(t reflect.Type, subject string, override bool) string {
	t = baseType(t)
	if subject == "" {
		subject = r.subjectOfType(t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.bySubject[subject]; taken && !override {
		return subject
	}
	r.byType[t] = subject
	r.bySubject[subject] = t
	return subject
}

// learn lets subject decode back to t when nothing else claims it. The type's own
// subject is left alone, so publishing to a side subject never re-routes t.
func (r *Registry) learn(t reflect.Type, subject string) {
	if t == nil || subject == "" {
		return
	}
	t = baseType(t)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.bySubject[subject]; !taken {
		r.bySubject[subject] = t
	}
}

func (r *Registry) subjectOfType(t reflect.Type) string {
	if t == nil {
		return ""
	}
	t = baseType(t)
	r.mu.RLock()
	s, ok := r.byType[t]
	r.mu.RUnlock()
	if ok {
		return s
	}
	return defaultSubject(t)
}

func defaultSubject(t reflect.Type) string {
	if t.Implements(subjecterType) {
		if s := reflect.Zero(t).Interface().(Subjecter).Subject(); s != "" {
			return s
		}
	}
	if pt := reflect.PointerTo(t); pt.Implements(subjecterType) {
		if s := reflect.New(t).Interface().(Subjecter).Subject(); s != "" {
			return s
		}
	}
	return t.Name()
}

func baseType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
