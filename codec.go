package streambus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	jsoniter "github.com/json-iterator/go"
)

// Codec is the Strategy for encoding/decoding payloads on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default JSON implementation. Field names follow struct tags.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// NamingPolicy rewrites exported Go field names that carry no explicit json tag.
type NamingPolicy func(field string) string

// CamelCase turns "OrderID" into "orderID" and "Amount" into "amount".
func CamelCase(field string) string {
	if field == "" {
		return field
	}
	runes := []rune(field)
	for i := range runes {
		if !unicode.IsUpper(runes[i]) {
			break
		}
		// keep the last upper rune of an acronym when a lower rune follows it
		if i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
			break
		}
		runes[i] = unicode.ToLower(runes[i])
	}
	return string(runes)
}

// SnakeCase turns "OrderID" into "order_id".
func SnakeCase(field string) string {
	var sb strings.Builder
	runes := []rune(field)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// NamingCodec is a JSON codec applying a NamingPolicy to untagged fields.
type NamingCodec struct {
	name string
	api  jsoniter.API
}

// NewNamingCodec builds a JSON codec whose untagged fields are renamed by policy.
func NewNamingCodec(name string, policy NamingPolicy) *NamingCodec {
	api := jsoniter.Config{
		EscapeHTML:             true,
		SortMapKeys:            true,
		ValidateJsonRawMessage: true,
	}.Froze()
	api.RegisterExtension(&namingExtension{policy: policy})
	return &NamingCodec{name: name, api: api}
}

func (c *NamingCodec) Marshal(v any) ([]byte, error)   { return c.api.Marshal(v) }
func (c *NamingCodec) Unmarshal(b []byte, v any) error { return c.api.Unmarshal(b, v) }
func (c *NamingCodec) Name() string                    { return c.name }

type namingExtension struct {
	jsoniter.DummyExtension
	policy NamingPolicy
}

func (e *namingExtension) UpdateStructDescriptor(desc *jsoniter.StructDescriptor) {
	for _, binding := range desc.Fields {
		name := binding.Field.Name()
		if name == "" || unicode.IsLower(rune(name[0])) || name[0] == '_' {
			continue
		}
		if tag, ok := binding.Field.Tag().Lookup("json"); ok {
			if n := strings.Split(tag, ",")[0]; n == "-" || n != "" {
				continue
			}
		}
		renamed := e.policy(name)
		binding.ToNames = []string{renamed}
		binding.FromNames = []string{renamed}
	}
}

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json":       func() Codec { return JSONCodec{} },
		"json-camel": func() Codec { return NewNamingCodec("json-camel", CamelCase) },
		"json-snake": func() Codec { return NewNamingCodec("json-snake", SnakeCase) },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f(), nil
}

// DecodeCodec unmarshals an envelope body into T using the provided codec.
func DecodeCodec[T any](c Codec, env *Envelope) (T, error) {
	var v T
	if err := c.Unmarshal(env.Body, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Decode unmarshals an envelope body into T using a Codec found in ctx.
// Falls back to the default "json" codec if none was injected.
func Decode[T any](ctx context.Context, env *Envelope) (T, error) {
	c, ok := CodecFromContext(ctx)
	if !ok {
		c = JSONCodec{}
	}
	return DecodeCodec[T](c, env)
}
