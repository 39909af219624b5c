package streambus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namingSample struct {
	OrderID    string
	TotalPrice int64
	Tagged     string `json:"custom"`
	Skipped    string `json:"-"`
	hidden     string
}

func TestNamingPolicies(t *testing.T) {
	cases := []struct {
		in, camel, snake string
	}{
		{"OrderID", "orderID", "order_id"},
		{"Amount", "amount", "amount"},
		{"HTTPServer", "httpServer", "http_server"},
		{"ID", "id", "id"},
		{"", "", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.camel, CamelCase(c.in), "camel %q", c.in)
		assert.Equal(t, c.snake, SnakeCase(c.in), "snake %q", c.in)
	}
}

func TestNamingCodecRenamesUntaggedFields(t *testing.T) {
	c, err := NewCodec("json-snake")
	require.NoError(t, err)

	in := namingSample{OrderID: "o-1", TotalPrice: 42, Tagged: "t", Skipped: "s", hidden: "h"}
	body, err := c.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"order_id":"o-1","total_price":42,"custom":"t"}`, string(body))

	var out namingSample
	require.NoError(t, c.Unmarshal(body, &out))
	assert.Equal(t, namingSample{OrderID: "o-1", TotalPrice: 42, Tagged: "t"}, out)

	camel, err := NewCodec("json-camel")
	require.NoError(t, err)
	body, err = camel.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"orderID":"o-1","totalPrice":42,"custom":"t"}`, string(body))
}

func TestCodecRegistry(t *testing.T) {
	_, err := NewCodec("yaml")
	assert.Error(t, err)

	assert.Error(t, RegisterCodec("", func() Codec { return JSONCodec{} }))
	assert.Error(t, RegisterCodec("x", nil))
	require.NoError(t, RegisterCodec("json-alias", func() Codec { return JSONCodec{} }))
	c, err := NewCodec("json-alias")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())
}

func TestDecodeUsesContextCodec(t *testing.T) {
	snake := NewNamingCodec("json-snake", SnakeCase)
	env := &Envelope{Body: []byte(`{"order_id":"o-7"}`)}

	v, err := Decode[namingSample](InjectAll(context.Background(), snake, nil, nil), env)
	require.NoError(t, err)
	assert.Equal(t, "o-7", v.OrderID)

	// without a codec in ctx the plain JSON field names apply
	v, err = Decode[namingSample](context.Background(), env)
	require.NoError(t, err)
	assert.Empty(t, v.OrderID)
}
