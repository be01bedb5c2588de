package messagex

import (
	"testing"

	"github.com/nuagemq/pubsub/errorx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesConverter(t *testing.T) {
	c := BytesConverter{}

	t.Run("should convert byte slices", func(t *testing.T) {
		m, err := c.ToWire([]byte("payload"), nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), m.Payload)
		assert.Equal(t, contentTypeBytes, m.Metadata[ContentTypeHeaderKey])

		var out []byte
		require.NoError(t, c.FromWire(m, &out))
		assert.Equal(t, []byte("payload"), out)
	})

	t.Run("should convert strings", func(t *testing.T) {
		m, err := c.ToWire("payload", MessageMetadata{"k": "v"})
		require.NoError(t, err)
		assert.Equal(t, "v", m.Metadata["k"])
		assert.Equal(t, contentTypeText, m.Metadata[ContentTypeHeaderKey])

		var out string
		require.NoError(t, c.FromWire(m, &out))
		assert.Equal(t, "payload", out)
	})

	t.Run("should reject unsupported payload types", func(t *testing.T) {
		_, err := c.ToWire(struct{ A int }{1}, nil)
		assert.True(t, errorx.IsInvalidArgumentError(err))
	})

	t.Run("should reject unsupported target types", func(t *testing.T) {
		m, err := c.ToWire("payload", nil)
		require.NoError(t, err)

		var out int
		assert.True(t, errorx.IsInvalidArgumentError(c.FromWire(m, &out)))
	})

	t.Run("should not share the caller's metadata map", func(t *testing.T) {
		metadata := MessageMetadata{"k": "v"}
		m, err := c.ToWire("payload", metadata)
		require.NoError(t, err)

		m.Metadata["k"] = "changed"
		assert.Equal(t, "v", metadata["k"])
	})
}

func TestJSONConverter(t *testing.T) {
	c := JSONConverter{}

	type event struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	t.Run("should round trip structured payloads", func(t *testing.T) {
		m, err := c.ToWire(event{Name: "created", Count: 2}, nil)
		require.NoError(t, err)
		assert.Equal(t, contentTypeJSON, m.Metadata[ContentTypeHeaderKey])

		var out event
		require.NoError(t, c.FromWire(m, &out))
		assert.Equal(t, event{Name: "created", Count: 2}, out)
	})

	t.Run("should pass raw payloads through", func(t *testing.T) {
		m, err := c.ToWire([]byte(`not json`), nil)
		require.NoError(t, err)
		assert.Equal(t, contentTypeBytes, m.Metadata[ContentTypeHeaderKey])
	})

	t.Run("should fail on payloads that do not decode", func(t *testing.T) {
		m := NewMessage([]byte(`{`))
		var out event
		assert.True(t, errorx.IsInvalidArgumentError(c.FromWire(m, &out)))
	})
}
