package contracts

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	t.Run("NewEnvelope builds single domain request", func(t *testing.T) {
		env := NewEnvelope("attribute", "get_attribute_by_name", map[string]any{"attribute_name": "color"})

		require.Len(t, env, 1)
		assert.Equal(t, "get_attribute_by_name", env["attribute"].Action)
		assert.Equal(t, []string{"attribute"}, env.Domains())
		assert.NoError(t, env.Validate())
		assert.Equal(t, "attribute.get_attribute_by_name", env.String())
	})

	t.Run("Validate rejects empty envelope", func(t *testing.T) {
		assert.ErrorIs(t, Envelope{}.Validate(), ErrEmptyEnvelope)
	})

	t.Run("Validate rejects missing action", func(t *testing.T) {
		env := Envelope{"product": {Body: "x"}}
		assert.ErrorIs(t, env.Validate(), ErrMissingAction)
	})

	t.Run("Domains are sorted", func(t *testing.T) {
		env := Envelope{
			"product":   {Action: "update"},
			"attribute": {Action: "update"},
		}
		assert.Equal(t, []string{"attribute", "product"}, env.Domains())
	})
}

func TestRoutingTag(t *testing.T) {
	t.Run("Flags returns only true flags sorted", func(t *testing.T) {
		tag := RoutingTag{"product": true, "attribute": true, "media": false}
		assert.Equal(t, []string{"attribute", "product"}, tag.Flags())
		assert.True(t, tag.Has("product"))
		assert.False(t, tag.Has("media"))
		assert.Equal(t, "attribute|product", tag.String())
	})

	t.Run("Validate rejects tag without active flag", func(t *testing.T) {
		assert.ErrorIs(t, RoutingTag{"media": false}.Validate(), ErrEmptyRoutingTag)
		assert.ErrorIs(t, NewRoutingTag(" ", "").Validate(), ErrEmptyRoutingTag)
	})

	t.Run("TagFor targets envelope domains", func(t *testing.T) {
		env := Envelope{"product": {Action: "a"}, "attribute": {Action: "b"}}
		assert.Equal(t, RoutingTag{"product": true, "attribute": true}, TagFor(env))
	})
}

func TestPayload(t *testing.T) {
	t.Run("Status falls back on success flag", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, Payload{Success: true}.Status())
		assert.Equal(t, http.StatusInternalServerError, Payload{}.Status())
		assert.Equal(t, http.StatusNotFound, Fail(http.StatusNotFound, "missing").Status())
	})

	t.Run("GetError is nil on success", func(t *testing.T) {
		assert.NoError(t, OK(200, "done").GetError())
		err := Fail(409, "conflict").GetError()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "409")
	})

	t.Run("Clone does not share the map", func(t *testing.T) {
		replies := Replies{"attribute": OK(200, nil)}
		clone := replies.Clone()
		clone["product"] = OK(200, nil)
		assert.Len(t, replies, 1)
		assert.Equal(t, []string{"attribute", "product"}, clone.Domains())
	})
}

func TestCodec(t *testing.T) {
	t.Run("CodecFor resolves known content types", func(t *testing.T) {
		for _, ct := range []string{"", "application/json", "application/json; charset=utf-8", "APPLICATION/JSON"} {
			codec, err := CodecFor(ct)
			require.NoError(t, err, ct)
			assert.Equal(t, ContentTypeJSON, codec.ContentType())
		}
		codec, err := CodecFor(ContentTypeCBOR)
		require.NoError(t, err)
		assert.Equal(t, ContentTypeCBOR, codec.ContentType())

		_, err = CodecFor("text/xml")
		assert.Error(t, err)
	})

	t.Run("DecodeReplies reads domain keyed JSON", func(t *testing.T) {
		body := []byte(`{"attribute":{"success":true,"status_code":200,"message":["red","blue"]}}`)
		replies, err := DecodeReplies(ContentTypeJSON, body)
		require.NoError(t, err)
		require.Contains(t, replies, "attribute")
		assert.True(t, replies["attribute"].Success)
		assert.Equal(t, 200, replies["attribute"].StatusCode)
		assert.Equal(t, []any{"red", "blue"}, replies["attribute"].Message)
	})

	t.Run("DecodeReplies reads CBOR with JSON field names", func(t *testing.T) {
		body, err := CBOR.Marshal(map[string]any{
			"product": map[string]any{"success": false, "status_code": 404, "error": "not found"},
		})
		require.NoError(t, err)

		replies, err := DecodeReplies(ContentTypeCBOR, body)
		require.NoError(t, err)
		assert.False(t, replies["product"].Success)
		assert.Equal(t, 404, replies["product"].StatusCode)
		assert.Equal(t, "not found", replies["product"].Error)
	})

	t.Run("DecodeReplies rejects garbage and empty objects", func(t *testing.T) {
		_, err := DecodeReplies(ContentTypeJSON, []byte("not json"))
		assert.Error(t, err)
		_, err = DecodeReplies(ContentTypeJSON, []byte("{}"))
		assert.Error(t, err)
	})

	t.Run("DecodeEnvelope validates", func(t *testing.T) {
		env, err := DecodeEnvelope("", []byte(`{"attribute":{"action":"get","body":{"id":1}}}`))
		require.NoError(t, err)
		assert.Equal(t, "get", env["attribute"].Action)

		_, err = DecodeEnvelope("", []byte(`{"attribute":{"body":{}}}`))
		assert.ErrorIs(t, err, ErrMissingAction)
	})
}
