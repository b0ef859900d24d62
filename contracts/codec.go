package contracts

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Content types understood on the wire
const (
	ContentTypeJSON   = "application/json"
	ContentTypeCBOR   = "application/cbor"
	ContentTypeBinary = "application/octet-stream"
)

// Codec encodes envelopes and decodes replies for one content type
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the default codec
var JSON Codec = jsonCodec{}

// CBOR encodes with Core Deterministic Encoding and decodes untyped maps as
// map[string]any so decoded bodies look the same as their JSON counterparts.
var CBOR Codec

func init() {
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("contracts: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("contracts: CBOR decoder initialization failed: " + err.Error())
	}
	CBOR = cborCodec{enc: encMode, dec: decMode}
}

type jsonCodec struct{}

func (jsonCodec) ContentType() string { return ContentTypeJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (cborCodec) ContentType() string { return ContentTypeCBOR }

func (c cborCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// CodecFor returns the codec registered for a content type. An empty content
// type is treated as JSON since that is what workers send by default.
func CodecFor(contentType string) (Codec, error) {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	switch mediaType {
	case "", ContentTypeJSON, "text/json":
		return JSON, nil
	case ContentTypeCBOR:
		return CBOR, nil
	default:
		return nil, fmt.Errorf("contracts: unsupported content type %q", contentType)
	}
}

// DecodeReplies decodes a reply body into its domain mapping
func DecodeReplies(contentType string, body []byte) (Replies, error) {
	codec, err := CodecFor(contentType)
	if err != nil {
		return nil, err
	}
	var replies Replies
	if err := codec.Unmarshal(body, &replies); err != nil {
		return nil, fmt.Errorf("contracts: decode reply: %w", err)
	}
	if len(replies) == 0 {
		return nil, fmt.Errorf("contracts: reply carries no domain")
	}
	return replies, nil
}

// DecodeEnvelope decodes a request body into an envelope
func DecodeEnvelope(contentType string, body []byte) (Envelope, error) {
	codec, err := CodecFor(contentType)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := codec.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("contracts: decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}
