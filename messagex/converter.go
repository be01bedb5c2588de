package messagex

import (
	"encoding/json"

	"github.com/nuagemq/pubsub/errorx"
)

// Converter translates between typed payloads and the wire envelope.
// Implementations must be stateless and safe for concurrent use across
// topics and subscriptions.
type Converter interface {
	// ToWire converts a payload and metadata into a wire message.
	ToWire(payload any, metadata MessageMetadata) (*Message, error)

	// FromWire decodes a wire message into target, which must be a non-nil
	// pointer to the expected payload type.
	FromWire(m *Message, target any) error
}

const (
	contentTypeBytes = "application/octet-stream"
	contentTypeText  = "text/plain"
	contentTypeJSON  = "application/json"
)

// BytesConverter is the default converter: it handles byte slices and
// strings only and rejects anything else.
type BytesConverter struct{}

var _ Converter = (*BytesConverter)(nil)

func (c BytesConverter) ToWire(payload any, metadata MessageMetadata) (*Message, error) {
	m := cloneMetadata(metadata)
	switch p := payload.(type) {
	case []byte:
		m[ContentTypeHeaderKey] = contentTypeBytes
		return NewMessage(p, WithMetadata(m)), nil
	case string:
		m[ContentTypeHeaderKey] = contentTypeText
		return NewMessage([]byte(p), WithMetadata(m)), nil
	default:
		return nil, errorx.InvalidArgumentErrorf("unsupported payload type %T", payload)
	}
}

func (c BytesConverter) FromWire(msg *Message, target any) error {
	switch t := target.(type) {
	case *[]byte:
		*t = append([]byte(nil), msg.Payload...)
		return nil
	case *string:
		*t = string(msg.Payload)
		return nil
	default:
		return errorx.InvalidArgumentErrorf("unsupported target type %T", target)
	}
}

// JSONConverter handles structured payloads by encoding them as JSON.
// Byte slices and strings pass through untouched so callers can mix raw
// and structured messages on the same topic.
type JSONConverter struct{}

var _ Converter = (*JSONConverter)(nil)

func (c JSONConverter) ToWire(payload any, metadata MessageMetadata) (*Message, error) {
	switch payload.(type) {
	case []byte, string:
		return BytesConverter{}.ToWire(payload, metadata)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errorx.InvalidArgumentErrorf("unsupported payload type %T: %v", payload, err)
	}

	m := cloneMetadata(metadata)
	m[ContentTypeHeaderKey] = contentTypeJSON
	return NewMessage(data, WithMetadata(m)), nil
}

func (c JSONConverter) FromWire(msg *Message, target any) error {
	switch target.(type) {
	case *[]byte, *string:
		return BytesConverter{}.FromWire(msg, target)
	}

	if err := json.Unmarshal(msg.Payload, target); err != nil {
		return errorx.InvalidArgumentErrorf("cannot decode payload into %T: %v", target, err)
	}

	return nil
}

func cloneMetadata(metadata MessageMetadata) MessageMetadata {
	m := make(MessageMetadata, len(metadata)+1)
	for k, v := range metadata {
		m[k] = v
	}

	return m
}
