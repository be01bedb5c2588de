package messagex

import (
	"github.com/segmentio/ksuid"
)

const (
	IDHeaderKey          = "_nuage_message_id"
	OrderingKeyHeaderKey = "_nuage_ordering_key"
	ContentTypeHeaderKey = "_nuage_content_type"
)

// Message is the wire envelope: an opaque payload plus string metadata.
// A message is never mutated after construction; use Copy when a derived
// message is needed.
type Message struct {
	ID          string
	Metadata    MessageMetadata
	Payload     []byte
	OrderingKey string
}

type MessageMetadata map[string]string

// NewMessage creates a new Message with the given payload and options.
// A ksuid is generated when no ID is provided.
func NewMessage(payload []byte, opts ...newMessageOption) *Message {
	o := newMessageOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	if o.id == "" {
		o.id = ksuid.New().String()
	}

	if o.m == nil {
		o.m = make(MessageMetadata)
	}

	return &Message{
		ID:          o.id,
		Metadata:    o.m,
		Payload:     payload,
		OrderingKey: o.orderingKey,
	}
}

type newMessageOptions struct {
	id          string
	m           MessageMetadata
	orderingKey string
}

type newMessageOption func(*newMessageOptions)

// WithID sets the ID of the message.
// A ksuid will be generated if no ID is provided.
func WithID(id string) newMessageOption {
	return func(o *newMessageOptions) {
		o.id = id
	}
}

// WithMetadata sets the metadata of the message.
func WithMetadata(m MessageMetadata) newMessageOption {
	return func(o *newMessageOptions) {
		o.m = m
	}
}

// WithOrderingKey sets the ordering key of the message. Delivery order for
// a given key is whatever the service provides; the client adds no
// guarantee on top.
func WithOrderingKey(key string) newMessageOption {
	return func(o *newMessageOptions) {
		o.orderingKey = key
	}
}

// Size is the number of bytes the message accounts for against flow
// control limits and batch byte thresholds.
func (m *Message) Size() int {
	size := len(m.Payload)
	for k, v := range m.Metadata {
		size += len(k) + len(v)
	}

	return size
}

func (m *Message) Copy() *Message {
	newMessage := Message{
		ID:          m.ID,
		Metadata:    MessageMetadata{},
		Payload:     make([]byte, len(m.Payload)),
		OrderingKey: m.OrderingKey,
	}

	copy(newMessage.Payload, m.Payload)

	for key, value := range m.Metadata {
		newMessage.Metadata[key] = value
	}

	return &newMessage
}
