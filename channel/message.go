package channel

import (
	"anillo/errs"
	"anillo/mapping"
	"anillo/util"
)

// AttachmentKind tags which variant an Attachment carries, per the wire
// format convention: "each attachment begins with a type tag and a
// length field."
type AttachmentKind uint8

const (
	// AttachmentBuffer is an opaque byte payload, copied on send.
	AttachmentBuffer AttachmentKind = iota
	// AttachmentChannel transfers a channel endpoint; ownership of the
	// reference moves to the receiver rather than being duplicated.
	AttachmentChannel
	// AttachmentMapping transfers a shareable-mapping reference; the
	// receiver gets its own retained reference, distinct from the
	// sender's.
	AttachmentMapping
)

// Attachment is one entry in a Message's attachment list. Exactly one of
// Buffer, Endpoint, or Mapping is meaningful, selected by Kind.
type Attachment struct {
	Kind     AttachmentKind
	Buffer   []byte
	Endpoint *Endpoint
	Mapping  *mapping.Mapping
	MapOff   int // valid when Kind == AttachmentMapping: offset being transferred
}

// Message is one entry in a channel's ring, matching wire
// record: {conversation_id, message_id, body, attachments[]}.
type Message struct {
	ConversationID uint64
	MessageID      uint64
	Body           []byte
	Attachments    []Attachment
}

// moveIn resolves each attachment's kind-specific move-in step: a
// buffer is defensively copied so the sender's
// slice can be reused; a mapping attachment is retained again so the
// receiver has its own reference; a channel attachment's reference is
// assumed already transferred by the caller (its descriptor is
// uninstalled from the sender's table before Send is called), so no
// further retain happens here — only an ownership move, never a copy.
func moveIn(msg *Message) {
	for i := range msg.Attachments {
		a := &msg.Attachments[i]
		switch a.Kind {
		case AttachmentBuffer:
			cp := make([]byte, len(a.Buffer))
			copy(cp, a.Buffer)
			a.Buffer = cp
		case AttachmentMapping:
			if a.Mapping != nil {
				a.Mapping.Retain()
			}
		case AttachmentChannel:
			// ownership already transferred; nothing to retain.
		}
	}
}

// release drops every attachment still held by msg, used when a message
// is discarded without ever being received (ring teardown on Close).
func release(msg Message) {
	for _, a := range msg.Attachments {
		switch a.Kind {
		case AttachmentMapping:
			if a.Mapping != nil {
				a.Mapping.Release()
			}
		case AttachmentChannel:
			if a.Endpoint != nil {
				a.Endpoint.Close()
			}
		}
	}
}

// wireHeaderSize is the fixed-width prefix of an encoded message:
// conversation_id(8) + message_id(8) + body_len(4) + attachments_len(4).
const wireHeaderSize = 8 + 8 + 4 + 4

// Encode serializes msg's header and body using biscuit's
// fixed-width little-endian field convention (util.Writen). Attachments
// are not flattened into the byte stream here — they
// travel alongside the message as live Go values (Attachments) rather
// than serialized descriptors, since this substrate has no separate
// user-copy boundary to cross; Encode exists for callers that need a
// flat byte representation of the
// conversation/message-id/body triple for logging or cross-process wire
// transport.
func Encode(msg Message) []byte {
	out := make([]byte, wireHeaderSize+len(msg.Body))
	util.Writen(out, 8, 0, msg.ConversationID)
	util.Writen(out, 8, 8, msg.MessageID)
	util.Writen(out, 4, 16, uint64(len(msg.Body)))
	util.Writen(out, 4, 20, uint64(len(msg.Attachments)))
	copy(out[wireHeaderSize:], msg.Body)
	return out
}

// Decode parses the fixed header Encode produces. It returns
// InvalidArgument if buf is too short to hold the declared body.
func Decode(buf []byte) (Message, errs.Err_t) {
	if len(buf) < wireHeaderSize {
		return Message{}, errs.InvalidArgument
	}
	convID := util.Readn(buf, 8, 0)
	msgID := util.Readn(buf, 8, 8)
	bodyLen := int(util.Readn(buf, 4, 16))
	attLen := int(util.Readn(buf, 4, 20))
	if wireHeaderSize+bodyLen > len(buf) {
		return Message{}, errs.InvalidArgument
	}
	body := make([]byte, bodyLen)
	copy(body, buf[wireHeaderSize:wireHeaderSize+bodyLen])
	return Message{
		ConversationID: convID,
		MessageID:      msgID,
		Body:           body,
		Attachments:    make([]Attachment, 0, attLen),
	}, errs.Ok
}
