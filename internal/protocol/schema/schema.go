package schema

import (
	"fmt"

	"github.com/danmuck/portroute/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in frame.Header.MessageType.
const (
	MsgWrite         uint32 = 1
	MsgWriteResult   uint32 = 2
	MsgUnregister    uint32 = 3
	MsgUnregisterAck uint32 = 4
)

// Field IDs carried in TLV payloads.
const (
	FieldTarget      uint16 = 1
	FieldSource      uint16 = 2
	FieldInvokeID    uint16 = 3
	FieldIndexGroup  uint16 = 4
	FieldIndexOffset uint16 = 5
	FieldPayload     uint16 = 6
	FieldResultCode  uint16 = 7
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgWrite: {
		{FieldTarget, tlv.TypeBytes},
		{FieldSource, tlv.TypeBytes},
		{FieldInvokeID, tlv.TypeU32},
		{FieldIndexGroup, tlv.TypeU32},
		{FieldIndexOffset, tlv.TypeU32},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgWriteResult: {
		{FieldInvokeID, tlv.TypeU32},
		{FieldResultCode, tlv.TypeU32},
	},
	MsgUnregister: {
		{FieldTarget, tlv.TypeBytes},
	},
	MsgUnregisterAck: {
		{FieldTarget, tlv.TypeBytes},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.validate unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
