package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/danmuck/portroute/internal/address"
	"github.com/danmuck/portroute/internal/protocol"
	"github.com/danmuck/portroute/internal/protocol/frame"
	"github.com/danmuck/portroute/internal/protocol/schema"
	"github.com/danmuck/portroute/internal/protocol/tlv"
)

const addressWireLen = address.NetIDLen + 2

// EncodeAddress renders a as 6 net id bytes followed by a big-endian port.
func EncodeAddress(a address.Address) []byte {
	out := make([]byte, addressWireLen)
	copy(out, a.NetID[:])
	binary.BigEndian.PutUint16(out[address.NetIDLen:], a.Port)
	return out
}

// DecodeAddress parses the EncodeAddress form.
func DecodeAddress(b []byte) (address.Address, error) {
	if len(b) != addressWireLen {
		return address.Address{}, fmt.Errorf("session: invalid address length: %d", len(b))
	}
	var a address.Address
	copy(a.NetID[:], b[:address.NetIDLen])
	a.Port = binary.BigEndian.Uint16(b[address.NetIDLen:])
	return a, nil
}

// EncodeWriteFrame encodes one write request.
func EncodeWriteFrame(messageID uint64, req protocol.WriteRequest) ([]byte, error) {
	fields := []tlv.Field{
		tlv.Bytes(schema.FieldTarget, EncodeAddress(req.Target)),
		tlv.Bytes(schema.FieldSource, EncodeAddress(req.Source)),
		tlv.U32(schema.FieldInvokeID, req.InvokeID),
		tlv.U32(schema.FieldIndexGroup, req.IndexGroup),
		tlv.U32(schema.FieldIndexOffset, req.IndexOffset),
		tlv.Bytes(schema.FieldPayload, req.Payload),
	}
	return encodeFrame(messageID, schema.MsgWrite, 0, fields)
}

// DecodeWriteFrame decodes one write request frame.
func DecodeWriteFrame(f frame.Frame) (protocol.WriteRequest, error) {
	fields, err := decodeFields(f, schema.MsgWrite)
	if err != nil {
		return protocol.WriteRequest{}, err
	}
	var req protocol.WriteRequest
	if req.Target, err = getAddress(fields, schema.FieldTarget); err != nil {
		return protocol.WriteRequest{}, err
	}
	if req.Source, err = getAddress(fields, schema.FieldSource); err != nil {
		return protocol.WriteRequest{}, err
	}
	if req.InvokeID, err = tlv.GetU32(fields, schema.FieldInvokeID); err != nil {
		return protocol.WriteRequest{}, err
	}
	if req.IndexGroup, err = tlv.GetU32(fields, schema.FieldIndexGroup); err != nil {
		return protocol.WriteRequest{}, err
	}
	if req.IndexOffset, err = tlv.GetU32(fields, schema.FieldIndexOffset); err != nil {
		return protocol.WriteRequest{}, err
	}
	if req.Payload, err = tlv.GetBytes(fields, schema.FieldPayload); err != nil {
		return protocol.WriteRequest{}, err
	}
	return req, nil
}

// EncodeWriteResultFrame encodes the answer to the write frame messageID.
func EncodeWriteResultFrame(messageID uint64, res protocol.WriteResult) ([]byte, error) {
	fields := []tlv.Field{
		tlv.U32(schema.FieldInvokeID, res.InvokeID),
		tlv.U32(schema.FieldResultCode, uint32(res.Code)),
	}
	flags := frame.FlagIsResponse
	if res.Failed() {
		flags |= frame.FlagIsError
	}
	return encodeFrame(messageID, schema.MsgWriteResult, flags, fields)
}

// DecodeWriteResultFrame decodes one write result frame.
func DecodeWriteResultFrame(f frame.Frame) (protocol.WriteResult, error) {
	fields, err := decodeFields(f, schema.MsgWriteResult)
	if err != nil {
		return protocol.WriteResult{}, err
	}
	invokeID, err := tlv.GetU32(fields, schema.FieldInvokeID)
	if err != nil {
		return protocol.WriteResult{}, err
	}
	code, err := tlv.GetU32(fields, schema.FieldResultCode)
	if err != nil {
		return protocol.WriteResult{}, err
	}
	return protocol.Result(invokeID, protocol.ParseResultCode(code)), nil
}

// EncodeUnregisterFrame asks the router to drop the route for a.
func EncodeUnregisterFrame(messageID uint64, a address.Address) ([]byte, error) {
	fields := []tlv.Field{tlv.Bytes(schema.FieldTarget, EncodeAddress(a))}
	return encodeFrame(messageID, schema.MsgUnregister, 0, fields)
}

// EncodeUnregisterAckFrame confirms the route for a is gone.
func EncodeUnregisterAckFrame(messageID uint64, a address.Address) ([]byte, error) {
	fields := []tlv.Field{tlv.Bytes(schema.FieldTarget, EncodeAddress(a))}
	return encodeFrame(messageID, schema.MsgUnregisterAck, frame.FlagIsResponse, fields)
}

// DecodeUnregisterFrame decodes either an unregister or an unregister ack.
func DecodeUnregisterFrame(f frame.Frame) (address.Address, error) {
	fields, err := decodeFields(f, f.Header.MessageType)
	if err != nil {
		return address.Address{}, err
	}
	if t := f.Header.MessageType; t != schema.MsgUnregister && t != schema.MsgUnregisterAck {
		return address.Address{}, fmt.Errorf("session: unexpected message_type=%d", t)
	}
	return getAddress(fields, schema.FieldTarget)
}

// ReadFrame reads one framed message from the stream.
func ReadFrame(r io.Reader, limits frame.Limits) (frame.Frame, error) {
	return frame.ReadFrame(r, limits)
}

func encodeFrame(messageID uint64, messageType uint32, flags uint32, fields []tlv.Field) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err := frame.WriteFrame(&buf, frame.New(messageID, messageType, flags, tlv.EncodeFields(fields)), frame.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeFields(f frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf("session: message_type=%d want %d", f.Header.MessageType, messageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func getAddress(fields []tlv.Field, id uint16) (address.Address, error) {
	raw, err := tlv.GetBytes(fields, id)
	if err != nil {
		return address.Address{}, err
	}
	return DecodeAddress(raw)
}
