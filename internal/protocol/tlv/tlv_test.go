package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		{ID: 1, Type: TypeString, Value: []byte("First message")},
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedFieldHelpers(t *testing.T) {
	src := []byte("Third message")
	fields, err := DecodeFields(EncodeFields([]Field{U32(10, 0xF020), Bytes(11, src)}))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	src[0] = 'X'

	v, err := GetU32(fields, 10)
	if err != nil || v != 0xF020 {
		t.Fatalf("u32 field: v=%#x err=%v", v, err)
	}
	b, err := GetBytes(fields, 11)
	if err != nil || string(b) != "Third message" {
		t.Fatalf("bytes field: %q err=%v", b, err)
	}
	if _, err := GetU32(fields, 11); err == nil {
		t.Fatalf("expected type mismatch")
	}
	if _, err := GetBytes(fields, 12); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}
