package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
)

// Result is the gob-encoded shape of a KindResponse envelope's Payload.
// Exactly one of Value/ErrMsg is meaningful, selected by OK.
type Result struct {
	OK     bool
	Value  []byte // gob encoding of the task-returned value, valid iff OK
	ErrMsg string // task-reported error text, valid iff !OK
}

// EncodeValue gob-encodes v for use as a Result.Value or as a request
// Envelope.Payload. A nil v (no payload) encodes to an empty slice,
// since gob itself refuses to encode a bare nil interface. v is encoded
// as an interface value, so its dynamic type must be one gob knows by
// name (a basic type, or one passed to gob.Register).
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("wire: encode value: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeValue gob-decodes b into v, which must be a non-nil pointer
// either to an any or to a variable of the encoded value's type.
func DecodeValue(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	var decoded any
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&decoded); err != nil {
		return fmt.Errorf("wire: decode value: %w", err)
	}
	dst := reflect.ValueOf(v)
	src := reflect.ValueOf(decoded)
	if dst.Kind() != reflect.Pointer || dst.IsNil() || !src.IsValid() || !src.Type().AssignableTo(dst.Elem().Type()) {
		return fmt.Errorf("wire: decode value: cannot store %T in %T", decoded, v)
	}
	dst.Elem().Set(src)
	return nil
}

// EncodeResult packs a Result into bytes suitable for Envelope.Payload.
func EncodeResult(r Result) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("wire: encode result: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeResult unpacks a Result previously packed with EncodeResult.
func DecodeResult(b []byte) (Result, error) {
	var r Result
	if len(b) == 0 {
		return r, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		return Result{}, fmt.Errorf("wire: decode result: %w", err)
	}
	return r, nil
}
