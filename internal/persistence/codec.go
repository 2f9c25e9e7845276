package persistence

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/meridianpay/saga/pkg/api"
)

func init() {
	// Concrete types that may appear inside instance contexts, step
	// results, and event payloads. Values must be gob-encodable.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
	gob.Register([]api.SagaStep{})
	gob.Register(api.SagaStep{})
	gob.Register(time.Time{})
}

// EncodeValue serializes a Go value using encoding/gob. Nil encodes to nil.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes gob data produced by EncodeValue into T.
// Empty data yields the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, nil
	}
	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return zero, err
	}
	if iv == nil {
		return zero, nil
	}
	v, ok := iv.(T)
	if !ok {
		return zero, &DecodeTypeError{Got: iv}
	}
	return v, nil
}

// DecodeTypeError reports a payload whose dynamic type does not match the
// requested target type.
type DecodeTypeError struct {
	Got any
}

func (e *DecodeTypeError) Error() string {
	return "gob: decoded payload not assignable to target type"
}
