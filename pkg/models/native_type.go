package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sync"
)

// NativeType tags the payload kind stored in a data record.
type NativeType string

const (
	NativeTypeNumeric    NativeType = "numeric"
	NativeTypeInteger    NativeType = "integer"
	NativeTypeText       NativeType = "text"
	NativeTypeBoolean    NativeType = "boolean"
	NativeTypeList       NativeType = "list"
	NativeTypeStructured NativeType = "structured"
)

// NativeTypeCodec validates and decodes values of one native type. Encoding is
// always JSON once a value has been validated.
type NativeTypeCodec struct {
	Validate func(value any) error
	Decode   func(raw json.RawMessage) (any, error)
}

var (
	nativeTypesMu sync.RWMutex
	nativeTypes   = map[NativeType]NativeTypeCodec{
		NativeTypeNumeric:    {Validate: validateNumeric, Decode: decodeNumeric},
		NativeTypeInteger:    {Validate: validateInteger, Decode: decodeInteger},
		NativeTypeText:       {Validate: validateKind(reflect.String), Decode: decodeAs[string]},
		NativeTypeBoolean:    {Validate: validateKind(reflect.Bool), Decode: decodeAs[bool]},
		NativeTypeList:       {Validate: validateList, Decode: decodeAs[[]any]},
		NativeTypeStructured: {Validate: validateStructured, Decode: decodeAs[map[string]any]},
	}
)

// RegisterNativeType adds or replaces the codec for a native type tag.
func RegisterNativeType(nativeType NativeType, codec NativeTypeCodec) {
	nativeTypesMu.Lock()
	defer nativeTypesMu.Unlock()

	nativeTypes[nativeType] = codec
}

// LookupNativeType returns the codec registered for the tag.
func LookupNativeType(nativeType NativeType) (NativeTypeCodec, error) {
	nativeTypesMu.RLock()
	defer nativeTypesMu.RUnlock()

	codec, ok := nativeTypes[nativeType]
	if !ok {
		return NativeTypeCodec{}, fmt.Errorf("%w: %q", ErrUnknownNativeType, nativeType)
	}

	return codec, nil
}

// IsValid reports whether the tag has a registered codec.
func (t NativeType) IsValid() bool {
	_, err := LookupNativeType(t)

	return err == nil
}

// EncodeValue validates value against the native type and serializes it.
func EncodeValue(nativeType NativeType, value any) (json.RawMessage, error) {
	codec, err := LookupNativeType(nativeType)
	if err != nil {
		return nil, err
	}

	if err := codec.Validate(value); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s value cannot be serialized: %v", ErrTypeMismatch, nativeType, err)
	}

	return raw, nil
}

// DecodeValue turns a serialized payload back into its native representation.
func DecodeValue(nativeType NativeType, raw json.RawMessage) (any, error) {
	codec, err := LookupNativeType(nativeType)
	if err != nil {
		return nil, err
	}

	return codec.Decode(raw)
}

func mismatch(expected string, value any) error {
	return fmt.Errorf("%w: expected %s, got %T", ErrTypeMismatch, expected, value)
}

func validateNumeric(value any) error {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: numeric value must be finite", ErrTypeMismatch)
		}

		return nil
	case float32:
		return validateNumeric(float64(v))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	case json.Number:
		if _, err := v.Float64(); err != nil {
			return mismatch("numeric", value)
		}

		return nil
	default:
		return mismatch("numeric", value)
	}
}

func validateInteger(value any) error {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return mismatch("integer", value)
		}

		return nil
	case json.Number:
		if _, err := v.Int64(); err != nil {
			return mismatch("integer", value)
		}

		return nil
	default:
		return mismatch("integer", value)
	}
}

func validateKind(kind reflect.Kind) func(any) error {
	return func(value any) error {
		if value == nil || reflect.TypeOf(value).Kind() != kind {
			return mismatch(kind.String(), value)
		}

		return nil
	}
}

func validateList(value any) error {
	if value == nil {
		return mismatch("list", value)
	}

	kind := reflect.TypeOf(value).Kind()
	if kind != reflect.Slice && kind != reflect.Array {
		return mismatch("list", value)
	}

	return nil
}

func validateStructured(value any) error {
	if value == nil {
		return mismatch("structured", value)
	}

	t := reflect.TypeOf(value)
	if t.Kind() == reflect.Struct {
		return nil
	}

	if t.Kind() == reflect.Map && t.Key().Kind() == reflect.String {
		return nil
	}

	return mismatch("structured", value)
}

func decodeNumeric(raw json.RawMessage) (any, error) {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}

	return v, nil
}

func decodeInteger(raw json.RawMessage) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var n json.Number
	if err := decoder.Decode(&n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}

	v, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil || f != math.Trunc(f) {
			return nil, fmt.Errorf("%w: %s is not an integer", ErrTypeMismatch, n)
		}

		return int64(f), nil
	}

	return v, nil
}

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}

	return v, nil
}
