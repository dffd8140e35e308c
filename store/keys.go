package store

import (
	"encoding"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// EncodeKey is the default key encoder. Strings and byte slices are used
// as is, fixed-size numbers and booleans are written big-endian, and other
// types fall back to their binary, text or Stringer forms. Remaining structs
// and arrays are encoded field by field, anything else is formatted with %#v.
// Keys equal under == always encode to the same bytes.
func EncodeKey(key any) ([]byte, error) {
	switch k := key.(type) {
	case string:
		return []byte(k), nil
	case []byte:
		return k, nil
	case bool:
		if k {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case int:
		return binary.BigEndian.AppendUint64(nil, uint64(k)), nil
	case int8:
		return []byte{byte(k)}, nil
	case int16:
		return binary.BigEndian.AppendUint16(nil, uint16(k)), nil
	case int32:
		return binary.BigEndian.AppendUint32(nil, uint32(k)), nil
	case int64:
		return binary.BigEndian.AppendUint64(nil, uint64(k)), nil
	case uint:
		return binary.BigEndian.AppendUint64(nil, uint64(k)), nil
	case uint8:
		return []byte{k}, nil
	case uint16:
		return binary.BigEndian.AppendUint16(nil, k), nil
	case uint32:
		return binary.BigEndian.AppendUint32(nil, k), nil
	case uint64:
		return binary.BigEndian.AppendUint64(nil, k), nil
	case float32:
		if k == 0 {
			k = 0 // -0 == 0
		}
		return binary.BigEndian.AppendUint32(nil, math.Float32bits(k)), nil
	case float64:
		if k == 0 {
			k = 0
		}
		return binary.BigEndian.AppendUint64(nil, math.Float64bits(k)), nil
	case encoding.BinaryMarshaler:
		b, err := k.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("error encoding key: %w", err)
		}
		return b, nil
	case encoding.TextMarshaler:
		b, err := k.MarshalText()
		if err != nil {
			return nil, fmt.Errorf("error encoding key: %w", err)
		}
		return b, nil
	case fmt.Stringer:
		return []byte(k.String()), nil
	}

	v := reflect.ValueOf(key)
	switch v.Kind() {
	case reflect.Struct, reflect.Array:
		return appendValue(appendString(nil, v.Type().String()), v), nil
	default:
		return []byte(fmt.Sprintf("%#v", key)), nil
	}
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func appendFloat(b []byte, f float64) []byte {
	if f == 0 {
		f = 0
	}
	return binary.BigEndian.AppendUint64(b, math.Float64bits(f))
}

// appendValue follows the comparison rules of ==, so unexported fields are
// included and pointers compare by address.
func appendValue(b []byte, v reflect.Value) []byte {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return append(b, 1)
		}
		return append(b, 0)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return binary.BigEndian.AppendUint64(b, uint64(v.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return binary.BigEndian.AppendUint64(b, v.Uint())
	case reflect.Float32, reflect.Float64:
		return appendFloat(b, v.Float())
	case reflect.Complex64, reflect.Complex128:
		c := v.Complex()
		return appendFloat(appendFloat(b, real(c)), imag(c))
	case reflect.String:
		return appendString(b, v.String())
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			b = appendValue(b, v.Index(i))
		}
		return b
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			b = appendValue(b, v.Field(i))
		}
		return b
	case reflect.Interface:
		if v.IsNil() {
			return append(b, 0)
		}
		b = append(b, 1)
		b = appendString(b, v.Elem().Type().String())
		return appendValue(b, v.Elem())
	default:
		return appendString(b, fmt.Sprintf("%#v", v))
	}
}
