// Package codec converts values carrying binary buffers into JSON-compatible trees and back.
//
// Buffers are written as tagged objects:
//
//	{"type": "Buffer", "data": "<base64>"}
//
// so they survive storage in text-only backends (JSON documents, JSONB columns, KV buckets).
// Nil values and absent map keys are kept distinct in both directions.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
)

const (
	// TypeKey is the tag field of an encoded buffer.
	TypeKey = "type"
	// DataKey carries the buffer payload.
	DataKey = "data"
	// BufferType is the tag value identifying a buffer.
	BufferType = "Buffer"
)

// Encode returns a JSON-compatible tree for v. Byte slices become tagged buffer objects.
//
// Supported inputs: nil, bool, strings, integer and float kinds, json.Number, []byte,
// maps with string keys, slices, arrays and pointers to any of these.
func Encode(v any) (any, error) {
	return encodeValue(v, "$")
}

// Decode is the inverse of Encode: tagged buffer objects are revived to []byte and
// json.Number values become int64 (integral) or float64.
func Decode(tree any) (any, error) {
	return decodeValue(tree, "$")
}

// Marshal encodes v and renders the tree as JSON text.
func Marshal(v any) ([]byte, error) {
	tree, err := Encode(v)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(tree)
	if err != nil {
		return nil, serializationErr("$", "marshal", err)
	}
	return b, nil
}

// Unmarshal parses JSON text and revives buffers.
func Unmarshal(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, serializationErr("$", "unmarshal", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, serializationErr("$", "trailing data after document", err)
	}
	return Decode(tree)
}

// UnmarshalObject is Unmarshal for payloads that must be a JSON object.
func UnmarshalObject(data []byte) (map[string]any, error) {
	v, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, serializationErr("$", fmt.Sprintf("expected object, got %T", v), nil)
	}
	return obj, nil
}

func encodeBuffer(b []byte) map[string]any {
	return map[string]any{
		TypeKey: BufferType,
		DataKey: base64.StdEncoding.EncodeToString(b),
	}
}

func encodeValue(v any, path string) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return encodeBuffer(t), nil
	case string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return t, nil
	case float32:
		return encodeFloat(float64(t), path)
	case float64:
		return encodeFloat(t, path)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			enc, err := encodeValue(e, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			enc, err := encodeValue(e, indexPath(path, i))
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	}
	return encodeReflect(reflect.ValueOf(v), path)
}

func encodeReflect(rv reflect.Value, path string) (any, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return encodeValue(rv.Elem().Interface(), path)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, serializationErr(path, "map keys must be strings, got "+rv.Type().Key().String(), nil)
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			enc, err := encodeValue(iter.Value().Interface(), path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return encodeBuffer(b), nil
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			enc, err := encodeValue(rv.Index(i).Interface(), indexPath(path, i))
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return encodeFloat(rv.Float(), path)
	}
	return nil, serializationErr(path, "unsupported type "+rv.Type().String(), nil)
}

func encodeFloat(f float64, path string) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, serializationErr(path, "non-finite number", nil)
	}
	return f, nil
}

func decodeValue(tree any, path string) (any, error) {
	switch t := tree.(type) {
	case map[string]any:
		if isBuffer(t) {
			return decodeBuffer(t, path)
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			dec, err := decodeValue(e, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			dec, err := decodeValue(e, indexPath(path, i))
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	case json.Number:
		return decodeNumber(t, path)
	default:
		return t, nil
	}
}

func isBuffer(m map[string]any) bool {
	tag, ok := m[TypeKey].(string)
	return ok && tag == BufferType
}

func decodeBuffer(m map[string]any, path string) ([]byte, error) {
	raw, ok := m[DataKey]
	if !ok {
		return nil, serializationErr(path, "buffer without data", nil)
	}
	switch data := raw.(type) {
	case string:
		b, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, serializationErr(path, "buffer data is not base64", err)
		}
		return b, nil
	case []any:
		b := make([]byte, len(data))
		for i, e := range data {
			n, err := byteValue(e)
			if err != nil {
				return nil, serializationErr(indexPath(path+".data", i), "invalid byte", err)
			}
			b[i] = n
		}
		return b, nil
	default:
		return nil, serializationErr(path, fmt.Sprintf("buffer data has type %T", raw), nil)
	}
}

func byteValue(v any) (byte, error) {
	var n float64
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, err
		}
		n = f
	case float64:
		n = t
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
	if n < 0 || n > 255 || n != math.Trunc(n) {
		return 0, fmt.Errorf("out of range: %v", n)
	}
	return byte(n), nil
}

func decodeNumber(n json.Number, path string) (any, error) {
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, serializationErr(path, "invalid number", err)
	}
	return f, nil
}

func indexPath(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}
