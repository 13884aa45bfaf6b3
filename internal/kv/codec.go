package kv

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
)

// ErrNull is returned when JSON null is stored for a type that cannot hold it.
var ErrNull = errors.New("null stored for a non-nullable type")

// nullable reports whether T has a nil value JSON null can decode to.
func nullable[T any]() bool {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
		return true
	}
	return false
}

func isNull(raw string) bool {
	return string(bytes.TrimSpace([]byte(raw))) == "null"
}

// Codec converts a bound value to and from its stored text.
type Codec[T any] interface {
	Encode(v T) (string, error)
	Decode(raw string) (T, error)
}

// JSONCodec stores values as JSON text.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (JSONCodec[T]) Decode(raw string) (T, error) {
	var v T
	if isNull(raw) && !nullable[T]() {
		return v, ErrNull
	}
	err := json.Unmarshal([]byte(raw), &v)
	return v, err
}

// StrictJSONCodec is JSONCodec that also rejects objects carrying fields T
// does not declare, so content written under an older shape reads as the
// default instead of a half-filled value.
type StrictJSONCodec[T any] struct{}

func (StrictJSONCodec[T]) Encode(v T) (string, error) {
	return JSONCodec[T]{}.Encode(v)
}

func (StrictJSONCodec[T]) Decode(raw string) (T, error) {
	var v T
	if isNull(raw) && !nullable[T]() {
		return v, ErrNull
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var zero T
		return zero, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}
