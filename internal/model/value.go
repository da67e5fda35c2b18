package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags the variant held by a Value.
type Kind int

// Value kinds.
const (
	KindPlain Kind = iota
	KindImage
	KindVideo
)

// Wire tags for binary kinds.
const (
	TagImage = "image"
	TagVideo = "video"
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return TagImage
	case KindVideo:
		return TagVideo
	default:
		return "plain"
	}
}

// ErrMalformedValue is returned when a tagged binary value cannot be decoded.
var ErrMalformedValue = errors.New("malformed tagged value")

// Value is a job payload field: either a plain JSON value or a binary blob
// tagged as image or video. Binary values travel as
// {"type":"image","data":"<base64>"}.
type Value struct {
	kind  Kind
	plain any
	data  []byte
}

// Plain wraps a JSON-encodable value.
func Plain(v any) Value {
	return Value{kind: KindPlain, plain: v}
}

// Image wraps encoded image bytes. Encoding the pixels is the caller's concern.
func Image(data []byte) Value {
	return Value{kind: KindImage, data: data}
}

// Video wraps encoded video bytes.
func Video(data []byte) Value {
	return Value{kind: KindVideo, data: data}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind {
	return v.kind
}

// Visitor receives exactly one callback per visited Value.
type Visitor interface {
	VisitPlain(v any) error
	VisitImage(data []byte) error
	VisitVideo(data []byte) error
}

// Visit dispatches to the visitor method matching the value's kind.
func (v Value) Visit(vis Visitor) error {
	switch v.kind {
	case KindImage:
		return vis.VisitImage(v.data)
	case KindVideo:
		return vis.VisitVideo(v.data)
	default:
		return vis.VisitPlain(v.plain)
	}
}

// Interface returns the plain value, or nil for binary kinds.
func (v Value) Interface() any {
	if v.kind != KindPlain {
		return nil
	}
	return v.plain
}

// Bytes returns the binary payload of image and video values.
func (v Value) Bytes() ([]byte, bool) {
	if v.kind == KindPlain {
		return nil, false
	}
	return v.data, true
}

// AsString returns the plain string value.
func (v Value) AsString() (string, bool) {
	s, ok := v.plain.(string)
	return s, ok && v.kind == KindPlain
}

// AsFloat returns the plain numeric value as float64.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindPlain {
		return 0, false
	}
	switch n := v.plain.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Equal compares values by kind and canonical JSON encoding, so an int and a
// float64 holding the same number are equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	if v.kind != KindPlain {
		return bytes.Equal(v.data, o.data)
	}
	a, errA := json.Marshal(v.plain)
	b, errB := json.Marshal(o.plain)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

type taggedValue struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// MarshalJSON encodes plain values as themselves and binary values as tagged objects.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindImage, KindVideo:
		return json.Marshal(taggedValue{
			Type: v.kind.String(),
			Data: base64.StdEncoding.EncodeToString(v.data),
		})
	default:
		return json.Marshal(v.plain)
	}
}

// UnmarshalJSON decodes a value once at the wire or store boundary. Objects
// whose "type" is image or video must carry base64 "data".
func (v *Value) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return err
		}
		if rawType, ok := probe["type"]; ok {
			var tag string
			if err := json.Unmarshal(rawType, &tag); err == nil && (tag == TagImage || tag == TagVideo) {
				return v.decodeTagged(tag, probe["data"])
			}
		}
	}

	var plain any
	if err := json.Unmarshal(trimmed, &plain); err != nil {
		return err
	}
	*v = Plain(plain)
	return nil
}

func (v *Value) decodeTagged(tag string, raw json.RawMessage) error {
	if raw == nil {
		return fmt.Errorf("%w: %s value without data", ErrMalformedValue, tag)
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return fmt.Errorf("%w: %s data is not a string", ErrMalformedValue, tag)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedValue, tag, err)
	}
	if tag == TagImage {
		*v = Image(data)
	} else {
		*v = Video(data)
	}
	return nil
}

// Values maps parameter names to payload values. Job config and output are Values.
type Values map[string]Value

// Clone returns a shallow copy of the map.
func (vs Values) Clone() Values {
	if vs == nil {
		return Values{}
	}
	out := make(Values, len(vs))
	for k, v := range vs {
		out[k] = v
	}
	return out
}

// Equal reports whether both maps hold the same keys with equal values.
func (vs Values) Equal(o Values) bool {
	if len(vs) != len(o) {
		return false
	}
	for k, v := range vs {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// PlainValues wraps every entry of m as a plain value.
func PlainValues(m map[string]any) Values {
	out := make(Values, len(m))
	for k, v := range m {
		out[k] = Plain(v)
	}
	return out
}
