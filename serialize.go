package wampy

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"

	"github.com/ugorji/go/codec"
)

// Serialization indicates the data serialization format used in a WAMP session
type Serialization int

const (
	// Use JSON-encoded strings as a payload.
	JSON Serialization = iota
	// Use msgpack-encoded strings as a payload.
	MSGPACK
)

func (s Serialization) String() string {
	switch s {
	case JSON:
		return "json"
	case MSGPACK:
		return "msgpack"
	default:
		return fmt.Sprintf("Serialization(%d)", int(s))
	}
}

// ParseSerialization maps the configuration names "json" and "msgpack" to a
// Serialization.
func ParseSerialization(name string) (Serialization, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return MSGPACK, nil
	default:
		return JSON, fmt.Errorf("unsupported serialization: %q", name)
	}
}

// Serializer is the interface implemented by an object that can serialize and
// deserialize WAMP messages
type Serializer interface {
	Serialize(Message) ([]byte, error)
	Deserialize([]byte) (Message, error)
}

// NewSerializer returns the Serializer for s.
func NewSerializer(s Serialization) (Serializer, error) {
	switch s {
	case JSON:
		return new(JSONSerializer), nil
	case MSGPACK:
		return new(MessagePackSerializer), nil
	default:
		return nil, fmt.Errorf("unsupported serialization: %v", s)
	}
}

// fieldCounts returns how many positional fields a message of this shape must
// and may carry. Fields tagged omitempty are optional and always trail.
func fieldCounts(t reflect.Type) (required, total int) {
	total = t.NumField()
	for i := 0; i < total; i++ {
		if !strings.Contains(t.Field(i).Tag.Get("wamp"), "omitempty") {
			required++
		}
	}
	return required, total
}

// applies a list of values from a WAMP message to a message type
func apply(arr []interface{}) (Message, error) {
	if len(arr) == 0 {
		return nil, decodeErrorf("empty message")
	}
	code, ok := toUint64(arr[0])
	if !ok {
		return nil, decodeErrorf("message type is not an integer: %v", arr[0])
	}
	msgType := MessageType(code)
	msg := msgType.New()
	if msg == nil {
		return nil, decodeErrorf("unsupported message type %d", code)
	}

	val := reflect.ValueOf(msg).Elem()
	required, total := fieldCounts(val.Type())
	if n := len(arr) - 1; n < required || n > total {
		return nil, decodeErrorf("%s: expected %d to %d fields, got %d", msgType, required, total, n)
	}
	for i := 0; i < len(arr)-1; i++ {
		if err := applyField(val.Field(i), arr[i+1]); err != nil {
			return nil, decodeErrorf("%s: field %d: %s", msgType, i+1, err)
		}
	}
	return msg, nil
}

var (
	idType      = reflect.TypeOf(ID(0))
	msgTypeType = reflect.TypeOf(MessageType(0))
	uriType     = reflect.TypeOf(URI(""))
	dictType    = reflect.TypeOf(map[string]interface{}(nil))
	listType    = reflect.TypeOf([]interface{}(nil))
)

func applyField(f reflect.Value, v interface{}) error {
	switch f.Type() {
	case idType:
		n, ok := toUint64(v)
		if !ok || n > maxRequestID {
			return fmt.Errorf("invalid id: %v", v)
		}
		f.SetUint(n)
	case msgTypeType:
		n, ok := toUint64(v)
		if !ok {
			return fmt.Errorf("invalid message type: %v", v)
		}
		f.SetInt(int64(n))
	case uriType:
		switch s := v.(type) {
		case string:
			f.SetString(s)
		case []byte:
			f.SetString(string(s))
		default:
			return fmt.Errorf("expected uri, got %T", v)
		}
	case dictType:
		if v == nil {
			return nil
		}
		m, err := toDict(v)
		if err != nil {
			return err
		}
		if m == nil {
			m = make(map[string]interface{})
		}
		f.Set(reflect.ValueOf(m))
	case listType:
		if v == nil {
			return nil
		}
		l, ok := v.([]interface{})
		if !ok {
			return fmt.Errorf("expected list, got %T", v)
		}
		if l == nil {
			l = []interface{}{}
		}
		f.Set(reflect.ValueOf(l))
	default:
		return fmt.Errorf("unsupported field type %s", f.Type())
	}
	return nil
}

// toUint64 accepts the integer representations produced by the JSON and
// msgpack decoders.
func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 || n != math.Trunc(n) || n > float64(math.MaxUint64) {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case ID:
		return uint64(n), true
	case MessageType:
		return uint64(n), true
	default:
		return 0, false
	}
}

// re-initializes a dict, converting keys from decoders that produce
// map[interface{}]interface{}
func toDict(v interface{}) (map[string]interface{}, error) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			switch key := k.(type) {
			case string:
				out[key] = val
			case []byte:
				out[string(key)] = val
			default:
				return nil, fmt.Errorf("key '%v' invalid type: %T", k, k)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected dict, got %T", v)
	}
}

// convert the message into a list of values, omitting trailing empty values.
// A nil list or dict that is written goes out empty, never as null.
func toList(msg Message) []interface{} {
	val := reflect.ValueOf(msg)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	// iterate backwards until a non-empty or non-"omitempty" field is found
	last := val.Type().NumField() - 1
	for ; last > 0; last-- {
		tag := val.Type().Field(last).Tag.Get("wamp")
		if !strings.Contains(tag, "omitempty") || val.Field(last).Len() > 0 {
			break
		}
	}

	ret := []interface{}{int(msg.MessageType())}
	for i := 0; i <= last; i++ {
		f := val.Field(i)
		switch f.Type() {
		case msgTypeType:
			ret = append(ret, int(f.Int()))
		case idType:
			ret = append(ret, f.Uint())
		case uriType:
			ret = append(ret, f.String())
		case listType:
			if f.IsNil() {
				ret = append(ret, []interface{}{})
			} else {
				ret = append(ret, f.Interface())
			}
		case dictType:
			if f.IsNil() {
				ret = append(ret, map[string]interface{}{})
			} else {
				ret = append(ret, f.Interface())
			}
		default:
			ret = append(ret, f.Interface())
		}
	}
	return ret
}

var msgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	h := new(codec.MsgpackHandle)
	h.WriteExt = true
	h.RawToString = true
	h.SignedInteger = true
	h.MapType = dictType
	return h
}

// MessagePackSerializer is an implementation of Serializer that handles
// serializing and deserializing msgpack encoded payloads.
type MessagePackSerializer struct {
}

// Serialize encodes a Message into a msgpack payload.
func (s *MessagePackSerializer) Serialize(msg Message) ([]byte, error) {
	var b []byte
	return b, codec.NewEncoderBytes(&b, msgpackHandle).Encode(toList(msg))
}

// Deserialize decodes a msgpack payload into a Message.
func (s *MessagePackSerializer) Deserialize(data []byte) (Message, error) {
	var arr []interface{}
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(&arr); err != nil {
		return nil, decodeErrorf("%s", err)
	}
	return apply(arr)
}

// JSONSerializer is an implementation of Serializer that handles serializing
// and deserializing JSON encoded payloads.
type JSONSerializer struct {
}

// Serialize marshals the payload into a message.
//
// This method does not handle binary data according to WAMP specifications automatically,
// but instead uses the default implementation in encoding/json.
// Use the BinaryData type in your structures if using binary data.
func (s *JSONSerializer) Serialize(msg Message) ([]byte, error) {
	return json.Marshal(toList(msg))
}

// Deserialize unmarshals the payload into a message.
//
// Integral numbers that fit are decoded as int64, like the msgpack
// serializer does, and every other number as float64.
func (s *JSONSerializer) Deserialize(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var arr []interface{}
	if err := dec.Decode(&arr); err != nil {
		return nil, decodeErrorf("%s", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, decodeErrorf("trailing data after message")
	}
	for i := range arr {
		arr[i] = normalizeNumbers(arr[i])
	}
	return apply(arr)
}

// normalizeNumbers replaces every json.Number in v.
func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case []interface{}:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	default:
		return v
	}
}

// BinaryData is a byte array that can be marshalled and unmarshalled according
// to WAMP specifications:
// https://wamp-proto.org/wamp_bp_latest_ietf.html#name-binary-conversion-of-json-s
//
// This type *should* be used in types that will be marshalled as JSON.
type BinaryData []byte

func (b BinaryData) MarshalJSON() ([]byte, error) {
	s := base64.StdEncoding.EncodeToString([]byte(b))
	return json.Marshal("\x00" + s)
}

func (b *BinaryData) UnmarshalJSON(arr []byte) error {
	var s string
	if err := json.Unmarshal(arr, &s); err != nil {
		return err
	}
	if len(s) == 0 || s[0] != '\x00' {
		return fmt.Errorf("not a binary string, doesn't start with a NUL: %v", arr)
	}
	var err error
	*b, err = base64.StdEncoding.DecodeString(s[1:])
	return err
}
