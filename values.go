package iotready

import (
	"encoding/binary"
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// VarType is the declared wire type of a registered variable. The dispatcher
// encodes whatever the callback returns according to this tag.
type VarType uint8

const (
	VarBool VarType = iota
	VarInt
	VarDouble
	VarString
	VarJSON
)

func (t VarType) String() string {
	switch t {
	case VarBool:
		return "bool"
	case VarInt:
		return "int32"
	case VarDouble:
		return "double"
	case VarString:
		return "string"
	case VarJSON:
		return "json"
	}
	return "unknown"
}

// encodeValue serializes a callback result for the wire: bool as one byte,
// int32 and double big-endian, string as UTF-8, json via the JSON encoder.
func encodeValue(t VarType, v interface{}) ([]byte, error) {
	switch t {
	case VarBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("variable value %T is not a bool", v)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case VarInt:
		n, err := toInt32(v)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(n))
		return buf, nil
	case VarDouble:
		f, ok := toFloat64(v)
		if !ok {
			return nil, fmt.Errorf("variable value %T is not a double", v)
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(f))
		return buf, nil
	case VarString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("variable value %T is not a string", v)
		}
		return []byte(s), nil
	case VarJSON:
		return json.Marshal(v)
	}
	return nil, fmt.Errorf("unknown variable type %d", t)
}

// decodeValue is the inverse of encodeValue. Variable reads only ever encode,
// but the round-trip keeps both halves honest.
func decodeValue(t VarType, data []byte) (interface{}, error) {
	switch t {
	case VarBool:
		if len(data) != 1 {
			return nil, fmt.Errorf("bool payload must be 1 byte, got %d", len(data))
		}
		return data[0] != 0, nil
	case VarInt:
		if len(data) != 4 {
			return nil, fmt.Errorf("int32 payload must be 4 bytes, got %d", len(data))
		}
		return int32(binary.BigEndian.Uint32(data)), nil
	case VarDouble:
		if len(data) != 8 {
			return nil, fmt.Errorf("double payload must be 8 bytes, got %d", len(data))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
	case VarString:
		return string(data), nil
	case VarJSON:
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("unknown variable type %d", t)
}

func toInt32(v interface{}) (int32, error) {
	switch n := v.(type) {
	case int32:
		return n, nil
	case int:
		return int32(n), nil
	case int64:
		return int32(n), nil
	case uint16:
		return int32(n), nil
	case uint8:
		return int32(n), nil
	}
	return 0, fmt.Errorf("variable value %T is not an int32", v)
}

func toFloat64(v interface{}) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	case int:
		return float64(f), true
	case int32:
		return float64(f), true
	}
	return 0, false
}
