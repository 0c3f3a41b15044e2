package broker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	modelerrors "github.com/modelrunner/modelrunner/pkg/errors"
)

// isoLayout is the wire format for datetimes: ISO-8601 with microsecond
// precision, matching the round-trip contract in spec §4.1. It deliberately
// omits a timezone suffix, mirroring Python's naive-UTC datetime.isoformat().
const isoLayout = "2006-01-02T15:04:05.000000"

var isoPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{6}$`)

// EncodeJSON marshals v to a JSON string, writing any time.Time value
// (at any depth) as an ISO-8601 microsecond string rather than Go's
// default RFC3339Nano, mirroring Python's json_dumps_datetime.
func EncodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(normalizeForEncode(v))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func normalizeForEncode(v interface{}) interface{} {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(isoLayout)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = normalizeForEncode(vv)
		}
		return out
	case Command:
		return normalizeForEncode(map[string]interface{}(val))
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = normalizeForEncode(vv)
		}
		return out
	default:
		return val
	}
}

// DecodeJSON unmarshals a JSON string into a generic value, converting
// any string scalar matching the ISO-8601-microsecond pattern back into
// a time.Time, mirroring json_loads_datetime's object_pairs_hook.
func DecodeJSON(data string) (interface{}, error) {
	var raw interface{}
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, err
	}
	return denormalizeForDecode(raw), nil
}

func denormalizeForDecode(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if isoPattern.MatchString(val) {
			if t, err := time.Parse(isoLayout, val); err == nil {
				return t
			}
		}
		return val
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = denormalizeForDecode(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = denormalizeForDecode(vv)
		}
		return out
	default:
		return val
	}
}

// EncodeCommand renders cmd to its wire JSON form.
func EncodeCommand(cmd Command) (string, error) {
	return EncodeJSON(map[string]interface{}(cmd))
}

// DecodeCommand parses a wire JSON object into a Command. It fails with
// a classified protocol error if data does not decode to a JSON object.
func DecodeCommand(data string) (Command, error) {
	v, err := DecodeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", modelerrors.ErrMalformedPacket, err)
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: expected a JSON object, got %T", modelerrors.ErrMalformedPacket, v)
	}
	return Command(m), nil
}

// Equal reports whether a and b are logically equal commands: same
// keys and values once both are round-tripped through the wire codec.
// Remove() must compare by this notion, not byte-identical serialization,
// since map key order and datetime representations can otherwise vary.
func Equal(a, b Command) bool {
	encA, errA := EncodeCommand(a)
	encB, errB := EncodeCommand(b)
	if errA != nil || errB != nil {
		return false
	}
	return encA == encB
}
