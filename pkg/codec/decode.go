package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Decode converts a JSON-compatible tree back into the value domain,
// recognizing sentinel envelopes. An object carrying a sentinel key plus
// any other key decodes as an ordinary mapping so that user data which
// coincidentally uses a sentinel name is preserved.
func Decode(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil, bool, float64, string:
		return val, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			dec, err := Decode(item)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	case map[string]interface{}:
		if len(val) == 1 {
			if dec, ok, err := decodeEnvelope(val); ok || err != nil {
				return dec, err
			}
		}
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			dec, err := Decode(item)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	default:
		return nil, &ParseError{Err: fmt.Errorf("unexpected type %T in decoded tree", v)}
	}
}

// Unmarshal parses JSON text and decodes the resulting tree.
func Unmarshal(data []byte) (interface{}, error) {
	var tree interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, &ParseError{Raw: data, Err: err}
	}
	return Decode(tree)
}

func decodeEnvelope(m map[string]interface{}) (interface{}, bool, error) {
	if raw, ok := m[int64Key]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, true, &ParseError{Err: fmt.Errorf("%s envelope must carry a string, got %T", int64Key, raw)}
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, true, &ParseError{Err: fmt.Errorf("%s envelope: %w", int64Key, err)}
		}
		return Int64(n), true, nil
	}
	if raw, ok := m[bytesKey]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, true, &ParseError{Err: fmt.Errorf("%s envelope must carry a string, got %T", bytesKey, raw)}
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, true, &ParseError{Err: fmt.Errorf("%s envelope: %w", bytesKey, err)}
		}
		return Bytes(b), true, nil
	}
	if raw, ok := m[dateKey]; ok {
		ms, ok := raw.(float64)
		if !ok {
			return nil, true, &ParseError{Err: fmt.Errorf("%s envelope must carry a number, got %T", dateKey, raw)}
		}
		return Timestamp(int64(ms)), true, nil
	}
	if raw, ok := m[idKey]; ok {
		body, ok := raw.(map[string]interface{})
		if !ok {
			return nil, true, &ParseError{Err: fmt.Errorf("%s envelope must carry an object, got %T", idKey, raw)}
		}
		table, ok := body["table"].(string)
		if !ok {
			return nil, true, &ParseError{Err: fmt.Errorf("%s envelope missing table", idKey)}
		}
		id, ok := body["id"].(string)
		if !ok {
			return nil, true, &ParseError{Err: fmt.Errorf("%s envelope missing id", idKey)}
		}
		return ID{Table: table, ID: id}, true, nil
	}
	return nil, false, nil
}
