package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Encode converts a value tree into a JSON-compatible tree, enveloping
// the types JSON cannot represent. It rejects NaN, infinities, functions
// and cyclic structures with a SerializeError carrying the path of the
// offending node.
func Encode(v interface{}) (interface{}, error) {
	e := encoder{seen: map[uintptr]struct{}{}}
	return e.encode(v, "")
}

// Marshal encodes v and serializes the result to JSON text.
func Marshal(v interface{}) ([]byte, error) {
	tree, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

type encoder struct {
	seen map[uintptr]struct{}
}

func (e *encoder) encode(v interface{}, path string) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return val, nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case float32:
		return e.encodeFloat(float64(val), path)
	case float64:
		return e.encodeFloat(val, path)
	case int64:
		// Bare int64 is treated the same as Int64: it may exceed the
		// double-precision safe range.
		return map[string]interface{}{int64Key: strconv.FormatInt(val, 10)}, nil
	case Int64:
		return map[string]interface{}{int64Key: strconv.FormatInt(int64(val), 10)}, nil
	case Bytes:
		return map[string]interface{}{bytesKey: base64.StdEncoding.EncodeToString(val)}, nil
	case []byte:
		return map[string]interface{}{bytesKey: base64.StdEncoding.EncodeToString(val)}, nil
	case time.Time:
		return map[string]interface{}{dateKey: float64(val.UnixMilli())}, nil
	case ID:
		return map[string]interface{}{idKey: map[string]interface{}{
			"table": val.Table,
			"id":    val.ID,
		}}, nil
	case []interface{}:
		return e.encodeSlice(val, path)
	case map[string]interface{}:
		return e.encodeMap(val, path)
	default:
		return nil, &SerializeError{
			Path:   path,
			Value:  v,
			Reason: fmt.Sprintf("unencodable type %T", v),
		}
	}
}

func (e *encoder) encodeFloat(f float64, path string) (interface{}, error) {
	if math.IsNaN(f) {
		return nil, &SerializeError{Path: path, Value: f, Reason: "NaN is not encodable"}
	}
	if math.IsInf(f, 0) {
		return nil, &SerializeError{Path: path, Value: f, Reason: "infinity is not encodable"}
	}
	return f, nil
}

func (e *encoder) encodeSlice(s []interface{}, path string) (interface{}, error) {
	ptr := reflect.ValueOf(s).Pointer()
	if ptr != 0 {
		if _, ok := e.seen[ptr]; ok {
			return nil, &SerializeError{Path: path, Reason: "cycle detected"}
		}
		e.seen[ptr] = struct{}{}
		defer delete(e.seen, ptr)
	}

	out := make([]interface{}, len(s))
	for i, item := range s {
		enc, err := e.encode(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}

func (e *encoder) encodeMap(m map[string]interface{}, path string) (interface{}, error) {
	ptr := reflect.ValueOf(m).Pointer()
	if ptr != 0 {
		if _, ok := e.seen[ptr]; ok {
			return nil, &SerializeError{Path: path, Reason: "cycle detected"}
		}
		e.seen[ptr] = struct{}{}
		defer delete(e.seen, ptr)
	}

	out := make(map[string]interface{}, len(m))
	for k, item := range m {
		childPath := k
		if path != "" {
			childPath = path + "." + k
		}
		enc, err := e.encode(item, childPath)
		if err != nil {
			return nil, err
		}
		out[k] = enc
	}
	return out, nil
}
