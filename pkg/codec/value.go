package codec

import (
	"time"
)

// Sentinel keys used to envelope types JSON cannot represent natively.
const (
	int64Key = "$int64"
	bytesKey = "$bytes"
	dateKey  = "$date"
	idKey    = "$id"
)

// Int64 is an integer carried on the wire as a decimal string so that
// values beyond the double-precision safe range survive transport intact.
type Int64 int64

// Bytes is an opaque byte blob, base64-encoded on the wire.
type Bytes []byte

// ID identifies a document within a table.
type ID struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

// Timestamp constructs a time.Time from integer milliseconds since the
// Unix epoch, the wire representation of instants.
func Timestamp(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Equal reports whether two decoded values are equal under value
// semantics: Int64 by integer identity, Bytes by byte sequence,
// timestamps by instant, sequences and mappings element-wise.
func Equal(a, b interface{}) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case Int64:
		bv, ok := b.(Int64)
		return ok && av == bv
	case Bytes:
		bv, ok := b.(Bytes)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case ID:
		bv, ok := b.(ID)
		return ok && av == bv
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bval, present := bv[k]
			if !present || !Equal(v, bval) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
