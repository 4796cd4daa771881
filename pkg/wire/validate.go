package wire

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/syncwire/go-sync-engine/pkg/codec"
)

// fieldKind is the per-field type expectation used by the validator.
type fieldKind int

const (
	kindAny fieldKind = iota
	kindString
	kindNumber
	kindBoolean
	kindMapping
	kindSequence
)

func (k fieldKind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindNumber:
		return "number"
	case kindBoolean:
		return "boolean"
	case kindMapping:
		return "mapping"
	case kindSequence:
		return "sequence"
	default:
		return "any"
	}
}

type messageSpec struct {
	required map[string]fieldKind
	optional map[string]fieldKind
}

var messageSpecs = map[MessageType]messageSpec{
	TypeSubscribe: {
		required: map[string]fieldKind{
			"requestId": kindString,
			"queryId":   kindString,
			"query":     kindString,
			"args":      kindAny,
		},
		optional: map[string]fieldKind{"journal": kindMapping},
	},
	TypeUnsubscribe: {
		required: map[string]fieldKind{"queryId": kindString},
	},
	TypeMutation: {
		required: map[string]fieldKind{
			"requestId": kindString,
			"mutation":  kindString,
			"args":      kindAny,
		},
	},
	TypeAction: {
		required: map[string]fieldKind{
			"requestId": kindString,
			"action":    kindString,
			"args":      kindAny,
		},
	},
	TypeQueryResult: {
		required: map[string]fieldKind{
			"queryId":  kindString,
			"value":    kindAny,
			"logLines": kindSequence,
		},
		optional: map[string]fieldKind{"journal": kindMapping},
	},
	TypeMutationResult: {
		required: map[string]fieldKind{
			"requestId": kindString,
			"success":   kindBoolean,
			"value":     kindAny,
			"logLines":  kindSequence,
		},
		optional: map[string]fieldKind{
			"error":     kindString,
			"errorData": kindAny,
		},
	},
	TypeActionResult: {
		required: map[string]fieldKind{
			"requestId": kindString,
			"success":   kindBoolean,
			"value":     kindAny,
			"logLines":  kindSequence,
		},
		optional: map[string]fieldKind{
			"error":     kindString,
			"errorData": kindAny,
		},
	},
	TypeError: {
		required: map[string]fieldKind{
			"error":     kindString,
			"errorCode": kindString,
		},
		optional: map[string]fieldKind{
			"requestId": kindString,
			"errorData": kindAny,
		},
	},
	TypePing: {},
	TypePong: {},
	TypeAuthenticate: {
		required: map[string]fieldKind{"token": kindString},
		optional: map[string]fieldKind{"baseVersion": kindNumber},
	},
	TypeAuthenticated: {
		optional: map[string]fieldKind{"identity": kindMapping},
	},
	TypeModifyQuerySet: {
		required: map[string]fieldKind{
			"baseVersion":   kindNumber,
			"newVersion":    kindNumber,
			"modifications": kindSequence,
		},
	},
	TypeTransition: {
		required: map[string]fieldKind{
			"startVersion":  kindNumber,
			"endVersion":    kindNumber,
			"modifications": kindSequence,
		},
	},
}

// PeekType extracts the type discriminator from raw message bytes
// without a full decode.
func PeekType(raw []byte) (MessageType, error) {
	if !gjson.ValidBytes(raw) {
		return "", &codec.ParseError{Raw: raw, Err: fmt.Errorf("malformed JSON")}
	}
	t := gjson.GetBytes(raw, "type")
	if !t.Exists() || t.Type != gjson.String {
		return "", &codec.InvalidMessageError{Reason: "missing type discriminator"}
	}
	mt := MessageType(t.String())
	if _, ok := messageSpecs[mt]; !ok {
		return "", &codec.InvalidMessageError{MessageType: t.String(), Reason: "unknown message type"}
	}
	return mt, nil
}

// ValidateMessage checks a decoded message object against the shape
// required for its type. In strict mode fields outside the required and
// optional sets are rejected.
func ValidateMessage(m map[string]interface{}, strict bool) error {
	rawType, ok := m["type"].(string)
	if !ok {
		return &codec.InvalidMessageError{Reason: "missing type discriminator"}
	}
	mt := MessageType(rawType)
	spec, ok := messageSpecs[mt]
	if !ok {
		return &codec.InvalidMessageError{MessageType: rawType, Reason: "unknown message type"}
	}

	for field, kind := range spec.required {
		v, present := m[field]
		if !present {
			return &codec.InvalidMessageError{MessageType: rawType, Field: field, Reason: "required field missing"}
		}
		if err := checkKind(field, kind, v); err != nil {
			return err
		}
	}
	for field, kind := range spec.optional {
		v, present := m[field]
		if !present {
			continue
		}
		if err := checkKind(field, kind, v); err != nil {
			return err
		}
	}
	if strict {
		for field := range m {
			if field == "type" {
				continue
			}
			_, req := spec.required[field]
			_, opt := spec.optional[field]
			if !req && !opt {
				return &codec.InvalidMessageError{MessageType: rawType, Field: field, Reason: "unknown field"}
			}
		}
	}
	return nil
}

func checkKind(field string, kind fieldKind, v interface{}) error {
	ok := true
	switch kind {
	case kindAny:
	case kindString:
		_, ok = v.(string)
	case kindNumber:
		switch v.(type) {
		case float64, int64, codec.Int64:
		default:
			ok = false
		}
	case kindBoolean:
		_, ok = v.(bool)
	case kindMapping:
		_, ok = v.(map[string]interface{})
	case kindSequence:
		_, ok = v.([]interface{})
	}
	if !ok {
		return &codec.SchemaValidationError{
			Field:    field,
			Expected: kind.String(),
			Received: fmt.Sprintf("%T", v),
		}
	}
	return nil
}
