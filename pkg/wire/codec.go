package wire

import (
	"encoding/json"
	"fmt"

	"github.com/syncwire/go-sync-engine/pkg/codec"
)

// Encode serializes a message to its wire form: a JSON object carrying
// the type discriminator plus the message fields, with payload values
// run through the value codec.
func Encode(m Message) ([]byte, error) {
	obj := map[string]interface{}{"type": string(m.Type())}

	switch msg := m.(type) {
	case Subscribe:
		args, err := codec.Encode(msg.Args)
		if err != nil {
			return nil, err
		}
		obj["requestId"] = msg.RequestID
		obj["queryId"] = msg.QueryID
		obj["query"] = msg.Query
		obj["args"] = args
		if msg.Journal != nil {
			obj["journal"] = map[string]interface{}{
				"base":      float64(msg.Journal.Base),
				"mutations": msg.Journal.Mutations,
			}
		}
	case Unsubscribe:
		obj["queryId"] = msg.QueryID
	case Mutation:
		args, err := codec.Encode(msg.Args)
		if err != nil {
			return nil, err
		}
		obj["requestId"] = msg.RequestID
		obj["mutation"] = msg.Mutation
		obj["args"] = args
	case Action:
		args, err := codec.Encode(msg.Args)
		if err != nil {
			return nil, err
		}
		obj["requestId"] = msg.RequestID
		obj["action"] = msg.Action
		obj["args"] = args
	case QueryResult:
		value, err := codec.Encode(msg.Value)
		if err != nil {
			return nil, err
		}
		obj["queryId"] = msg.QueryID
		obj["value"] = value
		obj["logLines"] = stringsToAny(msg.LogLines)
		if msg.Journal != nil {
			obj["journal"] = map[string]interface{}{
				"version":   float64(msg.Journal.Version),
				"timestamp": float64(msg.Journal.Timestamp),
			}
		}
	case MutationResult:
		if err := encodeResult(obj, msg.RequestID, msg.Success, msg.Value, msg.LogLines, msg.Error, msg.ErrorData); err != nil {
			return nil, err
		}
	case ActionResult:
		if err := encodeResult(obj, msg.RequestID, msg.Success, msg.Value, msg.LogLines, msg.Error, msg.ErrorData); err != nil {
			return nil, err
		}
	case Error:
		obj["error"] = msg.Error
		obj["errorCode"] = msg.ErrorCode
		if msg.RequestID != "" {
			obj["requestId"] = msg.RequestID
		}
		if msg.ErrorData != nil {
			data, err := codec.Encode(msg.ErrorData)
			if err != nil {
				return nil, err
			}
			obj["errorData"] = data
		}
	case Ping, Pong:
	case Authenticate:
		obj["token"] = msg.Token
		if msg.BaseVersion != 0 {
			obj["baseVersion"] = float64(msg.BaseVersion)
		}
	case Authenticated:
		if msg.Identity != nil {
			obj["identity"] = map[string]interface{}{
				"subject": msg.Identity.Subject,
				"issuer":  msg.Identity.Issuer,
			}
		}
	case ModifyQuerySet:
		obj["baseVersion"] = float64(msg.BaseVersion)
		obj["newVersion"] = float64(msg.NewVersion)
		obj["modifications"] = emptyIfNil(msg.Modifications)
	case Transition:
		obj["startVersion"] = float64(msg.StartVersion)
		obj["endVersion"] = float64(msg.EndVersion)
		obj["modifications"] = emptyIfNil(msg.Modifications)
	default:
		return nil, &codec.SerializeError{Reason: fmt.Sprintf("unknown message %T", m)}
	}

	return json.Marshal(obj)
}

func encodeResult(obj map[string]interface{}, requestID string, success bool,
	value interface{}, logLines []string, errMsg string, errData interface{},
) error {
	encoded, err := codec.Encode(value)
	if err != nil {
		return err
	}
	obj["requestId"] = requestID
	obj["success"] = success
	obj["value"] = encoded
	obj["logLines"] = stringsToAny(logLines)
	if errMsg != "" {
		obj["error"] = errMsg
	}
	if errData != nil {
		data, err := codec.Encode(errData)
		if err != nil {
			return err
		}
		obj["errorData"] = data
	}
	return nil
}

// Decode parses, validates and types a wire message. Payload values come
// back through the value codec with envelopes resolved.
func Decode(raw []byte, strict bool) (Message, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &codec.ParseError{Raw: raw, Err: err}
	}
	if err := ValidateMessage(obj, strict); err != nil {
		return nil, err
	}

	mt := MessageType(obj["type"].(string))
	switch mt {
	case TypeSubscribe:
		args, err := codec.Decode(obj["args"])
		if err != nil {
			return nil, err
		}
		msg := Subscribe{
			RequestID: obj["requestId"].(string),
			QueryID:   obj["queryId"].(string),
			Query:     obj["query"].(string),
			Args:      args,
		}
		if j, ok := obj["journal"].(map[string]interface{}); ok {
			msg.Journal = &SubscribeJournal{
				Base:      asInt64(j["base"]),
				Mutations: asSlice(j["mutations"]),
			}
		}
		return msg, nil
	case TypeUnsubscribe:
		return Unsubscribe{QueryID: obj["queryId"].(string)}, nil
	case TypeMutation:
		args, err := codec.Decode(obj["args"])
		if err != nil {
			return nil, err
		}
		return Mutation{
			RequestID: obj["requestId"].(string),
			Mutation:  obj["mutation"].(string),
			Args:      args,
		}, nil
	case TypeAction:
		args, err := codec.Decode(obj["args"])
		if err != nil {
			return nil, err
		}
		return Action{
			RequestID: obj["requestId"].(string),
			Action:    obj["action"].(string),
			Args:      args,
		}, nil
	case TypeQueryResult:
		value, err := codec.Decode(obj["value"])
		if err != nil {
			return nil, err
		}
		msg := QueryResult{
			QueryID:  obj["queryId"].(string),
			Value:    value,
			LogLines: asStrings(obj["logLines"]),
		}
		if j, ok := obj["journal"].(map[string]interface{}); ok {
			msg.Journal = &ResultJournal{
				Version:   asInt64(j["version"]),
				Timestamp: asInt64(j["timestamp"]),
			}
		}
		return msg, nil
	case TypeMutationResult:
		value, errData, err := decodeResultPayload(obj)
		if err != nil {
			return nil, err
		}
		return MutationResult{
			RequestID: obj["requestId"].(string),
			Success:   obj["success"].(bool),
			Value:     value,
			LogLines:  asStrings(obj["logLines"]),
			Error:     asString(obj["error"]),
			ErrorData: errData,
		}, nil
	case TypeActionResult:
		value, errData, err := decodeResultPayload(obj)
		if err != nil {
			return nil, err
		}
		return ActionResult{
			RequestID: obj["requestId"].(string),
			Success:   obj["success"].(bool),
			Value:     value,
			LogLines:  asStrings(obj["logLines"]),
			Error:     asString(obj["error"]),
			ErrorData: errData,
		}, nil
	case TypeError:
		errData, err := codec.Decode(obj["errorData"])
		if err != nil {
			return nil, err
		}
		return Error{
			Error:     obj["error"].(string),
			ErrorCode: obj["errorCode"].(string),
			RequestID: asString(obj["requestId"]),
			ErrorData: errData,
		}, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeAuthenticate:
		return Authenticate{
			Token:       obj["token"].(string),
			BaseVersion: asInt64(obj["baseVersion"]),
		}, nil
	case TypeAuthenticated:
		msg := Authenticated{}
		if ident, ok := obj["identity"].(map[string]interface{}); ok {
			msg.Identity = &Identity{
				Subject: asString(ident["subject"]),
				Issuer:  asString(ident["issuer"]),
			}
		}
		return msg, nil
	case TypeModifyQuerySet:
		return ModifyQuerySet{
			BaseVersion:   asInt64(obj["baseVersion"]),
			NewVersion:    asInt64(obj["newVersion"]),
			Modifications: asSlice(obj["modifications"]),
		}, nil
	case TypeTransition:
		return Transition{
			StartVersion:  asInt64(obj["startVersion"]),
			EndVersion:    asInt64(obj["endVersion"]),
			Modifications: asSlice(obj["modifications"]),
		}, nil
	default:
		return nil, &codec.InvalidMessageError{MessageType: string(mt), Reason: "unknown message type"}
	}
}

func decodeResultPayload(obj map[string]interface{}) (interface{}, interface{}, error) {
	value, err := codec.Decode(obj["value"])
	if err != nil {
		return nil, nil, err
	}
	errData, err := codec.Decode(obj["errorData"])
	if err != nil {
		return nil, nil, err
	}
	return value, errData, nil
}

func stringsToAny(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func emptyIfNil(in []interface{}) []interface{} {
	if in == nil {
		return []interface{}{}
	}
	return in
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case codec.Int64:
		return int64(n)
	default:
		return 0
	}
}

func asSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

func asStrings(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
