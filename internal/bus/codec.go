package bus

import "encoding/json"

// marshalPayload serializes a publish payload, passing pre-encoded bytes
// through untouched.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
