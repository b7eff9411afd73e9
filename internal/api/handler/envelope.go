package handler

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/timmy/ringforge/internal/domain"
)

// envelope is the optional {"data": ..., "meta": ...} wrapper some callers
// put around a request body.
type envelope struct {
	Data json.RawMessage `json:"data"`
	Meta map[string]any  `json:"meta"`
}

// Body is a request body with the envelope resolved.
type Body struct {
	// Payload is the task input, unwrapped if it arrived in an envelope.
	Payload []byte
	// Wrapped is true when the caller used the envelope, so the reply
	// must be wrapped as {"result": ...}.
	Wrapped bool
}

// Reply wraps v when the request was wrapped.
func (b Body) Reply(v any) any {
	if b.Wrapped {
		return map[string]any{"result": v}
	}
	return v
}

// ParseBody resolves the envelope once at the boundary. A top-level "data"
// object marks an envelope; meta.llm_name fills a missing data.llm_name.
func ParseBody(raw []byte) (Body, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return Body{}, fmt.Errorf("%w: body must be a JSON object: %v", domain.ErrInvalidInput, err)
	}
	if _, ok := top["data"]; !ok {
		return Body{Payload: raw}, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Body{}, fmt.Errorf("%w: malformed envelope: %v", domain.ErrInvalidInput, err)
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &data); err != nil || data == nil {
		// a non-object "data" is an ordinary field, not an envelope
		return Body{Payload: raw}, nil
	}

	if name, ok := env.Meta["llm_name"].(string); ok && name != "" {
		if existing, has := data["llm_name"]; !has || isEmptyJSONString(existing) {
			encoded, _ := json.Marshal(name)
			data["llm_name"] = encoded
		}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return Body{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return Body{Payload: payload, Wrapped: true}, nil
}

func isEmptyJSONString(raw json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(bytes.TrimSpace(raw)) == "null"
	}
	return s == ""
}
