package settlement

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TransferPayload is the body of a signed transfer token exchanged between banks.
// Field order is fixed so that json.Marshal yields a canonical encoding.
type TransferPayload struct {
	AccountFrom string `json:"accountFrom"`
	AccountTo   string `json:"accountTo"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Explanation string `json:"explanation"`
	SenderName  string `json:"senderName"`

	// TransferID is the sender's transaction id. Identical transfers differ
	// only here, so it keys replay detection on the receiving side.
	TransferID string `json:"jti,omitempty"`
}

type fieldSpec struct {
	name string
	kind string
}

// payloadSchema is checked in order; the first violation is reported.
var payloadSchema = []fieldSpec{
	{name: "accountFrom", kind: "string"},
	{name: "accountTo", kind: "string"},
	{name: "amount", kind: "number"},
	{name: "currency", kind: "string"},
	{name: "explanation", kind: "string"},
	{name: "senderName", kind: "string"},
}

// ParsePayload decodes and schema-validates a token payload.
// Undecodable input wraps ErrMalformed; schema violations are *FieldError.
func ParsePayload(raw []byte) (TransferPayload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return TransferPayload{}, fmt.Errorf("%w: payload is not a JSON object: %v", ErrMalformed, err)
	}
	if fields == nil {
		return TransferPayload{}, fmt.Errorf("%w: payload is null", ErrMalformed)
	}

	for _, spec := range payloadSchema {
		value, ok := fields[spec.name]
		if !ok || value == nil || value == "" {
			return TransferPayload{}, &FieldError{Field: spec.name, Missing: true}
		}
		if got := jsonKind(value); got != spec.kind {
			return TransferPayload{}, &FieldError{Field: spec.name, Expected: spec.kind, Got: got}
		}
	}

	amount, err := fields["amount"].(json.Number).Int64()
	if err != nil {
		return TransferPayload{}, &FieldError{Field: "amount", Expected: "integer", Got: "fractional number"}
	}
	if amount <= 0 {
		return TransferPayload{}, &FieldError{Field: "amount", Expected: "positive integer", Got: fields["amount"].(json.Number).String()}
	}

	var transferID string
	if v, ok := fields["jti"]; ok && v != nil {
		id, isString := v.(string)
		if !isString {
			return TransferPayload{}, &FieldError{Field: "jti", Expected: "string", Got: jsonKind(v)}
		}
		transferID = id
	}

	return TransferPayload{
		AccountFrom: fields["accountFrom"].(string),
		AccountTo:   fields["accountTo"].(string),
		Amount:      amount,
		Currency:    fields["currency"].(string),
		Explanation: fields["explanation"].(string),
		SenderName:  fields["senderName"].(string),
		TransferID:  transferID,
	}, nil
}

func jsonKind(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
