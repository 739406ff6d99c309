package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Payload validation errors. All of them surface to the API as a 400.
var (
	// ErrInvalidPayload means the request body was not a JSON object.
	ErrInvalidPayload = errors.New("invalid JSON data")
	// ErrInvalidKeys means the object carried keys outside the allowed set.
	ErrInvalidKeys = errors.New("invalid JSON keys")
	// ErrTypeMismatch means a value disagreed with its declared type.
	ErrTypeMismatch = errors.New("type mismatch")
)

// UserPayload holds the validated fields of a create/update request body.
// Nil pointers mean the field was not provided.
type UserPayload struct {
	Name  *string
	Admin *bool
}

// allowed key set and expected JSON types for user payloads.
var payloadTypes = map[string]string{
	"name":  "string",
	"admin": "boolean",
}

// ParseUserPayload validates a request body against the fixed user field set
// {name: string, admin: boolean}. The body must be a JSON object; unknown
// keys and wrongly typed values are rejected. No side effects.
func ParseUserPayload(raw []byte) (*UserPayload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, string(raw))
	}

	for key := range fields {
		if _, ok := payloadTypes[key]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKeys, key)
		}
	}

	p := &UserPayload{}
	if rawName, ok := fields["name"]; ok {
		var name string
		if err := json.Unmarshal(rawName, &name); err != nil {
			return nil, fmt.Errorf("%w: user.name must be a %s, not: %s",
				ErrTypeMismatch, payloadTypes["name"], string(rawName))
		}
		p.Name = &name
	}
	if rawAdmin, ok := fields["admin"]; ok {
		var admin bool
		if err := json.Unmarshal(rawAdmin, &admin); err != nil {
			return nil, fmt.Errorf("%w: user.admin must be a %s, not: %s",
				ErrTypeMismatch, payloadTypes["admin"], string(rawAdmin))
		}
		p.Admin = &admin
	}
	return p, nil
}
