package models

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeStringList serializes a string slice for storage in a text column.
// A nil slice encodes as an empty JSON array.
func EncodeStringList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	out, err := json.MarshalToString(values)
	if err != nil {
		return "", err
	}
	return out, nil
}

func DecodeStringList(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var values []string
	if err := json.UnmarshalFromString(raw, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// EncodePayload serializes provider credential key/values for storage.
func EncodePayload(payload map[string]string) (string, error) {
	if payload == nil {
		payload = map[string]string{}
	}
	return json.MarshalToString(payload)
}

func DecodePayload(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	var payload map[string]string
	if err := json.UnmarshalFromString(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
