package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	fieldTag  = "tag"
	fieldData = "data"
)

// ErrMalformedEntry indicates bytes that do not decode to a tagged entry.
var ErrMalformedEntry = errors.New("dispatch: malformed entry")

var marshalOptions = proto.MarshalOptions{Deterministic: true}

// Encode serializes a tagged payload into log entry bytes. The payload must be
// JSON encodable; the byte format is private to this package.
func Encode(tag string, payload any) ([]byte, error) {
	if tag == "" {
		return nil, fmt.Errorf("%w: empty tag", ErrMalformedEntry)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode payload: %w", err)
	}
	data := &structpb.Value{}
	if err := data.UnmarshalJSON(payloadJSON); err != nil {
		return nil, fmt.Errorf("dispatch: encode payload: %w", err)
	}
	entry := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldTag:  structpb.NewStringValue(tag),
		fieldData: data,
	}}
	return marshalOptions.Marshal(entry)
}

// Decode reverses Encode, returning the tag and the payload as JSON.
func Decode(entry []byte) (string, json.RawMessage, error) {
	decoded := &structpb.Struct{}
	if err := proto.Unmarshal(entry, decoded); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	tagValue, ok := decoded.GetFields()[fieldTag]
	if !ok || tagValue.GetStringValue() == "" {
		return "", nil, fmt.Errorf("%w: missing tag", ErrMalformedEntry)
	}
	dataValue, ok := decoded.GetFields()[fieldData]
	if !ok {
		return tagValue.GetStringValue(), json.RawMessage("null"), nil
	}
	payload, err := json.Marshal(dataValue.AsInterface())
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	return tagValue.GetStringValue(), payload, nil
}
