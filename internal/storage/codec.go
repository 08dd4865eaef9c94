package storage

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// EncodeFields packs field payloads into a protobuf Struct for binary
// columns. Each payload travels as its JSON text, so decoding returns the
// same bytes.
func EncodeFields(fields Fields) ([]byte, error) {
	s := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(fields))}

	for name, raw := range fields {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("encode field %s: invalid JSON", name)
		}

		s.Fields[name] = structpb.NewStringValue(string(raw))
	}

	return proto.Marshal(s)
}

// DecodeFields reverses EncodeFields.
func DecodeFields(data []byte) (Fields, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}

	fields := make(Fields, len(s.GetFields()))

	for name, v := range s.GetFields() {
		text, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("decode field %s: payload is not JSON text", name)
		}

		fields[name] = json.RawMessage(text.StringValue)
	}

	return fields, nil
}
