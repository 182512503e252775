package bridge

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

// Messages of the HostRuntime service are protobuf well-known types. Structured
// payloads travel as google.protobuf.Struct with the field names below.

const (
	fieldProtocolVersion = "protocol_version"
	fieldSessionID       = "session_id"
	fieldAppName         = "app_name"
	fieldHostVersion     = "host_version"
	fieldRole            = "role"
	fieldLogicalName     = "logical_name"
	fieldPath            = "path"
	fieldMode            = "mode"
	fieldCheckpoint      = "checkpoint"
	fieldFinish          = "finish"
	fieldMessages        = "messages"
)

func encodeHandshake(h Handshake) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldProtocolVersion: structpb.NewNumberValue(float64(h.ProtocolVersion)),
		fieldSessionID:       structpb.NewStringValue(h.SessionID),
		fieldAppName:         structpb.NewStringValue(h.AppName),
	}}
}

func decodeHandshake(s *structpb.Struct) (Handshake, error) {
	v, err := numberField(s, fieldProtocolVersion)
	if err != nil {
		return Handshake{}, err
	}
	session, err := stringField(s, fieldSessionID)
	if err != nil {
		return Handshake{}, err
	}
	app, err := stringField(s, fieldAppName)
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{ProtocolVersion: int(v), SessionID: session, AppName: app}, nil
}

func encodeResolve(role types.FileRole, logicalName string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldRole:        structpb.NewStringValue(string(role)),
		fieldLogicalName: structpb.NewStringValue(logicalName),
	}}
}

func decodeResolve(s *structpb.Struct) (types.FileRole, string, error) {
	raw, err := stringField(s, fieldRole)
	if err != nil {
		return "", "", err
	}
	role, err := types.ParseFileRole(raw)
	if err != nil {
		return "", "", err
	}
	name, err := stringField(s, fieldLogicalName)
	if err != nil {
		return "", "", err
	}
	return role, name, nil
}

func encodeResult(r types.ResultFile) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldLogicalName: structpb.NewStringValue(r.LogicalName),
		fieldPath:        structpb.NewStringValue(r.Path),
		fieldMode:        structpb.NewStringValue(string(r.Mode)),
	}}
}

func decodeResult(s *structpb.Struct) (types.ResultFile, error) {
	name, err := stringField(s, fieldLogicalName)
	if err != nil {
		return types.ResultFile{}, err
	}
	path, err := stringField(s, fieldPath)
	if err != nil {
		return types.ResultFile{}, err
	}
	mode, err := stringField(s, fieldMode)
	if err != nil {
		return types.ResultFile{}, err
	}
	return types.ResultFile{LogicalName: name, Path: path, Mode: types.PersistenceMode(mode)}, nil
}

func encodeStatus(st Status) *structpb.Struct {
	msgs := make([]*structpb.Value, 0, len(st.Messages))
	for _, m := range st.Messages {
		msgs = append(msgs, structpb.NewStringValue(m))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldCheckpoint: structpb.NewBoolValue(st.Checkpoint),
		fieldFinish:     structpb.NewBoolValue(st.Finish),
		fieldMessages:   structpb.NewListValue(&structpb.ListValue{Values: msgs}),
	}}
}

// decodeStatus is strict about types. Missing fields read as false/empty.
func decodeStatus(s *structpb.Struct) (Status, error) {
	var st Status
	var err error
	if st.Checkpoint, err = optionalBool(s, fieldCheckpoint); err != nil {
		return Status{}, err
	}
	if st.Finish, err = optionalBool(s, fieldFinish); err != nil {
		return Status{}, err
	}
	v, ok := s.GetFields()[fieldMessages]
	if !ok {
		return st, nil
	}
	list, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return Status{}, fmt.Errorf("field %q: want list, got %T", fieldMessages, v.GetKind())
	}
	for i, item := range list.ListValue.GetValues() {
		text, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return Status{}, fmt.Errorf("field %q[%d]: want string, got %T", fieldMessages, i, item.GetKind())
		}
		st.Messages = append(st.Messages, text.StringValue)
	}
	return st, nil
}

func encodeInitReply(hostVersion int) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldHostVersion: structpb.NewNumberValue(float64(hostVersion)),
	}}
}

// ----------------------------------------------------------------------------

func stringField(s *structpb.Struct, key string) (string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return "", fmt.Errorf("missing field %q", key)
	}
	k, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("field %q: want string, got %T", key, v.GetKind())
	}
	return k.StringValue, nil
}

func numberField(s *structpb.Struct, key string) (float64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	k, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("field %q: want number, got %T", key, v.GetKind())
	}
	return k.NumberValue, nil
}

func optionalBool(s *structpb.Struct, key string) (bool, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return false, nil
	}
	k, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, fmt.Errorf("field %q: want bool, got %T", key, v.GetKind())
	}
	return k.BoolValue, nil
}
