package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec turns documents into stored bytes and back.
type Codec interface {
	Marshal(doc Document) ([]byte, error)
	Unmarshal(data []byte) (Document, error)
	Name() string
}

// JSONCodec stores documents as JSON objects.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(doc Document) ([]byte, error) {
	if doc == nil {
		doc = Document{}
	}
	b, err := json.Marshal(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return b, nil
}

func (JSONCodec) Unmarshal(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return Document(m), nil
}

// ProtoCodec stores documents as a binary google.protobuf.Struct.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Marshal(doc Document) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("convert document: %w", err)
	}
	b, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return b, nil
}

func (ProtoCodec) Unmarshal(data []byte) (Document, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return Document(s.AsMap()), nil
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "proto":
		return ProtoCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
