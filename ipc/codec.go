package ipc

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// bsonRegistry decodes embedded documents as bson.M (map[string]interface{})
// rather than the driver's default bson.D, and BSON datetimes as time.Time
// rather than primitive.DateTime, so pipeline/options/rows trees round-trip
// as the same plain-map shape the text codec and the planner use.
var bsonRegistry = func() *bsoncodec.Registry {
	rb := bson.NewRegistryBuilder()
	rb.RegisterTypeMapEntry(bsontype.EmbeddedDocument, reflect.TypeOf(bson.M{}))
	rb.RegisterTypeMapEntry(bsontype.DateTime, reflect.TypeOf(time.Time{}))
	return rb.Build()
}()

// Codec serializes and deserializes Message frames across the parent-worker
// IPC boundary. Two implementations exist: a compact binary codec (BSON,
// which preserves time.Time natively) and a text codec (JSON, which tags
// date values explicitly so they survive the string round trip). Both sides
// of one IPC connection must agree on the same choice; it is negotiated
// once, out of band, via the pool's IPC codec configuration flag.
type Codec interface {
	Encode(msg *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
}

// NewCodec returns the binary codec when binary is true, else the text
// codec.
func NewCodec(binary bool) Codec {
	if binary {
		return binaryCodec{}
	}
	return textCodec{}
}

// textWire is the on-the-wire shape for the text codec: a content-addressable
// envelope (__binary discriminates the two codecs even if a reader guesses
// wrong) carrying a structural JSON payload.
type textWire struct {
	Binary  bool            `json:"__binary"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// binaryWire is the on-the-wire shape for the binary codec: the same
// envelope, carrying a BSON-encoded payload (base64-embedded by the
// standard []byte JSON encoding).
type binaryWire struct {
	Binary  bool        `json:"__binary"`
	Type    MessageType `json:"type"`
	Payload []byte      `json:"payload,omitempty"`
}

type textCodec struct{}

func (textCodec) Encode(msg *Message) ([]byte, error) {
	wire := textWire{Binary: false, Type: msg.Type}
	if msg.Payload != nil {
		body, err := json.Marshal(tagPayloadDates(msg.Payload))
		if err != nil {
			return nil, fmt.Errorf("ipc: text encode: %w", err)
		}
		wire.Payload = body
	}
	return json.Marshal(wire)
}

func (textCodec) Decode(data []byte) (*Message, error) {
	var wire textWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("ipc: text decode: %w", err)
	}
	payload, err := decodePayload(wire.Type, wire.Payload, json.Unmarshal)
	if err != nil {
		return nil, err
	}
	return &Message{Type: wire.Type, Payload: untagPayloadDates(payload)}, nil
}

type binaryCodec struct{}

func (binaryCodec) Encode(msg *Message) ([]byte, error) {
	wire := binaryWire{Binary: true, Type: msg.Type}
	if msg.Payload != nil {
		body, err := bson.MarshalWithRegistry(bsonRegistry, msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("ipc: bson encode: %w", err)
		}
		wire.Payload = body
	}
	return json.Marshal(wire)
}

func (binaryCodec) Decode(data []byte) (*Message, error) {
	var wire binaryWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("ipc: binary decode: %w", err)
	}
	unmarshal := func(raw []byte, v interface{}) error {
		return bson.UnmarshalWithRegistry(bsonRegistry, raw, v)
	}
	payload, err := decodePayload(wire.Type, wire.Payload, unmarshal)
	if err != nil {
		return nil, err
	}
	return &Message{Type: wire.Type, Payload: normalizePayloadBSON(payload)}, nil
}

// normalizePayloadBSON converts the driver's bson.M/bson.A document shapes
// (the default for embedded documents/arrays decoded into an interface{}
// slot) back into the plain map[string]interface{}/[]interface{} shape the
// rest of the engine (planner, storage gateway) works with. Dates already
// decode as time.Time through bsonRegistry and need no further handling,
// unlike the text codec's $date tags.
func normalizePayloadBSON(payload interface{}) interface{} {
	switch p := payload.(type) {
	case QueryRequest:
		p.Pipeline = normalizeBSONSlice(p.Pipeline)
		p.Options = normalizeBSONMap(p.Options)
		return p
	case QueryBatchPayload:
		reqs := make([]QueryRequest, len(p.Requests))
		for i, r := range p.Requests {
			r.Pipeline = normalizeBSONSlice(r.Pipeline)
			r.Options = normalizeBSONMap(r.Options)
			reqs[i] = r
		}
		p.Requests = reqs
		return p
	case QueryResult:
		p.Rows = normalizeBSONSlice(p.Rows)
		return p
	case ResultBatchPayload:
		results := make([]QueryResult, len(p.Results))
		for i, r := range p.Results {
			r.Rows = normalizeBSONSlice(r.Rows)
			results[i] = r
		}
		p.Results = results
		return p
	default:
		return payload
	}
}

func normalizeBSON(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = normalizeBSON(vv)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = normalizeBSON(vv)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = normalizeBSON(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = normalizeBSON(vv)
		}
		return out
	default:
		return v
	}
}

func normalizeBSONSlice(s []interface{}) []interface{} {
	if s == nil {
		return nil
	}
	return normalizeBSON(s).([]interface{})
}

func normalizeBSONMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	return normalizeBSON(m).(map[string]interface{})
}

// decodePayload dispatches on MessageType to unmarshal raw into the
// concrete payload type it carries, using unmarshal (json.Unmarshal or
// bson.Unmarshal depending on codec).
func decodePayload(t MessageType, raw []byte, unmarshal func([]byte, interface{}) error) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var err error
	switch t {
	case MessageTypeInit:
		var p InitPayload
		err = unmarshal(raw, &p)
		return p, err
	case MessageTypeQuery:
		var p QueryRequest
		err = unmarshal(raw, &p)
		return p, err
	case MessageTypeQueryBatch:
		var p QueryBatchPayload
		err = unmarshal(raw, &p)
		return p, err
	case MessageTypeResult:
		var p QueryResult
		err = unmarshal(raw, &p)
		return p, err
	case MessageTypeResultBatch:
		var p ResultBatchPayload
		err = unmarshal(raw, &p)
		return p, err
	case MessageTypeError:
		var p ErrorPayload
		err = unmarshal(raw, &p)
		return p, err
	default:
		return nil, nil
	}
}

// tagPayloadDates applies the $date tagging walk to the untyped
// pipeline/options/rows trees of a payload, leaving statically typed
// fields (which json/bson already round-trip losslessly) untouched.
func tagPayloadDates(payload interface{}) interface{} {
	switch p := payload.(type) {
	case QueryRequest:
		p.Pipeline = tagDatesSlice(p.Pipeline)
		p.Options = tagDatesMap(p.Options)
		return p
	case QueryBatchPayload:
		reqs := make([]QueryRequest, len(p.Requests))
		for i, r := range p.Requests {
			r.Pipeline = tagDatesSlice(r.Pipeline)
			r.Options = tagDatesMap(r.Options)
			reqs[i] = r
		}
		p.Requests = reqs
		return p
	case QueryResult:
		p.Rows = tagDatesSlice(p.Rows)
		return p
	case ResultBatchPayload:
		results := make([]QueryResult, len(p.Results))
		for i, r := range p.Results {
			r.Rows = tagDatesSlice(r.Rows)
			results[i] = r
		}
		p.Results = results
		return p
	default:
		return payload
	}
}

// untagPayloadDates is tagPayloadDates' inverse, run by the receiving side
// (the worker, for QUERY/QUERY_BATCH; the pool manager, for
// RESULT/RESULT_BATCH) before the pipeline is handed to storage or the
// rows are merged into a counter map.
func untagPayloadDates(payload interface{}) interface{} {
	switch p := payload.(type) {
	case QueryRequest:
		p.Pipeline = untagDatesSlice(p.Pipeline)
		p.Options = untagDatesMap(p.Options)
		return p
	case QueryBatchPayload:
		reqs := make([]QueryRequest, len(p.Requests))
		for i, r := range p.Requests {
			r.Pipeline = untagDatesSlice(r.Pipeline)
			r.Options = untagDatesMap(r.Options)
			reqs[i] = r
		}
		p.Requests = reqs
		return p
	case QueryResult:
		p.Rows = untagDatesSlice(p.Rows)
		return p
	case ResultBatchPayload:
		results := make([]QueryResult, len(p.Results))
		for i, r := range p.Results {
			r.Rows = untagDatesSlice(r.Rows)
			results[i] = r
		}
		p.Results = results
		return p
	default:
		return payload
	}
}

// dateTag marks a timestamp value so the text codec can tell it apart from
// an ordinary string on the far side.
const dateTag = "$date"

func tagDates(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return map[string]interface{}{dateTag: t.UTC().Format(time.RFC3339Nano)}
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = tagDates(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = tagDates(vv)
		}
		return out
	default:
		return v
	}
}

func untagDates(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 1 {
			if s, ok := t[dateTag].(string); ok {
				if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
					return parsed
				}
			}
		}
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = untagDates(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = untagDates(vv)
		}
		return out
	default:
		return v
	}
}

func tagDatesSlice(s []interface{}) []interface{} {
	if s == nil {
		return nil
	}
	return tagDates(s).([]interface{})
}

func tagDatesMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	return tagDates(m).(map[string]interface{})
}

func untagDatesSlice(s []interface{}) []interface{} {
	if s == nil {
		return nil
	}
	return untagDates(s).([]interface{})
}

func untagDatesMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	return untagDates(m).(map[string]interface{})
}
