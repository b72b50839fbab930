package gparedis

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lemmego/gpa-core"
)

// Codec encodes stored records.
type Codec interface {
	Name() string
	Encode(row gpa.Row) ([]byte, error)
	Decode(data []byte) (gpa.Row, error)
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	}
	return nil, gpa.NewError(gpa.ErrorTypeConfiguration, fmt.Sprintf("unknown redis codec %q", name))
}

// record keeps the column order of a row through encoding.
type record struct {
	Columns []string `json:"c" msgpack:"c"`
	Values  []any    `json:"v" msgpack:"v"`
}

// JSONCodec stores records as JSON. Numbers decode as json.Number so
// integer ids survive the round trip.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(row gpa.Row) ([]byte, error) {
	data, err := json.Marshal(record{Columns: row.Columns, Values: row.Values})
	if err != nil {
		return nil, gpa.NewErrorWithCause(gpa.ErrorTypeSerialization, "failed to encode record", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (gpa.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec record
	if err := dec.Decode(&rec); err != nil {
		return gpa.Row{}, gpa.NewErrorWithCause(gpa.ErrorTypeSerialization, "failed to decode record", err)
	}
	return gpa.RowOf(rec.Columns, rec.Values), nil
}

// MsgpackCodec stores records as MessagePack. UUIDs are written in their
// string form, as JSON does, so index keys match after a round trip.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(row gpa.Row) ([]byte, error) {
	values := make([]any, len(row.Values))
	for i, v := range row.Values {
		if id, ok := v.(uuid.UUID); ok {
			v = id.String()
		}
		values[i] = v
	}
	data, err := msgpack.Marshal(record{Columns: row.Columns, Values: values})
	if err != nil {
		return nil, gpa.NewErrorWithCause(gpa.ErrorTypeSerialization, "failed to encode record", err)
	}
	return data, nil
}

func (MsgpackCodec) Decode(data []byte) (gpa.Row, error) {
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return gpa.Row{}, gpa.NewErrorWithCause(gpa.ErrorTypeSerialization, "failed to decode record", err)
	}
	return gpa.RowOf(rec.Columns, rec.Values), nil
}
